// Command slotctl is the operator CLI for slotkeeper. It loads the same
// SLOTKEEPER_* configuration as the daemon and runs one operation against
// the configured store.
//
//	slotctl summary 42
//	slotctl options 42
//	slotctl grace-check 42
//	slotctl grace-sweep
//	slotctl activity -since 168h 42
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/slotkeeper/pkg/app"
	"github.com/platinummonkey/slotkeeper/pkg/config"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
)

const usage = `Usage: slotctl [flags] <command> [args]

Commands:
  summary <subscriber>      Print the device and slot summary
  options <subscriber>      Print the over-limit resolution menu
  grace-check <subscriber>  Run the grace check for a subscriber now
  grace-sweep               Run the grace sweep and apply due plan changes
  activity <subscriber>     Print recorded analytics events (postgres only)
`

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	timeout := flag.Duration("timeout", 2*time.Minute, "Timeout for the command")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := setupLogger(*logLevel)
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// engine logs go to stderr at warn so command output stays parseable
	engine, err := app.New(ctx, cfg, observability.NewLogger(observability.WarnLevel, os.Stderr))
	if err != nil {
		logger.Fatalf("Failed to start engine: %v", err)
	}
	defer engine.Close()

	if err := dispatch(ctx, engine, os.Stdout, logger, flag.Args()); err != nil {
		logger.Errorf("%s failed: %v", flag.Arg(0), err)
		engine.Close()
		os.Exit(1)
	}
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func dispatch(ctx context.Context, engine *app.App, out io.Writer, logger *logrus.Logger, args []string) error {
	command, rest := args[0], args[1:]
	switch command {
	case "summary":
		sub, err := subscriberArg(rest)
		if err != nil {
			return err
		}
		return printJSON(out, engine.Devices.Summary(ctx, sub))

	case "options":
		sub, err := subscriberArg(rest)
		if err != nil {
			return err
		}
		return printJSON(out, engine.Resolver.Options(ctx, sub))

	case "grace-check":
		sub, err := subscriberArg(rest)
		if err != nil {
			return err
		}
		res := engine.Grace.Check(ctx, sub)
		if res.OK() {
			logger.WithFields(logrus.Fields{
				"subscriber_id": sub,
				"action":        res.Data.Action,
			}).Info("Grace check complete")
		}
		return printJSON(out, res)

	case "grace-sweep":
		start := time.Now()
		err := engine.RunMaintenance(ctx)
		logger.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("Maintenance run complete")
		return err

	case "activity":
		fs := flag.NewFlagSet("activity", flag.ContinueOnError)
		since := fs.Duration("since", 30*24*time.Hour, "How far back to count events")
		limit := fs.Int("limit", 20, "Number of recent events to print")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		sub, err := subscriberArg(fs.Args())
		if err != nil {
			return err
		}
		if engine.Analytics == nil {
			return fmt.Errorf("analytics requires postgres storage")
		}
		activity, err := engine.Analytics.SubscriberActivity(ctx, sub, time.Now().Add(-*since))
		if err != nil {
			return err
		}
		recent, err := engine.Analytics.RecentEvents(ctx, sub, *limit)
		if err != nil {
			return err
		}
		return printJSON(out, map[string]interface{}{"activity": activity, "recent": recent})

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func subscriberArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one subscriber ID")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid subscriber ID %q", args[0])
	}
	return id, nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
