package plans

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/slotkeeper/pkg/entitlements"
	"github.com/platinummonkey/slotkeeper/pkg/observability"
	"github.com/platinummonkey/slotkeeper/pkg/storage"
)

// catalogFile is the on-disk layout of a plan catalog
type catalogFile struct {
	Plans []*entitlements.Plan `yaml:"plans"`
}

// ParseCatalog parses and validates a YAML plan catalog
func ParseCatalog(data []byte) ([]*entitlements.Plan, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	if err := ValidateCatalog(file.Plans); err != nil {
		return nil, err
	}
	sort.Slice(file.Plans, func(i, j int) bool { return file.Plans[i].ID < file.Plans[j].ID })
	return file.Plans, nil
}

// ValidateCatalog checks plan IDs and slugs are unique and limits and
// prices are sane
func ValidateCatalog(plans []*entitlements.Plan) error {
	if len(plans) == 0 {
		return fmt.Errorf("plan catalog is empty")
	}
	ids := make(map[int64]bool, len(plans))
	slugs := make(map[string]bool, len(plans))
	for i, p := range plans {
		switch {
		case p == nil:
			return fmt.Errorf("plan %d: empty entry", i)
		case p.ID <= 0:
			return fmt.Errorf("plan %d: id must be positive", i)
		case p.Slug == "":
			return fmt.Errorf("plan %d: slug is required", p.ID)
		case ids[p.ID]:
			return fmt.Errorf("plan %d: duplicate id", p.ID)
		case slugs[p.Slug]:
			return fmt.Errorf("plan %d: duplicate slug %q", p.ID, p.Slug)
		case p.DeviceLimit < entitlements.Unlimited:
			return fmt.Errorf("plan %s: device_limit must be -1 (unlimited) or positive", p.Slug)
		case p.MonthlyPriceCents < 0 || p.YearlyPriceCents < 0:
			return fmt.Errorf("plan %s: prices must not be negative", p.Slug)
		case p.GracePeriodDays < 0:
			return fmt.Errorf("plan %s: grace_period_days must not be negative", p.Slug)
		}
		ids[p.ID] = true
		slugs[p.Slug] = true
		if p.Name == "" {
			p.Name = p.Slug
		}
		if p.Tier == "" {
			p.Tier = entitlements.RoleUser
		}
	}
	return nil
}

// FileCatalog serves plans from a YAML file and reloads it when the file
// changes. A file that fails to parse leaves the previous catalog in place.
type FileCatalog struct {
	path   string
	logger *observability.Logger

	mu    sync.RWMutex
	plans []*entitlements.Plan
	byID  map[int64]*entitlements.Plan

	// onReload is called after every successful reload
	onReload func([]*entitlements.Plan)
}

// LoadFileCatalog reads the catalog at path
func LoadFileCatalog(path string, logger *observability.Logger) (*FileCatalog, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	c := &FileCatalog{path: path, logger: logger.WithField("catalog", path)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read plan catalog: %w", err)
	}
	plans, err := ParseCatalog(data)
	if err != nil {
		return err
	}
	byID := make(map[int64]*entitlements.Plan, len(plans))
	for _, p := range plans {
		byID[p.ID] = p
	}

	c.mu.Lock()
	c.plans, c.byID = plans, byID
	onReload := c.onReload
	c.mu.Unlock()

	if onReload != nil {
		onReload(plans)
	}
	return nil
}

// OnReload registers fn to run after each successful reload
func (c *FileCatalog) OnReload(fn func([]*entitlements.Plan)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = fn
}

// ListPlans implements storage.PlanReader
func (c *FileCatalog) ListPlans(ctx context.Context) ([]*entitlements.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*entitlements.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// GetPlan implements storage.PlanReader
func (c *FileCatalog) GetPlan(ctx context.Context, planID int64) (*entitlements.Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[planID]
	if !ok {
		return nil, fmt.Errorf("plan %d: %w", planID, storage.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// Sync writes every catalog plan into w so subscriptions can reference them
func (c *FileCatalog) Sync(ctx context.Context, w storage.PlanWriter) error {
	plans, err := c.ListPlans(ctx)
	if err != nil {
		return err
	}
	for _, p := range plans {
		if err := w.UpsertPlan(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Watch reloads the catalog whenever the file is written or replaced,
// until ctx is done. The parent directory is watched so editors that
// rename a temporary file over the catalog are picked up.
func (c *FileCatalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(c.path), err)
	}
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				c.logger.WithError(err).Warn("plan catalog reload failed, keeping previous catalog")
				continue
			}
			c.logger.Info("plan catalog reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.WithError(err).Warn("plan catalog watcher error")
		}
	}
}
