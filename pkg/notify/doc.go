// Package notify delivers subscriber notifications.
//
// Notifications are best-effort: Dispatcher.Send never returns an error and
// never blocks an entitlement change from committing. The SendResult tells
// the caller whether delivery worked so it can record the outcome.
//
// Implementations:
//
//   - WebhookDispatcher posts HMAC-SHA256 signed JSON to one endpoint and
//     retries transient failures with exponential backoff. 4xx responses
//     other than 429 are not retried.
//   - LogDispatcher only logs.
//   - MultiDispatcher fans out to several dispatchers in parallel.
//   - Recorder keeps notifications in memory for tests.
//
// Receivers verify deliveries with VerifySignature:
//
//	if !notify.VerifySignature(body, r.Header.Get(notify.HeaderSignature), secret) {
//		http.Error(w, "bad signature", http.StatusUnauthorized)
//		return
//	}
package notify
