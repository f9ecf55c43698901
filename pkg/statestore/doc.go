// Package statestore provides the keyed state store used for workflow state
// that must outlive a single call, such as a subscriber's grace period
// status, the handle of its scheduled grace check and the marker that makes
// a suspension notification go out only once.
//
// RedisStore is used in production; MemoryStore backs tests and
// single-process deployments. Both honour per-key ttl, and SetNX gives an
// atomic "first writer wins" primitive.
package statestore
