package notify

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DeliveryStatus represents the status of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// DeliveryLog records one webhook delivery and its attempts
type DeliveryLog struct {
	EventID      string         `json:"event_id"`
	EventType    EventType      `json:"event_type"`
	SubscriberID int64          `json:"subscriber_id"`
	URL          string         `json:"url"`
	Status       DeliveryStatus `json:"status"`
	StatusCode   int            `json:"status_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	Duration     time.Duration  `json:"duration"`
}

// DeliveryLogStore keeps the most recent deliveries, evicting the oldest
type DeliveryLogStore struct {
	logs *lru.Cache[string, *DeliveryLog]
}

// NewDeliveryLogStore creates a bounded delivery log store
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	cache, _ := lru.New[string, *DeliveryLog](maxLogs) // only errors on a non-positive size
	return &DeliveryLogStore{logs: cache}
}

// Add stores a delivery log
func (s *DeliveryLogStore) Add(log *DeliveryLog) {
	s.logs.Add(log.EventID, log)
}

// Get returns the delivery log of an event
func (s *DeliveryLogStore) Get(eventID string) (*DeliveryLog, bool) {
	return s.logs.Peek(eventID)
}

// Recent returns up to limit logs, newest first
func (s *DeliveryLogStore) Recent(limit int) []*DeliveryLog {
	logs := s.logs.Values()
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs
}

// Stats summarises stored deliveries
func (s *DeliveryLogStore) Stats() DeliveryStats {
	var stats DeliveryStats
	for _, log := range s.logs.Values() {
		stats.Total++
		if log.Status == DeliveryStatusSuccess {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
	return stats
}

// DeliveryStats counts deliveries by outcome
type DeliveryStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
