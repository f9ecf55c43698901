package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Service answers analytics queries over recorded events
type Service struct {
	db *sql.DB
}

// NewService creates a new analytics service
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// EventCount is the number of events of one type
type EventCount struct {
	Event string `json:"event"`
	Count int64  `json:"count"`
}

// ActivityResponse summarises a subscriber's entitlement activity
type ActivityResponse struct {
	SubscriberID int64        `json:"subscriber_id"`
	Since        time.Time    `json:"since"`
	Total        int64        `json:"total"`
	ByEvent      []EventCount `json:"by_event"`
}

// SubscriberActivity counts a subscriber's events since the given time,
// most frequent first
func (s *Service) SubscriberActivity(ctx context.Context, subscriberID int64, since time.Time) (*ActivityResponse, error) {
	query := `SELECT event_type, COUNT(*) FROM analytics_events WHERE subscriber_id = $1 AND created_at >= $2 GROUP BY event_type ORDER BY COUNT(*) DESC, event_type`

	rows, err := s.db.QueryContext(ctx, query, subscriberID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	resp := &ActivityResponse{SubscriberID: subscriberID, Since: since, ByEvent: []EventCount{}}
	for rows.Next() {
		var c EventCount
		if err := rows.Scan(&c.Event, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		resp.Total += c.Count
		resp.ByEvent = append(resp.ByEvent, c)
	}
	return resp, rows.Err()
}

// StoredEvent is one recorded event
type StoredEvent struct {
	ID         int64                  `json:"id"`
	Event      string                 `json:"event"`
	Properties map[string]interface{} `json:"properties"`
	CreatedAt  time.Time              `json:"created_at"`
}

// RecentEvents returns a subscriber's latest events, newest first
func (s *Service) RecentEvents(ctx context.Context, subscriberID int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, event_type, properties, created_at FROM analytics_events WHERE subscriber_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, subscriberID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []StoredEvent{}
	for rows.Next() {
		var (
			e   StoredEvent
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Event, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Properties); err != nil {
				return nil, fmt.Errorf("failed to decode properties of event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
