// Package audit persists the connection lifecycle trail of the gateway.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Actions recorded by the gateway.
const (
	ActionConnectionOpen     = "connection.open"
	ActionConnectionClose    = "connection.close"
	ActionConnectionRejected = "connection.rejected"
	ActionAdminDisconnect    = "admin.disconnect"
	ActionAdminBroadcast     = "admin.broadcast"
)

// Event is one row of the audit trail.
type Event struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	ConnID     string          `json:"conn_id,omitempty"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Filter narrows ListEvents. Action matches as a prefix.
type Filter struct {
	Action string
	ConnID string
	Limit  int
	Offset int
}

// Store defines the audit persistence interface.
type Store interface {
	LogEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter Filter) ([]Event, error)
	PurgeOlderThan(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Detail marshals v into an event detail, dropping it on error.
func Detail(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

const defaultListLimit = 50

// listQuery renders the filtered SELECT for a driver. placeholder returns the
// bind marker for the n-th (1-based) argument.
func listQuery(filter Filter, placeholder func(n int) string) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, action, conn_id, remote_addr, subject, detail, created_at FROM audit_events WHERE 1=1`)
	var args []any

	if filter.Action != "" {
		args = append(args, filter.Action+"%")
		fmt.Fprintf(&b, " AND action LIKE %s", placeholder(len(args)))
	}
	if filter.ConnID != "" {
		args = append(args, filter.ConnID)
		fmt.Fprintf(&b, " AND conn_id = %s", placeholder(len(args)))
	}

	b.WriteString(" ORDER BY created_at DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT %s", placeholder(len(args)))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET %s", placeholder(len(args)))
	}
	return b.String(), args
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEvents(rows rowScanner) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.ConnID, &e.RemoteAddr, &e.Subject, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func detailString(event *Event) string {
	if event.Detail == nil {
		return ""
	}
	return string(event.Detail)
}
