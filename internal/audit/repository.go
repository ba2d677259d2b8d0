// Package audit keeps the connection history: one row per device lifecycle
// event, queryable through the admin API.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-link/internal/device"
	"github.com/nerrad567/gray-logic-link/internal/rpc"
)

// Page size bounds for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Entry is one recorded lifecycle event.
type Entry struct {
	ID         string                `json:"id"`
	Session    string                `json:"session"`
	DeviceID   string                `json:"device_id"`
	PreviousID string                `json:"previous_id,omitempty"`
	Type       device.EventType      `json:"type"`
	Direction  device.Direction      `json:"direction"`
	RemoteAddr string                `json:"remote_addr"`
	Encrypted  bool                  `json:"encrypted"`
	Peer       device.PeerInfo       `json:"peer"`
	Reason     *rpc.DisconnectReason `json:"reason,omitempty"`
	Stats      device.Stats          `json:"stats"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// EntryFromEvent converts a device event into an unsaved Entry. Reason is
// only kept for closed events; the other events carry the zero reason.
func EntryFromEvent(ev device.Event) Entry {
	e := Entry{
		Session:    ev.Session,
		DeviceID:   ev.Device,
		PreviousID: ev.PreviousID,
		Type:       ev.Type,
		Direction:  ev.Direction,
		RemoteAddr: ev.RemoteAddr,
		Encrypted:  ev.Encrypted,
		Peer:       ev.Peer,
		Stats:      ev.Stats,
		OccurredAt: ev.Time,
	}
	if ev.Type == device.EventClosed {
		reason := ev.Reason
		e.Reason = &reason
	}
	return e
}

// Filter selects entries for List. Zero fields match everything.
type Filter struct {
	DeviceID string
	Session  string
	Type     device.EventType
	Since    time.Time
	Limit    int // default 50, max 200
	Offset   int
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores and queries connection history.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository implements Repository on the connection_events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository wraps an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts e, filling ID and OccurredAt when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "conn-" + uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}

	var reason any
	if e.Reason != nil {
		reason = e.Reason.String()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO connection_events (
			id, session, device_id, previous_id, event_type, direction, remote_addr, encrypted,
			peer_name, peer_version, peer_roles, reason,
			requests_sent, responses_received, errors_received, timeouts,
			requests_received, notifications_received, protocol_errors, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Session, e.DeviceID, nullableString(e.PreviousID), string(e.Type), e.Direction.String(),
		e.RemoteAddr, e.Encrypted,
		nullableString(e.Peer.Name), nullableString(e.Peer.Version),
		nullableString(strings.Join(e.Peer.Roles.Names(), ",")), reason,
		e.Stats.RequestsSent, e.Stats.ResponsesReceived, e.Stats.ErrorsReceived, e.Stats.Timeouts,
		e.Stats.RequestsReceived, e.Stats.NotificationsReceived, e.Stats.ProtocolErrors,
		formatTime(e.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// List returns entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.DeviceID != "" {
		// A device is also found under the temporary id it had before
		// registration renamed it.
		conditions = append(conditions, "(device_id = ? OR previous_id = ?)")
		args = append(args, filter.DeviceID, filter.DeviceID)
	}
	if filter.Session != "" {
		conditions = append(conditions, "session = ?")
		args = append(args, filter.Session)
	}
	if filter.Type != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "occurred_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM connection_events " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting connection events: %w", err)
	}

	query := `SELECT id, session, device_id, previous_id, event_type, direction, remote_addr, encrypted,
			peer_name, peer_version, peer_roles, reason,
			requests_sent, responses_received, errors_received, timeouts,
			requests_received, notifications_received, protocol_errors, occurred_at
		FROM connection_events ` + where + ` ORDER BY occurred_at DESC, rowid DESC LIMIT ? OFFSET ?` //nolint:gosec // WHERE built from parameterised conditions
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}

	return &ListResult{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Prune deletes entries older than before and reports how many went.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM connection_events WHERE occurred_at < ?", formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning connection events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning connection events: %w", err)
	}
	return n, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                                 Entry
		previousID, peerName, peerVersion sql.NullString
		peerRoles, reason                 sql.NullString
		eventType, direction, occurredAt  string
	)
	if err := rows.Scan(&e.ID, &e.Session, &e.DeviceID, &previousID, &eventType, &direction,
		&e.RemoteAddr, &e.Encrypted, &peerName, &peerVersion, &peerRoles, &reason,
		&e.Stats.RequestsSent, &e.Stats.ResponsesReceived, &e.Stats.ErrorsReceived, &e.Stats.Timeouts,
		&e.Stats.RequestsReceived, &e.Stats.NotificationsReceived, &e.Stats.ProtocolErrors,
		&occurredAt); err != nil {
		return Entry{}, fmt.Errorf("scanning connection event: %w", err)
	}

	e.PreviousID = previousID.String
	e.Type = device.EventType(eventType)
	if err := e.Direction.UnmarshalText([]byte(direction)); err != nil {
		return Entry{}, fmt.Errorf("connection event %s: %w", e.ID, err)
	}
	e.Peer.Name = peerName.String
	e.Peer.Version = peerVersion.String
	if peerRoles.String != "" {
		// Roles were written by this package, so unknown names cannot occur.
		e.Peer.Roles, _ = device.ParseRole(peerRoles.String) //nolint:errcheck // See above
	}
	if reason.Valid {
		parsed, _ := rpc.ParseDisconnectReason(reason.String)
		e.Reason = &parsed
	}

	t, err := time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing connection event timestamp %q: %w", occurredAt, err)
	}
	e.OccurredAt = t
	return e, nil
}

// formatTime renders UTC with fixed-width fractional seconds so that
// string order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
