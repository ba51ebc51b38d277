package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/eldertree/internal/model"
)

const timeLayout = time.RFC3339Nano

// RecordEvent inserts ev. A duplicate id is ignored so a replayed journal
// does not fail.
func (s *Store) RecordEvent(ctx context.Context, ev model.Event) error {
	data, err := marshalJSON(ev.Data, "{}")
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, seq, type, binding_id, node_id, data, timestamp, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.Seq,
		ev.Type.String(),
		ev.BindingID,
		ev.NodeID,
		data,
		ev.Timestamp.UTC().Format(timeLayout),
		ev.Processed,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// MarkEventProcessed sets the processed flag of event id.
func (s *Store) MarkEventProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE events SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark event processed: event %q not recorded", id)
	}
	return nil
}

// RecordMessage appends one delivery outcome for msg.
func (s *Store) RecordMessage(ctx context.Context, msg model.Message, outcome string) error {
	content, err := marshalJSON(msg.Content, "{}")
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	path, err := marshalJSON(msg.HierarchyPath, "[]")
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages
		(message_id, seq, type, sender_id, receiver_id, priority, outcome, content, path, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.Seq,
		msg.MessageType,
		msg.SenderID,
		msg.ReceiverID,
		msg.Priority.String(),
		outcome,
		content,
		path,
		msg.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// EventFilter narrows Events. Zero fields match everything.
type EventFilter struct {
	Type      string
	BindingID string
	NodeID    string
	Pending   bool
	Limit     int
}

// Events returns recorded events ordered by seq then id.
func (s *Store) Events(ctx context.Context, f EventFilter) ([]model.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.BindingID != "" {
		where = append(where, "binding_id = ?")
		args = append(args, f.BindingID)
	}
	if f.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, f.NodeID)
	}
	if f.Pending {
		where = append(where, "processed = 0")
	}

	query := `SELECT id, seq, type, binding_id, node_id, data, timestamp, processed FROM events`
	query += whereClause(where)
	query += ` ORDER BY seq ASC, id COLLATE BINARY ASC`
	query, args = withLimit(query, args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []model.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// MessageRecord is one row of the message audit trail.
type MessageRecord struct {
	Attempt       int64
	MessageID     string
	Seq           int64
	MessageType   string
	SenderID      string
	ReceiverID    string
	Priority      model.Priority
	Outcome       string
	Content       map[string]any
	HierarchyPath []string
	Timestamp     time.Time
}

// MessageFilter narrows Messages. NodeID matches either endpoint.
type MessageFilter struct {
	NodeID  string
	Outcome string
	Limit   int
}

// Messages returns delivery outcomes in the order they were recorded.
func (s *Store) Messages(ctx context.Context, f MessageFilter) ([]MessageRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.NodeID != "" {
		where = append(where, "(sender_id = ? OR receiver_id = ?)")
		args = append(args, f.NodeID, f.NodeID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}

	query := `SELECT attempt, message_id, seq, type, sender_id, receiver_id, priority, outcome, content, path, timestamp FROM messages`
	query += whereClause(where)
	query += ` ORDER BY attempt ASC`
	query, args = withLimit(query, args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := []MessageRecord{}
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// EventCounts returns the number of recorded events per type tag.
func (s *Store) EventCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM events GROUP BY type ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event counts: %w", err)
	}
	return out, nil
}

func scanEvent(rows *sql.Rows) (model.Event, error) {
	var (
		ev               model.Event
		typ, data, stamp string
		processed        bool
	)
	if err := rows.Scan(&ev.ID, &ev.Seq, &typ, &ev.BindingID, &ev.NodeID, &data, &stamp, &processed); err != nil {
		return model.Event{}, fmt.Errorf("scan event: %w", err)
	}
	t, err := model.ParseEventType(typ)
	if err != nil {
		return model.Event{}, fmt.Errorf("scan event %s: %w", ev.ID, err)
	}
	ev.Type = t
	ev.Processed = processed
	if ev.Timestamp, err = time.Parse(timeLayout, stamp); err != nil {
		return model.Event{}, fmt.Errorf("scan event %s: %w", ev.ID, err)
	}
	if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
		return model.Event{}, fmt.Errorf("scan event %s: %w", ev.ID, err)
	}
	return ev, nil
}

func scanMessage(rows *sql.Rows) (MessageRecord, error) {
	var (
		rec                         MessageRecord
		priority, content, path, ts string
	)
	if err := rows.Scan(&rec.Attempt, &rec.MessageID, &rec.Seq, &rec.MessageType, &rec.SenderID,
		&rec.ReceiverID, &priority, &rec.Outcome, &content, &path, &ts); err != nil {
		return MessageRecord{}, fmt.Errorf("scan message: %w", err)
	}
	p, err := model.ParsePriority(priority)
	if err != nil {
		return MessageRecord{}, fmt.Errorf("scan message %s: %w", rec.MessageID, err)
	}
	rec.Priority = p
	if rec.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
		return MessageRecord{}, fmt.Errorf("scan message %s: %w", rec.MessageID, err)
	}
	if err := json.Unmarshal([]byte(content), &rec.Content); err != nil {
		return MessageRecord{}, fmt.Errorf("scan message %s: %w", rec.MessageID, err)
	}
	if err := json.Unmarshal([]byte(path), &rec.HierarchyPath); err != nil {
		return MessageRecord{}, fmt.Errorf("scan message %s: %w", rec.MessageID, err)
	}
	return rec, nil
}

// marshalJSON encodes v with sorted map keys and no HTML escaping. A nil
// map or slice is stored as empty.
func marshalJSON[T any](v T, empty string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	out := strings.TrimSpace(buf.String())
	if out == "null" {
		return empty, nil
	}
	return out, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func withLimit(query string, args []any, limit int) (string, []any) {
	if limit <= 0 {
		return query, args
	}
	return query + " LIMIT ?", append(args, limit)
}
