package inbox

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SQLConfig parameterizes the table names of the SQL-backed stores.
type SQLConfig struct {
	MessagesTable      string
	DeadLettersTable   string
	DeduplicationTable string
	GroupLocksTable    string
}

// DefaultSQLConfig returns the default table names
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MessagesTable:      "inbox_messages",
		DeadLettersTable:   "inbox_dead_letters",
		DeduplicationTable: "inbox_deduplication",
		GroupLocksTable:    "inbox_group_locks",
	}
}

// messageColumns is the scan order shared by the SQL stores
const messageColumns = "id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, captured_at, captured_by, seq"

type scannedMessage struct {
	Message
	seq int64
}

func scanSQLMessage(rows *sql.Rows) (*scannedMessage, error) {
	var m scannedMessage
	var id string
	var groupID, collapseKey, dedupID, capturedBy sql.NullString
	var capturedAt sql.NullTime

	err := rows.Scan(
		&id,
		&m.InboxName,
		&m.MessageType,
		&m.Payload,
		&groupID,
		&collapseKey,
		&dedupID,
		&m.AttemptsCount,
		&m.ReceivedAt,
		&capturedAt,
		&capturedBy,
		&m.seq,
	)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse message id %q: %w", id, err)
	}
	if groupID.Valid {
		m.GroupID = groupID.String
	}
	if collapseKey.Valid {
		m.CollapseKey = collapseKey.String
	}
	if dedupID.Valid {
		m.DeduplicationID = dedupID.String
	}
	if capturedAt.Valid {
		at := capturedAt.Time.UTC()
		m.CapturedAt = &at
	}
	if capturedBy.Valid {
		m.CapturedBy = capturedBy.String
	}
	m.ReceivedAt = m.ReceivedAt.UTC()

	return &m, nil
}

func scanSQLMessages(rows *sql.Rows) ([]*scannedMessage, error) {
	var msgs []*scannedMessage
	for rows.Next() {
		m, err := scanSQLMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return msgs, nil
}

// sortCaptured restores storage order: ReceivedAt ascending, insertion order
// on ties. RETURNING and post-update SELECT do not guarantee it.
func sortCaptured(msgs []*scannedMessage) []*Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].ReceivedAt.Equal(msgs[j].ReceivedAt) {
			return msgs[i].ReceivedAt.Before(msgs[j].ReceivedAt)
		}
		return msgs[i].seq < msgs[j].seq
	})
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		copied := m.Message
		out[i] = &copied
	}
	return out
}

// nullIfEmpty maps optional string columns to NULL
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// utc normalizes a timestamp for storage
func utc(t time.Time) time.Time {
	return t.UTC()
}
