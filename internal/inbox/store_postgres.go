package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"go.mailroom.tech/internal/common/clock"
)

// PostgresStore implements the Store contract (including group locks) on
// PostgreSQL via database/sql with the pgx stdlib driver.
//
// Capture runs in a transaction: eligible rows are selected with
// FOR UPDATE SKIP LOCKED, group locks are acquired with a conditional upsert,
// and the lease fields are stamped in the same transaction. Messages whose
// group lock was lost to a concurrent worker are dropped from the batch.
type PostgresStore struct {
	db     *sql.DB
	config *SQLConfig
	clk    clock.Clock
}

// NewPostgresStore creates a PostgreSQL-backed inbox store
func NewPostgresStore(db *sql.DB, config *SQLConfig, clk clock.Clock) *PostgresStore {
	if config == nil {
		config = DefaultSQLConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &PostgresStore{db: db, config: config, clk: clk}
}

func (s *PostgresStore) Name() string {
	return "postgres"
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// classifyPgError marks errors the retry decorator must not absorb.
// Serialization failures and deadlocks (class 40) stay transient.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint violation
			return Permanent(err)
		case strings.HasPrefix(pgErr.Code, "42"): // syntax error / undefined object
			return Permanent(err)
		case strings.HasPrefix(pgErr.Code, "28"): // invalid authorization
			return Permanent(err)
		case strings.HasPrefix(pgErr.Code, "22"): // data exception
			return Permanent(err)
		}
	}
	return err
}

func (s *PostgresStore) Write(ctx context.Context, msg *Message, opts WriteOptions) error {
	return s.writeTx(ctx, []*Message{msg}, opts)
}

func (s *PostgresStore) WriteBatch(ctx context.Context, msgs []*Message, opts WriteOptions) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.writeTx(ctx, msgs, opts)
}

func (s *PostgresStore) writeTx(ctx context.Context, msgs []*Message, opts WriteOptions) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", classifyPgError(err))
	}
	defer tx.Rollback()

	now := s.clk.Now().UTC()

	for _, msg := range msgs {
		if err := s.writeOne(ctx, tx, msg, opts, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write tx: %w", classifyPgError(err))
	}
	return nil
}

func (s *PostgresStore) writeOne(ctx context.Context, tx *sql.Tx, msg *Message, opts WriteOptions, now time.Time) error {
	if opts.Deduplicate && msg.DeduplicationID != "" {
		// The conditional upsert registers the id and reports suppression in
		// one statement: no row updated or inserted means the existing record
		// is still inside the window.
		registerDedup := fmt.Sprintf(`
			INSERT INTO %s AS d (inbox_name, deduplication_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (inbox_name, deduplication_id)
			DO UPDATE SET created_at = EXCLUDED.created_at
			WHERE d.created_at <= $4
		`, s.config.DeduplicationTable)

		expiredBefore := now.Add(-opts.DeduplicationInterval)
		res, err := tx.ExecContext(ctx, registerDedup, msg.InboxName, msg.DeduplicationID, now, expiredBefore)
		if err != nil {
			return fmt.Errorf("register deduplication id: %w", classifyPgError(err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("register deduplication id: %w", err)
		}
		if affected == 0 {
			return nil // suppressed: duplicate inside the window
		}
	}

	if msg.CollapseKey != "" {
		collapse := fmt.Sprintf(`
			DELETE FROM %s
			WHERE inbox_name = $1 AND collapse_key = $2 AND captured_at IS NULL
		`, s.config.MessagesTable)

		if _, err := tx.ExecContext(ctx, collapse, msg.InboxName, msg.CollapseKey); err != nil {
			return fmt.Errorf("collapse pending messages: %w", classifyPgError(err))
		}
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, s.config.MessagesTable)

	_, err := tx.ExecContext(ctx, insert,
		msg.ID.String(),
		msg.InboxName,
		msg.MessageType,
		msg.Payload,
		nullIfEmpty(msg.GroupID),
		nullIfEmpty(msg.CollapseKey),
		nullIfEmpty(msg.DeduplicationID),
		msg.AttemptsCount,
		utc(msg.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", classifyPgError(err))
	}
	return nil
}

func (s *PostgresStore) ReadAndCapture(ctx context.Context, req ReadRequest) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin capture tx: %w", classifyPgError(err))
	}
	defer tx.Rollback()

	now := s.clk.Now().UTC()
	leaseExpiredBefore := now.Add(-req.MaxProcessingTime)

	var msgs []*scannedMessage
	if req.Fifo {
		msgs, err = s.captureFifo(ctx, tx, req, now, leaseExpiredBefore)
	} else {
		msgs, err = s.captureDefault(ctx, tx, req, now, leaseExpiredBefore)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit capture tx: %w", classifyPgError(err))
	}
	return sortCaptured(msgs), nil
}

func (s *PostgresStore) captureDefault(ctx context.Context, tx *sql.Tx, req ReadRequest, now, leaseExpiredBefore time.Time) ([]*scannedMessage, error) {
	capture := fmt.Sprintf(`
		UPDATE %s SET captured_at = $1, captured_by = $2
		WHERE id IN (
			SELECT id FROM %s
			WHERE inbox_name = $3 AND (captured_at IS NULL OR captured_at <= $4)
			ORDER BY received_at, seq
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, s.config.MessagesTable, s.config.MessagesTable, messageColumns)

	rows, err := tx.QueryContext(ctx, capture, now, req.WorkerID, req.InboxName, leaseExpiredBefore, req.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("capture messages: %w", classifyPgError(err))
	}
	defer rows.Close()

	return scanSQLMessages(rows)
}

func (s *PostgresStore) captureFifo(ctx context.Context, tx *sql.Tx, req ReadRequest, now, leaseExpiredBefore time.Time) ([]*scannedMessage, error) {
	// 1. Candidate rows, skipping groups locked by another worker
	candidates := fmt.Sprintf(`
		SELECT m.id, m.group_id FROM %s m
		LEFT JOIN %s gl ON gl.inbox_name = m.inbox_name AND gl.group_id = m.group_id
		WHERE m.inbox_name = $1
		  AND (m.captured_at IS NULL OR m.captured_at <= $2)
		  AND (m.group_id IS NULL OR gl.group_id IS NULL OR gl.locked_at IS NULL
		       OR gl.locked_by = $3 OR gl.locked_at <= $2)
		ORDER BY m.received_at, m.seq
		LIMIT $4
		FOR UPDATE OF m SKIP LOCKED
	`, s.config.MessagesTable, s.config.GroupLocksTable)

	rows, err := tx.QueryContext(ctx, candidates, req.InboxName, leaseExpiredBefore, req.WorkerID, req.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select capture candidates: %w", classifyPgError(err))
	}

	var ids []string
	idGroups := make(map[string]string)
	groupSeen := make(map[string]bool)
	var groups []string
	for rows.Next() {
		var id string
		var groupID sql.NullString
		if err := rows.Scan(&id, &groupID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan capture candidate: %w", err)
		}
		ids = append(ids, id)
		if groupID.Valid {
			idGroups[id] = groupID.String
			if !groupSeen[groupID.String] {
				groupSeen[groupID.String] = true
				groups = append(groups, groupID.String)
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("candidate iteration: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	// 2. Acquire the group locks. A lost upsert means another worker took the
	// group between our snapshot and here; its messages are dropped.
	acquireLock := fmt.Sprintf(`
		INSERT INTO %s AS gl (inbox_name, group_id, locked_at, locked_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (inbox_name, group_id)
		DO UPDATE SET locked_at = EXCLUDED.locked_at, locked_by = EXCLUDED.locked_by
		WHERE gl.locked_at IS NULL OR gl.locked_by = $4 OR gl.locked_at <= $5
	`, s.config.GroupLocksTable)

	owned := make(map[string]bool)
	for _, groupID := range groups {
		res, err := tx.ExecContext(ctx, acquireLock, req.InboxName, groupID, now, req.WorkerID, leaseExpiredBefore)
		if err != nil {
			return nil, fmt.Errorf("acquire group lock %q: %w", groupID, classifyPgError(err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("acquire group lock %q: %w", groupID, err)
		}
		owned[groupID] = affected > 0
	}

	captureIDs := ids[:0]
	for _, id := range ids {
		if groupID, grouped := idGroups[id]; grouped && !owned[groupID] {
			continue
		}
		captureIDs = append(captureIDs, id)
	}
	if len(captureIDs) == 0 {
		return nil, nil
	}

	// 3. Stamp the lease. Eligibility is re-checked so a raced row drops out.
	placeholders, args := buildPgPlaceholders(captureIDs, 3)
	capture := fmt.Sprintf(`
		UPDATE %s SET captured_at = $1, captured_by = $2
		WHERE id IN (%s) AND (captured_at IS NULL OR captured_at <= $3)
		RETURNING %s
	`, s.config.MessagesTable, placeholders, messageColumns)

	args = append([]any{now, req.WorkerID, leaseExpiredBefore}, args...)
	capturedRows, err := tx.QueryContext(ctx, capture, args...)
	if err != nil {
		return nil, fmt.Errorf("capture messages: %w", classifyPgError(err))
	}
	defer capturedRows.Close()

	return scanSQLMessages(capturedRows)
}

func (s *PostgresStore) ExtendLocks(ctx context.Context, req ExtendRequest) (int, error) {
	if len(req.IDs) == 0 {
		return 0, nil
	}

	newCapturedAt := utc(req.NewCapturedAt)
	placeholders, args := buildPgPlaceholders(uuidStrings(req.IDs), 3)
	extend := fmt.Sprintf(`
		UPDATE %s SET captured_at = $1
		WHERE inbox_name = $2 AND captured_by = $3 AND captured_at IS NOT NULL AND id IN (%s)
	`, s.config.MessagesTable, placeholders)

	args = append([]any{newCapturedAt, req.InboxName, req.WorkerID}, args...)
	res, err := s.db.ExecContext(ctx, extend, args...)
	if err != nil {
		return 0, fmt.Errorf("extend leases: %w", classifyPgError(err))
	}
	extended, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("extend leases: %w", err)
	}

	if req.Fifo {
		refreshLocks := fmt.Sprintf(`
			UPDATE %s SET locked_at = $1
			WHERE inbox_name = $2 AND locked_by = $3 AND locked_at IS NOT NULL
		`, s.config.GroupLocksTable)

		if _, err := s.db.ExecContext(ctx, refreshLocks, newCapturedAt, req.InboxName, req.WorkerID); err != nil {
			return int(extended), fmt.Errorf("refresh group locks: %w", classifyPgError(err))
		}
	}

	return int(extended), nil
}

func (s *PostgresStore) ApplyResults(ctx context.Context, outcome Outcome) error {
	if outcome.IsEmpty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", classifyPgError(err))
	}
	defer tx.Rollback()

	now := s.clk.Now().UTC()

	if len(outcome.ToComplete) > 0 {
		placeholders, args := buildPgPlaceholders(uuidStrings(outcome.ToComplete), 1)
		complete := fmt.Sprintf(`DELETE FROM %s WHERE inbox_name = $1 AND id IN (%s)`, s.config.MessagesTable, placeholders)
		args = append([]any{outcome.InboxName}, args...)
		if _, err := tx.ExecContext(ctx, complete, args...); err != nil {
			return fmt.Errorf("complete messages: %w", classifyPgError(err))
		}
	}

	if len(outcome.ToFail) > 0 {
		placeholders, args := buildPgPlaceholders(uuidStrings(outcome.ToFail), 1)
		fail := fmt.Sprintf(`
			UPDATE %s SET captured_at = NULL, captured_by = NULL, attempts_count = attempts_count + 1
			WHERE inbox_name = $1 AND id IN (%s)
		`, s.config.MessagesTable, placeholders)
		args = append([]any{outcome.InboxName}, args...)
		if _, err := tx.ExecContext(ctx, fail, args...); err != nil {
			return fmt.Errorf("fail messages: %w", classifyPgError(err))
		}
	}

	if len(outcome.ToRelease) > 0 {
		placeholders, args := buildPgPlaceholders(uuidStrings(outcome.ToRelease), 1)
		release := fmt.Sprintf(`
			UPDATE %s SET captured_at = NULL, captured_by = NULL
			WHERE inbox_name = $1 AND id IN (%s)
		`, s.config.MessagesTable, placeholders)
		args = append([]any{outcome.InboxName}, args...)
		if _, err := tx.ExecContext(ctx, release, args...); err != nil {
			return fmt.Errorf("release messages: %w", classifyPgError(err))
		}
	}

	for _, entry := range outcome.ToDeadLetter {
		moveToDeadLetter := fmt.Sprintf(`
			INSERT INTO %s (id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, failure_reason, moved_at)
			SELECT id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, $1, $2
			FROM %s WHERE inbox_name = $3 AND id = $4
			ON CONFLICT (id) DO NOTHING
		`, s.config.DeadLettersTable, s.config.MessagesTable)

		if _, err := tx.ExecContext(ctx, moveToDeadLetter, entry.Reason, now, outcome.InboxName, entry.ID.String()); err != nil {
			return fmt.Errorf("move message to dead letter: %w", classifyPgError(err))
		}

		deleteOriginal := fmt.Sprintf(`DELETE FROM %s WHERE inbox_name = $1 AND id = $2`, s.config.MessagesTable)
		if _, err := tx.ExecContext(ctx, deleteOriginal, outcome.InboxName, entry.ID.String()); err != nil {
			return fmt.Errorf("delete dead-lettered message: %w", classifyPgError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply tx: %w", classifyPgError(err))
	}
	return nil
}

func (s *PostgresStore) ReleaseGroupLocks(ctx context.Context, inboxName, workerID string, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}

	placeholders, args := buildPgPlaceholders(groupIDs, 2)
	release := fmt.Sprintf(`
		UPDATE %s SET locked_at = NULL, locked_by = NULL
		WHERE inbox_name = $1 AND locked_by = $2 AND group_id IN (%s)
	`, s.config.GroupLocksTable, placeholders)

	args = append([]any{inboxName, workerID}, args...)
	if _, err := s.db.ExecContext(ctx, release, args...); err != nil {
		return fmt.Errorf("release group locks: %w", classifyPgError(err))
	}
	return nil
}

func (s *PostgresStore) ReleaseMessagesAndGroupLocks(ctx context.Context, inboxName, workerID string, ids []uuid.UUID, groupIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", classifyPgError(err))
	}
	defer tx.Rollback()

	if len(ids) > 0 {
		placeholders, args := buildPgPlaceholders(uuidStrings(ids), 2)
		release := fmt.Sprintf(`
			UPDATE %s SET captured_at = NULL, captured_by = NULL
			WHERE inbox_name = $1 AND captured_by = $2 AND id IN (%s)
		`, s.config.MessagesTable, placeholders)
		args = append([]any{inboxName, workerID}, args...)
		if _, err := tx.ExecContext(ctx, release, args...); err != nil {
			return fmt.Errorf("release messages: %w", classifyPgError(err))
		}
	}

	if len(groupIDs) > 0 {
		placeholders, args := buildPgPlaceholders(groupIDs, 2)
		releaseLocks := fmt.Sprintf(`
			UPDATE %s SET locked_at = NULL, locked_by = NULL
			WHERE inbox_name = $1 AND locked_by = $2 AND group_id IN (%s)
		`, s.config.GroupLocksTable, placeholders)
		args = append([]any{inboxName, workerID}, args...)
		if _, err := tx.ExecContext(ctx, releaseLocks, args...); err != nil {
			return fmt.Errorf("release group locks: %w", classifyPgError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release tx: %w", classifyPgError(err))
	}
	return nil
}

func (s *PostgresStore) ReadDeadLetters(ctx context.Context, inboxName string, max int) ([]*DeadLetter, error) {
	if max <= 0 {
		return []*DeadLetter{}, nil
	}

	query := fmt.Sprintf(`
		SELECT id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, failure_reason, moved_at
		FROM %s
		WHERE inbox_name = $1
		ORDER BY moved_at
		LIMIT $2
	`, s.config.DeadLettersTable)

	rows, err := s.db.QueryContext(ctx, query, inboxName, max)
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", classifyPgError(err))
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var id string
		var groupID, collapseKey, dedupID sql.NullString

		err := rows.Scan(&id, &dl.InboxName, &dl.MessageType, &dl.Payload,
			&groupID, &collapseKey, &dedupID, &dl.AttemptsCount, &dl.ReceivedAt,
			&dl.FailureReason, &dl.MovedAt)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}

		dl.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse dead letter id %q: %w", id, err)
		}
		if groupID.Valid {
			dl.GroupID = groupID.String
		}
		if collapseKey.Valid {
			dl.CollapseKey = collapseKey.String
		}
		if dedupID.Valid {
			dl.DeduplicationID = dedupID.String
		}
		dl.ReceivedAt = dl.ReceivedAt.UTC()
		dl.MovedAt = dl.MovedAt.UTC()

		letters = append(letters, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter iteration: %w", err)
	}
	return letters, nil
}

func (s *PostgresStore) HealthMetrics(ctx context.Context, inboxName string) (*HealthMetrics, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE captured_at IS NULL),
			COUNT(*) FILTER (WHERE captured_at IS NOT NULL),
			MIN(received_at) FILTER (WHERE captured_at IS NULL)
		FROM %s WHERE inbox_name = $1
	`, s.config.MessagesTable)

	hm := &HealthMetrics{}
	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, inboxName).Scan(&hm.PendingCount, &hm.CapturedCount, &oldest); err != nil {
		return nil, fmt.Errorf("health metrics: %w", classifyPgError(err))
	}
	if oldest.Valid {
		at := oldest.Time.UTC()
		hm.OldestPendingAt = &at
	}

	countDead := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE inbox_name = $1`, s.config.DeadLettersTable)
	if err := s.db.QueryRowContext(ctx, countDead, inboxName).Scan(&hm.DeadLetterCount); err != nil {
		return nil, fmt.Errorf("dead letter count: %w", classifyPgError(err))
	}
	return hm, nil
}

func (s *PostgresStore) DeleteExpiredDeadLetters(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE inbox_name = $1 AND moved_at <= $2 LIMIT $3
		)
	`, s.config.DeadLettersTable, s.config.DeadLettersTable)
	return s.deleteBatch(ctx, query, inboxName, utc(before), limit)
}

func (s *PostgresStore) DeleteExpiredDeduplicationRecords(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE (inbox_name, deduplication_id) IN (
			SELECT inbox_name, deduplication_id FROM %s
			WHERE inbox_name = $1 AND created_at <= $2 LIMIT $3
		)
	`, s.config.DeduplicationTable, s.config.DeduplicationTable)
	return s.deleteBatch(ctx, query, inboxName, utc(before), limit)
}

func (s *PostgresStore) DeleteExpiredGroupLocks(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE (inbox_name, group_id) IN (
			SELECT inbox_name, group_id FROM %s
			WHERE inbox_name = $1 AND (locked_at IS NULL OR locked_at <= $2) LIMIT $3
		)
	`, s.config.GroupLocksTable, s.config.GroupLocksTable)
	return s.deleteBatch(ctx, query, inboxName, utc(before), limit)
}

func (s *PostgresStore) deleteBatch(ctx context.Context, query string, inboxName string, before time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, inboxName, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired rows: %w", classifyPgError(err))
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows: %w", err)
	}
	return deleted, nil
}

// Migrate creates the inbox tables and indexes if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id CHAR(36) PRIMARY KEY,
				inbox_name VARCHAR(255) NOT NULL,
				message_type VARCHAR(255) NOT NULL,
				payload BYTEA NOT NULL,
				group_id VARCHAR(255),
				collapse_key VARCHAR(255),
				deduplication_id VARCHAR(255),
				attempts_count INT NOT NULL DEFAULT 0,
				received_at TIMESTAMPTZ NOT NULL,
				captured_at TIMESTAMPTZ,
				captured_by VARCHAR(255),
				seq BIGINT GENERATED ALWAYS AS IDENTITY
			)
		`, s.config.MessagesTable),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_pending
			ON %s (inbox_name, received_at, seq)
		`, s.config.MessagesTable, s.config.MessagesTable),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_captured
			ON %s (inbox_name, captured_at)
			WHERE captured_at IS NOT NULL
		`, s.config.MessagesTable, s.config.MessagesTable),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_collapse
			ON %s (inbox_name, collapse_key)
			WHERE captured_at IS NULL AND collapse_key IS NOT NULL
		`, s.config.MessagesTable, s.config.MessagesTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id CHAR(36) PRIMARY KEY,
				inbox_name VARCHAR(255) NOT NULL,
				message_type VARCHAR(255) NOT NULL,
				payload BYTEA NOT NULL,
				group_id VARCHAR(255),
				collapse_key VARCHAR(255),
				deduplication_id VARCHAR(255),
				attempts_count INT NOT NULL DEFAULT 0,
				received_at TIMESTAMPTZ NOT NULL,
				failure_reason TEXT NOT NULL,
				moved_at TIMESTAMPTZ NOT NULL
			)
		`, s.config.DeadLettersTable),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_moved
			ON %s (inbox_name, moved_at)
		`, s.config.DeadLettersTable, s.config.DeadLettersTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				inbox_name VARCHAR(255) NOT NULL,
				deduplication_id VARCHAR(255) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (inbox_name, deduplication_id)
			)
		`, s.config.DeduplicationTable),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_created
			ON %s (inbox_name, created_at)
		`, s.config.DeduplicationTable, s.config.DeduplicationTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				inbox_name VARCHAR(255) NOT NULL,
				group_id VARCHAR(255) NOT NULL,
				locked_at TIMESTAMPTZ,
				locked_by VARCHAR(255),
				PRIMARY KEY (inbox_name, group_id)
			)
		`, s.config.GroupLocksTable),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_free
			ON %s (inbox_name, locked_at)
			WHERE locked_at IS NULL
		`, s.config.GroupLocksTable, s.config.GroupLocksTable),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres store: %w", classifyPgError(err))
		}
	}
	return nil
}

// buildPgPlaceholders builds PostgreSQL placeholders ($1, $2, ...) and args
func buildPgPlaceholders(values []string, offset int) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = fmt.Sprintf("$%d", i+1+offset)
		args[i] = v
	}
	return strings.Join(placeholders, ", "), args
}
