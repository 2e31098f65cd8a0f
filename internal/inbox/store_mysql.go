package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"go.mailroom.tech/internal/common/clock"
)

// MySQLStore implements the Store contract (including group locks) on
// MySQL 8 via database/sql with the go-sql-driver driver.
//
// The DSN must carry parseTime=true and loc=UTC so timestamps round-trip in
// UTC. MySQL has no RETURNING, so capture selects candidate ids with
// FOR UPDATE SKIP LOCKED, stamps the lease, and re-reads the rows in the same
// transaction.
type MySQLStore struct {
	db     *sql.DB
	config *SQLConfig
	clk    clock.Clock
}

// NewMySQLStore creates a MySQL-backed inbox store
func NewMySQLStore(db *sql.DB, config *SQLConfig, clk clock.Clock) *MySQLStore {
	if config == nil {
		config = DefaultSQLConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &MySQLStore{db: db, config: config, clk: clk}
}

func (s *MySQLStore) Name() string {
	return "mysql"
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MySQL error numbers worth special-casing
const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockDeadlock    = 1213
	mysqlErrLockWaitTimeout = 1205
)

// classifyMySQLError marks errors the retry decorator must not absorb.
// Deadlocks and lock wait timeouts stay transient.
func classifyMySQLError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrLockDeadlock, mysqlErrLockWaitTimeout:
			return err
		case mysqlErrDuplicateEntry:
			return Permanent(err)
		}
		// Remaining server errors: schema, syntax, auth, data. None of them
		// succeed on a second try.
		return Permanent(err)
	}
	return err
}

func (s *MySQLStore) Write(ctx context.Context, msg *Message, opts WriteOptions) error {
	return s.writeTx(ctx, []*Message{msg}, opts)
}

func (s *MySQLStore) WriteBatch(ctx context.Context, msgs []*Message, opts WriteOptions) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.writeTx(ctx, msgs, opts)
}

func (s *MySQLStore) writeTx(ctx context.Context, msgs []*Message, opts WriteOptions) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", classifyMySQLError(err))
	}
	defer tx.Rollback()

	now := s.clk.Now().UTC()

	for _, msg := range msgs {
		if err := s.writeOne(ctx, tx, msg, opts, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write tx: %w", classifyMySQLError(err))
	}
	return nil
}

func (s *MySQLStore) writeOne(ctx context.Context, tx *sql.Tx, msg *Message, opts WriteOptions, now time.Time) error {
	if opts.Deduplicate && msg.DeduplicationID != "" {
		// Lock the record row (if any), then branch. Keeps the suppression
		// decision inside the transaction without upsert affected-row
		// ambiguity.
		selectRecord := fmt.Sprintf(`
			SELECT created_at FROM %s
			WHERE inbox_name = ? AND deduplication_id = ?
			FOR UPDATE
		`, s.config.DeduplicationTable)

		var createdAt time.Time
		err := tx.QueryRowContext(ctx, selectRecord, msg.InboxName, msg.DeduplicationID).Scan(&createdAt)
		switch {
		case err == nil:
			if now.Sub(createdAt.UTC()) < opts.DeduplicationInterval {
				return nil // suppressed: duplicate inside the window
			}
			refresh := fmt.Sprintf(`
				UPDATE %s SET created_at = ?
				WHERE inbox_name = ? AND deduplication_id = ?
			`, s.config.DeduplicationTable)
			if _, err := tx.ExecContext(ctx, refresh, now, msg.InboxName, msg.DeduplicationID); err != nil {
				return fmt.Errorf("refresh deduplication record: %w", classifyMySQLError(err))
			}
		case errors.Is(err, sql.ErrNoRows):
			insert := fmt.Sprintf(`
				INSERT INTO %s (inbox_name, deduplication_id, created_at) VALUES (?, ?, ?)
			`, s.config.DeduplicationTable)
			if _, err := tx.ExecContext(ctx, insert, msg.InboxName, msg.DeduplicationID, now); err != nil {
				return fmt.Errorf("insert deduplication record: %w", classifyMySQLError(err))
			}
		default:
			return fmt.Errorf("check deduplication record: %w", classifyMySQLError(err))
		}
	}

	if msg.CollapseKey != "" {
		collapse := fmt.Sprintf(`
			DELETE FROM %s
			WHERE inbox_name = ? AND collapse_key = ? AND captured_at IS NULL
		`, s.config.MessagesTable)

		if _, err := tx.ExecContext(ctx, collapse, msg.InboxName, msg.CollapseKey); err != nil {
			return fmt.Errorf("collapse pending messages: %w", classifyMySQLError(err))
		}
	}

	insert := fmt.Sprintf(`
		INSERT IGNORE INTO %s (id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		return fmt.Errorf("insert message: %w", classifyMySQLError(err))
	}
	return nil
}

func (s *MySQLStore) ReadAndCapture(ctx context.Context, req ReadRequest) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin capture tx: %w", classifyMySQLError(err))
	}
	defer tx.Rollback()

	now := s.clk.Now().UTC()
	leaseExpiredBefore := now.Add(-req.MaxProcessingTime)

	captureIDs, err := s.selectCandidates(ctx, tx, req, now, leaseExpiredBefore)
	if err != nil {
		return nil, err
	}
	if len(captureIDs) == 0 {
		return nil, tx.Commit()
	}

	placeholders, args := buildMySQLPlaceholders(captureIDs)
	stamp := fmt.Sprintf(`
		UPDATE %s SET captured_at = ?, captured_by = ?
		WHERE id IN (%s) AND (captured_at IS NULL OR captured_at <= ?)
	`, s.config.MessagesTable, placeholders)

	stampArgs := append([]any{now, req.WorkerID}, args...)
	stampArgs = append(stampArgs, leaseExpiredBefore)
	if _, err := tx.ExecContext(ctx, stamp, stampArgs...); err != nil {
		return nil, fmt.Errorf("capture messages: %w", classifyMySQLError(err))
	}

	readBack := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE id IN (%s) AND captured_by = ? AND captured_at = ?
	`, messageColumns, s.config.MessagesTable, placeholders)

	readArgs := append(args, req.WorkerID, now)
	rows, err := tx.QueryContext(ctx, readBack, readArgs...)
	if err != nil {
		return nil, fmt.Errorf("read captured messages: %w", classifyMySQLError(err))
	}
	msgs, err := scanSQLMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit capture tx: %w", classifyMySQLError(err))
	}
	return sortCaptured(msgs), nil
}

// selectCandidates picks the eligible ids and, for FIFO, acquires group locks.
func (s *MySQLStore) selectCandidates(ctx context.Context, tx *sql.Tx, req ReadRequest, now, leaseExpiredBefore time.Time) ([]string, error) {
	if !req.Fifo {
		candidates := fmt.Sprintf(`
			SELECT id FROM %s
			WHERE inbox_name = ? AND (captured_at IS NULL OR captured_at <= ?)
			ORDER BY received_at, seq
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		`, s.config.MessagesTable)

		rows, err := tx.QueryContext(ctx, candidates, req.InboxName, leaseExpiredBefore, req.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("select capture candidates: %w", classifyMySQLError(err))
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("scan capture candidate: %w", err)
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	}

	candidates := fmt.Sprintf(`
		SELECT m.id, m.group_id FROM %s m
		LEFT JOIN %s gl ON gl.inbox_name = m.inbox_name AND gl.group_id = m.group_id
		WHERE m.inbox_name = ?
		  AND (m.captured_at IS NULL OR m.captured_at <= ?)
		  AND (m.group_id IS NULL OR gl.group_id IS NULL OR gl.locked_at IS NULL
		       OR gl.locked_by = ? OR gl.locked_at <= ?)
		ORDER BY m.received_at, m.seq
		LIMIT ?
		FOR UPDATE OF m SKIP LOCKED
	`, s.config.MessagesTable, s.config.GroupLocksTable)

	rows, err := tx.QueryContext(ctx, candidates, req.InboxName, leaseExpiredBefore, req.WorkerID, leaseExpiredBefore, req.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select capture candidates: %w", classifyMySQLError(err))
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

	owned := make(map[string]bool)
	for _, groupID := range groups {
		acquired, err := s.acquireGroupLock(ctx, tx, req, groupID, now, leaseExpiredBefore)
		if err != nil {
			return nil, err
		}
		owned[groupID] = acquired
	}

	captureIDs := ids[:0]
	for _, id := range ids {
		if groupID, grouped := idGroups[id]; grouped && !owned[groupID] {
			continue
		}
		captureIDs = append(captureIDs, id)
	}
	return captureIDs, nil
}

func (s *MySQLStore) acquireGroupLock(ctx context.Context, tx *sql.Tx, req ReadRequest, groupID string, now, expiredBefore time.Time) (bool, error) {
	selectLock := fmt.Sprintf(`
		SELECT locked_at, locked_by FROM %s
		WHERE inbox_name = ? AND group_id = ?
		FOR UPDATE
	`, s.config.GroupLocksTable)

	var lockedAt sql.NullTime
	var lockedBy sql.NullString
	err := tx.QueryRowContext(ctx, selectLock, req.InboxName, groupID).Scan(&lockedAt, &lockedBy)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		insert := fmt.Sprintf(`
			INSERT INTO %s (inbox_name, group_id, locked_at, locked_by) VALUES (?, ?, ?, ?)
		`, s.config.GroupLocksTable)
		if _, err := tx.ExecContext(ctx, insert, req.InboxName, groupID, now, req.WorkerID); err != nil {
			// A concurrent insert between our select and here loses the race
			var myErr *mysql.MySQLError
			if errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry {
				return false, nil
			}
			return false, fmt.Errorf("insert group lock %q: %w", groupID, classifyMySQLError(err))
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("check group lock %q: %w", groupID, classifyMySQLError(err))
	}

	free := !lockedAt.Valid || !lockedAt.Time.UTC().After(expiredBefore)
	if !free && (!lockedBy.Valid || lockedBy.String != req.WorkerID) {
		return false, nil
	}

	update := fmt.Sprintf(`
		UPDATE %s SET locked_at = ?, locked_by = ?
		WHERE inbox_name = ? AND group_id = ?
	`, s.config.GroupLocksTable)
	if _, err := tx.ExecContext(ctx, update, now, req.WorkerID, req.InboxName, groupID); err != nil {
		return false, fmt.Errorf("update group lock %q: %w", groupID, classifyMySQLError(err))
	}
	return true, nil
}

func (s *MySQLStore) ExtendLocks(ctx context.Context, req ExtendRequest) (int, error) {
	if len(req.IDs) == 0 {
		return 0, nil
	}

	newCapturedAt := utc(req.NewCapturedAt)
	placeholders, args := buildMySQLPlaceholders(uuidStrings(req.IDs))
	extend := fmt.Sprintf(`
		UPDATE %s SET captured_at = ?
		WHERE inbox_name = ? AND captured_by = ? AND captured_at IS NOT NULL AND id IN (%s)
	`, s.config.MessagesTable, placeholders)

	extendArgs := append([]any{newCapturedAt, req.InboxName, req.WorkerID}, args...)
	res, err := s.db.ExecContext(ctx, extend, extendArgs...)
	if err != nil {
		return 0, fmt.Errorf("extend leases: %w", classifyMySQLError(err))
	}
	extended, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("extend leases: %w", err)
	}

	if req.Fifo {
		refreshLocks := fmt.Sprintf(`
			UPDATE %s SET locked_at = ?
			WHERE inbox_name = ? AND locked_by = ? AND locked_at IS NOT NULL
		`, s.config.GroupLocksTable)

		if _, err := s.db.ExecContext(ctx, refreshLocks, newCapturedAt, req.InboxName, req.WorkerID); err != nil {
			return int(extended), fmt.Errorf("refresh group locks: %w", classifyMySQLError(err))
		}
	}

	return int(extended), nil
}

func (s *MySQLStore) ApplyResults(ctx context.Context, outcome Outcome) error {
	if outcome.IsEmpty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", classifyMySQLError(err))
	}
	defer tx.Rollback()

	now := s.clk.Now().UTC()

	if len(outcome.ToComplete) > 0 {
		placeholders, args := buildMySQLPlaceholders(uuidStrings(outcome.ToComplete))
		complete := fmt.Sprintf(`DELETE FROM %s WHERE inbox_name = ? AND id IN (%s)`, s.config.MessagesTable, placeholders)
		if _, err := tx.ExecContext(ctx, complete, append([]any{outcome.InboxName}, args...)...); err != nil {
			return fmt.Errorf("complete messages: %w", classifyMySQLError(err))
		}
	}

	if len(outcome.ToFail) > 0 {
		placeholders, args := buildMySQLPlaceholders(uuidStrings(outcome.ToFail))
		fail := fmt.Sprintf(`
			UPDATE %s SET captured_at = NULL, captured_by = NULL, attempts_count = attempts_count + 1
			WHERE inbox_name = ? AND id IN (%s)
		`, s.config.MessagesTable, placeholders)
		if _, err := tx.ExecContext(ctx, fail, append([]any{outcome.InboxName}, args...)...); err != nil {
			return fmt.Errorf("fail messages: %w", classifyMySQLError(err))
		}
	}

	if len(outcome.ToRelease) > 0 {
		placeholders, args := buildMySQLPlaceholders(uuidStrings(outcome.ToRelease))
		release := fmt.Sprintf(`
			UPDATE %s SET captured_at = NULL, captured_by = NULL
			WHERE inbox_name = ? AND id IN (%s)
		`, s.config.MessagesTable, placeholders)
		if _, err := tx.ExecContext(ctx, release, append([]any{outcome.InboxName}, args...)...); err != nil {
			return fmt.Errorf("release messages: %w", classifyMySQLError(err))
		}
	}

	for _, entry := range outcome.ToDeadLetter {
		moveToDeadLetter := fmt.Sprintf(`
			INSERT IGNORE INTO %s (id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, failure_reason, moved_at)
			SELECT id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, ?, ?
			FROM %s WHERE inbox_name = ? AND id = ?
		`, s.config.DeadLettersTable, s.config.MessagesTable)

		if _, err := tx.ExecContext(ctx, moveToDeadLetter, entry.Reason, now, outcome.InboxName, entry.ID.String()); err != nil {
			return fmt.Errorf("move message to dead letter: %w", classifyMySQLError(err))
		}

		deleteOriginal := fmt.Sprintf(`DELETE FROM %s WHERE inbox_name = ? AND id = ?`, s.config.MessagesTable)
		if _, err := tx.ExecContext(ctx, deleteOriginal, outcome.InboxName, entry.ID.String()); err != nil {
			return fmt.Errorf("delete dead-lettered message: %w", classifyMySQLError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit apply tx: %w", classifyMySQLError(err))
	}
	return nil
}

func (s *MySQLStore) ReleaseGroupLocks(ctx context.Context, inboxName, workerID string, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}

	placeholders, args := buildMySQLPlaceholders(groupIDs)
	release := fmt.Sprintf(`
		UPDATE %s SET locked_at = NULL, locked_by = NULL
		WHERE inbox_name = ? AND locked_by = ? AND group_id IN (%s)
	`, s.config.GroupLocksTable, placeholders)

	if _, err := s.db.ExecContext(ctx, release, append([]any{inboxName, workerID}, args...)...); err != nil {
		return fmt.Errorf("release group locks: %w", classifyMySQLError(err))
	}
	return nil
}

func (s *MySQLStore) ReleaseMessagesAndGroupLocks(ctx context.Context, inboxName, workerID string, ids []uuid.UUID, groupIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release tx: %w", classifyMySQLError(err))
	}
	defer tx.Rollback()

	if len(ids) > 0 {
		placeholders, args := buildMySQLPlaceholders(uuidStrings(ids))
		release := fmt.Sprintf(`
			UPDATE %s SET captured_at = NULL, captured_by = NULL
			WHERE inbox_name = ? AND captured_by = ? AND id IN (%s)
		`, s.config.MessagesTable, placeholders)
		if _, err := tx.ExecContext(ctx, release, append([]any{inboxName, workerID}, args...)...); err != nil {
			return fmt.Errorf("release messages: %w", classifyMySQLError(err))
		}
	}

	if len(groupIDs) > 0 {
		placeholders, args := buildMySQLPlaceholders(groupIDs)
		releaseLocks := fmt.Sprintf(`
			UPDATE %s SET locked_at = NULL, locked_by = NULL
			WHERE inbox_name = ? AND locked_by = ? AND group_id IN (%s)
		`, s.config.GroupLocksTable, placeholders)
		if _, err := tx.ExecContext(ctx, releaseLocks, append([]any{inboxName, workerID}, args...)...); err != nil {
			return fmt.Errorf("release group locks: %w", classifyMySQLError(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release tx: %w", classifyMySQLError(err))
	}
	return nil
}

func (s *MySQLStore) ReadDeadLetters(ctx context.Context, inboxName string, max int) ([]*DeadLetter, error) {
	if max <= 0 {
		return []*DeadLetter{}, nil
	}

	query := fmt.Sprintf(`
		SELECT id, inbox_name, message_type, payload, group_id, collapse_key, deduplication_id, attempts_count, received_at, failure_reason, moved_at
		FROM %s
		WHERE inbox_name = ?
		ORDER BY moved_at
		LIMIT ?
	`, s.config.DeadLettersTable)

	rows, err := s.db.QueryContext(ctx, query, inboxName, max)
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", classifyMySQLError(err))
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

func (s *MySQLStore) HealthMetrics(ctx context.Context, inboxName string) (*HealthMetrics, error) {
	query := fmt.Sprintf(`
		SELECT
			COALESCE(SUM(captured_at IS NULL), 0),
			COALESCE(SUM(captured_at IS NOT NULL), 0),
			MIN(CASE WHEN captured_at IS NULL THEN received_at END)
		FROM %s WHERE inbox_name = ?
	`, s.config.MessagesTable)

	hm := &HealthMetrics{}
	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, inboxName).Scan(&hm.PendingCount, &hm.CapturedCount, &oldest); err != nil {
		return nil, fmt.Errorf("health metrics: %w", classifyMySQLError(err))
	}
	if oldest.Valid {
		at := oldest.Time.UTC()
		hm.OldestPendingAt = &at
	}

	countDead := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE inbox_name = ?`, s.config.DeadLettersTable)
	if err := s.db.QueryRowContext(ctx, countDead, inboxName).Scan(&hm.DeadLetterCount); err != nil {
		return nil, fmt.Errorf("dead letter count: %w", classifyMySQLError(err))
	}
	return hm, nil
}

func (s *MySQLStore) DeleteExpiredDeadLetters(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE inbox_name = ? AND moved_at <= ? LIMIT ?
	`, s.config.DeadLettersTable)
	return s.deleteBatch(ctx, query, inboxName, utc(before), limit)
}

func (s *MySQLStore) DeleteExpiredDeduplicationRecords(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE inbox_name = ? AND created_at <= ? LIMIT ?
	`, s.config.DeduplicationTable)
	return s.deleteBatch(ctx, query, inboxName, utc(before), limit)
}

func (s *MySQLStore) DeleteExpiredGroupLocks(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE inbox_name = ? AND (locked_at IS NULL OR locked_at <= ?) LIMIT ?
	`, s.config.GroupLocksTable)
	return s.deleteBatch(ctx, query, inboxName, utc(before), limit)
}

func (s *MySQLStore) deleteBatch(ctx context.Context, query string, inboxName string, before time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, inboxName, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired rows: %w", classifyMySQLError(err))
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired rows: %w", err)
	}
	return deleted, nil
}

// Migrate creates the inbox tables and indexes if they don't exist.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id CHAR(36) PRIMARY KEY,
				inbox_name VARCHAR(255) NOT NULL,
				message_type VARCHAR(255) NOT NULL,
				payload LONGBLOB NOT NULL,
				group_id VARCHAR(255),
				collapse_key VARCHAR(255),
				deduplication_id VARCHAR(255),
				attempts_count INT NOT NULL DEFAULT 0,
				received_at DATETIME(6) NOT NULL,
				captured_at DATETIME(6),
				captured_by VARCHAR(255),
				seq BIGINT NOT NULL AUTO_INCREMENT,
				UNIQUE KEY uk_seq (seq),
				KEY idx_pending (inbox_name, received_at, seq),
				KEY idx_captured (inbox_name, captured_at),
				KEY idx_collapse (inbox_name, collapse_key)
			)
		`, s.config.MessagesTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id CHAR(36) PRIMARY KEY,
				inbox_name VARCHAR(255) NOT NULL,
				message_type VARCHAR(255) NOT NULL,
				payload LONGBLOB NOT NULL,
				group_id VARCHAR(255),
				collapse_key VARCHAR(255),
				deduplication_id VARCHAR(255),
				attempts_count INT NOT NULL DEFAULT 0,
				received_at DATETIME(6) NOT NULL,
				failure_reason TEXT NOT NULL,
				moved_at DATETIME(6) NOT NULL,
				KEY idx_moved (inbox_name, moved_at)
			)
		`, s.config.DeadLettersTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				inbox_name VARCHAR(255) NOT NULL,
				deduplication_id VARCHAR(255) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (inbox_name, deduplication_id),
				KEY idx_created (inbox_name, created_at)
			)
		`, s.config.DeduplicationTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				inbox_name VARCHAR(255) NOT NULL,
				group_id VARCHAR(255) NOT NULL,
				locked_at DATETIME(6),
				locked_by VARCHAR(255),
				PRIMARY KEY (inbox_name, group_id),
				KEY idx_locked (inbox_name, locked_at)
			)
		`, s.config.GroupLocksTable),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate mysql store: %w", classifyMySQLError(err))
		}
	}
	return nil
}

// buildMySQLPlaceholders builds MySQL placeholders (?, ?, ...) and args
func buildMySQLPlaceholders(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ", "), args
}
