package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.mailroom.tech/internal/common/clock"
)

// MemoryStore implements the full Store contract (including group locks) with
// a single coarse mutex approximating the durable stores' atomicity.
// Used by unit tests and as a development backend; nothing survives a restart.
type MemoryStore struct {
	clk clock.Clock

	mu          sync.Mutex
	seq         uint64
	messages    []*memMessage
	byID        map[uuid.UUID]*memMessage
	deadLetters []*DeadLetter
	dedup       map[string]time.Time
	locks       map[string]*GroupLock
}

type memMessage struct {
	Message
	seq uint64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryStore{
		clk:   clk,
		byID:  make(map[uuid.UUID]*memMessage),
		dedup: make(map[string]time.Time),
		locks: make(map[string]*GroupLock),
	}
}

func (s *MemoryStore) Name() string {
	return "memory"
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error {
	return nil
}

func dedupKey(inboxName, dedupID string) string {
	return inboxName + "\x00" + dedupID
}

func lockKey(inboxName, groupID string) string {
	return inboxName + "\x00" + groupID
}

func (s *MemoryStore) Write(ctx context.Context, msg *Message, opts WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(msg, opts)
	return nil
}

func (s *MemoryStore) WriteBatch(ctx context.Context, msgs []*Message, opts WriteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		s.writeLocked(msg, opts)
	}
	return nil
}

func (s *MemoryStore) writeLocked(msg *Message, opts WriteOptions) {
	// Idempotent producer key: an existing id is a silent no-op
	if _, exists := s.byID[msg.ID]; exists {
		return
	}

	now := s.clk.Now().UTC()

	if opts.Deduplicate && msg.DeduplicationID != "" {
		key := dedupKey(msg.InboxName, msg.DeduplicationID)
		if createdAt, ok := s.dedup[key]; ok && now.Sub(createdAt) < opts.DeduplicationInterval {
			return // suppressed
		}
		s.dedup[key] = now
	}

	if msg.CollapseKey != "" {
		kept := s.messages[:0]
		for _, m := range s.messages {
			if m.InboxName == msg.InboxName && m.CollapseKey == msg.CollapseKey && m.CapturedAt == nil {
				delete(s.byID, m.ID)
				continue
			}
			kept = append(kept, m)
		}
		s.messages = kept
	}

	s.seq++
	stored := &memMessage{Message: *msg, seq: s.seq}
	stored.ReceivedAt = stored.ReceivedAt.UTC()
	s.messages = append(s.messages, stored)
	s.byID[stored.ID] = stored
}

func (s *MemoryStore) ReadAndCapture(ctx context.Context, req ReadRequest) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now().UTC()

	// Eligible: never captured, or lease expired
	candidates := make([]*memMessage, 0, req.BatchSize)
	for _, m := range s.messages {
		if m.InboxName != req.InboxName {
			continue
		}
		if m.CapturedAt == nil || now.Sub(*m.CapturedAt) > req.MaxProcessingTime {
			candidates = append(candidates, m)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].ReceivedAt.Equal(candidates[j].ReceivedAt) {
			return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
		}
		return candidates[i].seq < candidates[j].seq
	})

	var captured []*Message
	skippedGroups := make(map[string]bool)

	for _, m := range candidates {
		if len(captured) >= req.BatchSize {
			break
		}

		if req.Fifo && m.GroupID != "" {
			if skippedGroups[m.GroupID] {
				continue
			}
			key := lockKey(req.InboxName, m.GroupID)
			if lock, held := s.locks[key]; held &&
				lock.LockedBy != req.WorkerID &&
				!lock.Expired(now, req.MaxProcessingTime) {
				skippedGroups[m.GroupID] = true
				continue
			}
			s.locks[key] = &GroupLock{
				InboxName: req.InboxName,
				GroupID:   m.GroupID,
				LockedAt:  now,
				LockedBy:  req.WorkerID,
			}
		}

		capturedAt := now
		m.CapturedAt = &capturedAt
		m.CapturedBy = req.WorkerID

		copied := m.Message
		copied.CapturedAt = &capturedAt
		captured = append(captured, &copied)
	}

	return captured, nil
}

func (s *MemoryStore) ExtendLocks(ctx context.Context, req ExtendRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCapturedAt := req.NewCapturedAt.UTC()
	extended := 0
	for _, id := range req.IDs {
		m, ok := s.byID[id]
		if !ok || m.InboxName != req.InboxName {
			continue
		}
		if m.CapturedAt == nil || m.CapturedBy != req.WorkerID {
			continue
		}
		at := newCapturedAt
		m.CapturedAt = &at
		extended++
	}

	if req.Fifo {
		for _, lock := range s.locks {
			if lock.InboxName == req.InboxName && lock.LockedBy == req.WorkerID {
				lock.LockedAt = newCapturedAt
			}
		}
	}

	return extended, nil
}

func (s *MemoryStore) ApplyResults(ctx context.Context, outcome Outcome) error {
	if outcome.IsEmpty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now().UTC()

	for _, id := range outcome.ToComplete {
		s.removeLocked(id)
	}
	for _, id := range outcome.ToFail {
		if m, ok := s.byID[id]; ok {
			m.CapturedAt = nil
			m.CapturedBy = ""
			m.AttemptsCount++
		}
	}
	for _, id := range outcome.ToRelease {
		if m, ok := s.byID[id]; ok {
			m.CapturedAt = nil
			m.CapturedBy = ""
		}
	}
	for _, entry := range outcome.ToDeadLetter {
		m, ok := s.byID[entry.ID]
		if !ok {
			continue
		}
		copied := m.Message
		copied.CapturedAt = nil
		copied.CapturedBy = ""
		s.deadLetters = append(s.deadLetters, &DeadLetter{
			Message:       copied,
			FailureReason: entry.Reason,
			MovedAt:       now,
		})
		s.removeLocked(entry.ID)
	}

	return nil
}

func (s *MemoryStore) removeLocked(id uuid.UUID) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) ReleaseGroupLocks(ctx context.Context, inboxName, workerID string, groupIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseGroupLocksLocked(inboxName, workerID, groupIDs)
	return nil
}

func (s *MemoryStore) ReleaseMessagesAndGroupLocks(ctx context.Context, inboxName, workerID string, ids []uuid.UUID, groupIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		m, ok := s.byID[id]
		if !ok || m.InboxName != inboxName || m.CapturedBy != workerID {
			continue
		}
		m.CapturedAt = nil
		m.CapturedBy = ""
	}
	s.releaseGroupLocksLocked(inboxName, workerID, groupIDs)
	return nil
}

func (s *MemoryStore) releaseGroupLocksLocked(inboxName, workerID string, groupIDs []string) {
	for _, groupID := range groupIDs {
		key := lockKey(inboxName, groupID)
		if lock, ok := s.locks[key]; ok && lock.LockedBy == workerID {
			delete(s.locks, key)
		}
	}
}

func (s *MemoryStore) ReadDeadLetters(ctx context.Context, inboxName string, max int) ([]*DeadLetter, error) {
	if max <= 0 {
		return []*DeadLetter{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	letters := make([]*DeadLetter, 0, max)
	for _, dl := range s.deadLetters {
		if dl.InboxName == inboxName {
			copied := *dl
			letters = append(letters, &copied)
		}
	}
	sort.SliceStable(letters, func(i, j int) bool {
		return letters[i].MovedAt.Before(letters[j].MovedAt)
	})
	if len(letters) > max {
		letters = letters[:max]
	}
	return letters, nil
}

func (s *MemoryStore) HealthMetrics(ctx context.Context, inboxName string) (*HealthMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hm := &HealthMetrics{}
	for _, m := range s.messages {
		if m.InboxName != inboxName {
			continue
		}
		if m.CapturedAt == nil {
			hm.PendingCount++
			if hm.OldestPendingAt == nil || m.ReceivedAt.Before(*hm.OldestPendingAt) {
				at := m.ReceivedAt
				hm.OldestPendingAt = &at
			}
		} else {
			hm.CapturedCount++
		}
	}
	for _, dl := range s.deadLetters {
		if dl.InboxName == inboxName {
			hm.DeadLetterCount++
		}
	}
	return hm, nil
}

func (s *MemoryStore) DeleteExpiredDeadLetters(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	kept := s.deadLetters[:0]
	for _, dl := range s.deadLetters {
		if dl.InboxName == inboxName && !dl.MovedAt.After(before) && (limit <= 0 || deleted < int64(limit)) {
			deleted++
			continue
		}
		kept = append(kept, dl)
	}
	s.deadLetters = kept
	return deleted, nil
}

func (s *MemoryStore) DeleteExpiredDeduplicationRecords(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := inboxName + "\x00"
	var deleted int64
	for key, createdAt := range s.dedup {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if len(key) > len(prefix) && key[:len(prefix)] == prefix && !createdAt.After(before) {
			delete(s.dedup, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) DeleteExpiredGroupLocks(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, lock := range s.locks {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if lock.InboxName == inboxName && !lock.LockedAt.After(before) {
			delete(s.locks, key)
			deleted++
		}
	}
	return deleted, nil
}
