package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.mailroom.tech/internal/common/clock"
)

// RedisConfig parameterizes the Redis store keyspace.
type RedisConfig struct {
	// KeyPrefix namespaces every key (default "mailroom")
	KeyPrefix string
}

// DefaultRedisConfig returns the default keyspace settings
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{KeyPrefix: "mailroom"}
}

// RedisStore implements the Store contract (including group locks) on Redis.
//
// Keyspace per inbox (under the configured prefix):
//
//	<inbox>:pending   zset, score = ReceivedAt (ns) - the eligibility queue
//	<inbox>:captured  zset, score = CapturedAt (ns) - leased messages
//	<inbox>:msg:<id>  hash  - message body and lease fields
//	<inbox>:collapse  hash  - collapseKey -> pending message id
//	<inbox>:dedup:<k> string, TTL = DeduplicationInterval
//	<inbox>:lock:<g>  string = workerId, TTL = MaxProcessingTime
//	<inbox>:dlq       zset, score = MovedAt (ns)
//	<inbox>:dlq:<id>  hash  - dead letter body
//
// Every multi-key transition runs as a single Lua script, so concurrent
// workers observe capture, lease expiry and group locking atomically. Keys
// are derived inside the scripts, which confines the store to a single
// Redis node (no cluster slots).
type RedisStore struct {
	client *redis.Client
	config *RedisConfig
	clk    clock.Clock
}

// NewRedisStore creates a Redis-backed inbox store
func NewRedisStore(client *redis.Client, config *RedisConfig, clk clock.Clock) *RedisStore {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &RedisStore{client: client, config: config, clk: clk}
}

func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Migrate(ctx context.Context) error {
	return nil // keyspace needs no preparation
}

func (s *RedisStore) base(inboxName string) string {
	return s.config.KeyPrefix + ":" + inboxName
}

// redisBody is the immutable part of a message, stored as JSON in the
// message hash. Lease fields and the attempt counter live in separate hash
// fields so the scripts can change them without re-encoding.
type redisBody struct {
	ID              uuid.UUID `json:"id"`
	InboxName       string    `json:"inboxName"`
	MessageType     string    `json:"messageType"`
	Payload         []byte    `json:"payload"`
	GroupID         string    `json:"groupId,omitempty"`
	CollapseKey     string    `json:"collapseKey,omitempty"`
	DeduplicationID string    `json:"deduplicationId,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// writeScript inserts one message: idempotent id check, dedup SET NX,
// collapse of the pending same-key message, hash + pending zset insert.
var writeScript = redis.NewScript(`
	local base = ARGV[1]
	local id = ARGV[2]
	local score = ARGV[3]
	local data = ARGV[4]
	local group = ARGV[5]
	local collapse = ARGV[6]
	local dedup = ARGV[7]
	local dedupTtl = ARGV[8]
	local attempts = ARGV[9]
	local received = ARGV[10]

	local pending = base .. ':pending'
	local msgKey = base .. ':msg:' .. id

	if redis.call('exists', msgKey) == 1 then
		return 0
	end

	if dedup ~= '' then
		if redis.call('set', base .. ':dedup:' .. dedup, '1', 'NX', 'PX', dedupTtl) == false then
			return 0
		end
	end

	if collapse ~= '' then
		local collapseMap = base .. ':collapse'
		local old = redis.call('hget', collapseMap, collapse)
		if old then
			if redis.call('zrem', pending, old) == 1 then
				redis.call('del', base .. ':msg:' .. old)
			end
		end
		redis.call('hset', collapseMap, collapse, id)
	end

	redis.call('hset', msgKey,
		'data', data, 'group', group, 'collapse', collapse,
		'attempts', attempts, 'received', received)
	redis.call('zadd', pending, score, id)
	return 1
`)

// captureScript recovers expired leases, then claims up to batchSize
// messages in receipt order, honoring group locks for FIFO captures.
var captureScript = redis.NewScript(`
	local base = ARGV[1]
	local worker = ARGV[2]
	local now = ARGV[3]
	local expiredBefore = ARGV[4]
	local batch = tonumber(ARGV[5])
	local fifo = ARGV[6]
	local lockTtl = ARGV[7]

	local pending = base .. ':pending'
	local captured = base .. ':captured'

	-- Expired leases go back to the eligibility queue with their receipt
	-- score; attempts are untouched (crash recovery, not failure).
	local expired = redis.call('zrangebyscore', captured, '-inf', expiredBefore)
	for _, id in ipairs(expired) do
		local msgKey = base .. ':msg:' .. id
		local received = redis.call('hget', msgKey, 'received')
		if received then
			redis.call('zadd', pending, received, id)
			redis.call('hdel', msgKey, 'capturedBy', 'capturedAt')
		end
		redis.call('zrem', captured, id)
	end

	-- Scan window bounds the work when many groups are locked
	local candidates = redis.call('zrange', pending, 0, batch * 10 - 1)
	local taken = {}
	local skipped = {}

	for _, id in ipairs(candidates) do
		if #taken >= batch then break end
		local msgKey = base .. ':msg:' .. id
		local ok = true
		if fifo == '1' then
			local group = redis.call('hget', msgKey, 'group')
			if group and group ~= '' then
				if skipped[group] then
					ok = false
				else
					local lockKey = base .. ':lock:' .. group
					local owner = redis.call('get', lockKey)
					if owner and owner ~= worker then
						ok = false
						skipped[group] = true
					else
						redis.call('set', lockKey, worker, 'PX', lockTtl)
					end
				end
			end
		end
		if ok then
			redis.call('zrem', pending, id)
			redis.call('zadd', captured, now, id)
			redis.call('hset', msgKey, 'capturedBy', worker, 'capturedAt', now)
			taken[#taken + 1] = id
		end
	end

	local out = {}
	for _, id in ipairs(taken) do
		local msgKey = base .. ':msg:' .. id
		out[#out + 1] = redis.call('hget', msgKey, 'data')
		out[#out + 1] = redis.call('hget', msgKey, 'attempts')
	end
	return out
`)

// extendScript refreshes leases (and group lock TTLs for FIFO) for
// messages still captured by the calling worker.
var extendScript = redis.NewScript(`
	local base = ARGV[1]
	local worker = ARGV[2]
	local newAt = ARGV[3]
	local fifo = ARGV[4]
	local lockTtl = ARGV[5]

	local captured = base .. ':captured'
	local count = 0

	for i = 6, #ARGV do
		local id = ARGV[i]
		local msgKey = base .. ':msg:' .. id
		if redis.call('hget', msgKey, 'capturedBy') == worker then
			redis.call('hset', msgKey, 'capturedAt', newAt)
			redis.call('zadd', captured, 'XX', newAt, id)
			count = count + 1
			if fifo == '1' then
				local group = redis.call('hget', msgKey, 'group')
				if group and group ~= '' then
					local lockKey = base .. ':lock:' .. group
					if redis.call('get', lockKey) == worker then
						redis.call('pexpire', lockKey, lockTtl)
					end
				end
			end
		end
	end
	return count
`)

// applyScript applies one batch outcome atomically. ARGV carries the four
// sections with a leading length each; dead-letter entries are (id, reason)
// pairs.
var applyScript = redis.NewScript(`
	local base = ARGV[1]
	local now = ARGV[2]

	local pending = base .. ':pending'
	local captured = base .. ':captured'
	local collapseMap = base .. ':collapse'
	local dlq = base .. ':dlq'

	local idx = 3

	local function dropCollapse(msgKey, id)
		local collapse = redis.call('hget', msgKey, 'collapse')
		if collapse and collapse ~= '' then
			if redis.call('hget', collapseMap, collapse) == id then
				redis.call('hdel', collapseMap, collapse)
			end
		end
	end

	local nComplete = tonumber(ARGV[idx]); idx = idx + 1
	for i = 1, nComplete do
		local id = ARGV[idx]; idx = idx + 1
		local msgKey = base .. ':msg:' .. id
		dropCollapse(msgKey, id)
		redis.call('zrem', pending, id)
		redis.call('zrem', captured, id)
		redis.call('del', msgKey)
	end

	local nFail = tonumber(ARGV[idx]); idx = idx + 1
	for i = 1, nFail do
		local id = ARGV[idx]; idx = idx + 1
		local msgKey = base .. ':msg:' .. id
		if redis.call('exists', msgKey) == 1 then
			redis.call('hincrby', msgKey, 'attempts', 1)
			redis.call('hdel', msgKey, 'capturedBy', 'capturedAt')
			redis.call('zrem', captured, id)
			redis.call('zadd', pending, redis.call('hget', msgKey, 'received'), id)
		end
	end

	local nRelease = tonumber(ARGV[idx]); idx = idx + 1
	for i = 1, nRelease do
		local id = ARGV[idx]; idx = idx + 1
		local msgKey = base .. ':msg:' .. id
		if redis.call('exists', msgKey) == 1 then
			redis.call('hdel', msgKey, 'capturedBy', 'capturedAt')
			redis.call('zrem', captured, id)
			redis.call('zadd', pending, redis.call('hget', msgKey, 'received'), id)
		end
	end

	local nDead = tonumber(ARGV[idx]); idx = idx + 1
	for i = 1, nDead do
		local id = ARGV[idx]; idx = idx + 1
		local reason = ARGV[idx]; idx = idx + 1
		local msgKey = base .. ':msg:' .. id
		if redis.call('exists', msgKey) == 1 then
			local dlqKey = base .. ':dlq:' .. id
			redis.call('hset', dlqKey,
				'data', redis.call('hget', msgKey, 'data'),
				'attempts', redis.call('hget', msgKey, 'attempts'),
				'reason', reason, 'moved', now)
			redis.call('zadd', dlq, now, id)
			dropCollapse(msgKey, id)
			redis.call('zrem', pending, id)
			redis.call('zrem', captured, id)
			redis.call('del', msgKey)
		end
	end
	return 1
`)

// releaseScript releases message leases and/or group locks held by the
// calling worker. ARGV carries the two sections with a leading length each.
var releaseScript = redis.NewScript(`
	local base = ARGV[1]
	local worker = ARGV[2]

	local pending = base .. ':pending'
	local captured = base .. ':captured'

	local idx = 3
	local nIds = tonumber(ARGV[idx]); idx = idx + 1
	for i = 1, nIds do
		local id = ARGV[idx]; idx = idx + 1
		local msgKey = base .. ':msg:' .. id
		if redis.call('hget', msgKey, 'capturedBy') == worker then
			redis.call('hdel', msgKey, 'capturedBy', 'capturedAt')
			redis.call('zrem', captured, id)
			redis.call('zadd', pending, redis.call('hget', msgKey, 'received'), id)
		end
	end

	local nGroups = tonumber(ARGV[idx]); idx = idx + 1
	for i = 1, nGroups do
		local group = ARGV[idx]; idx = idx + 1
		local lockKey = base .. ':lock:' .. group
		if redis.call('get', lockKey) == worker then
			redis.call('del', lockKey)
		end
	end
	return 1
`)

func (s *RedisStore) Write(ctx context.Context, msg *Message, opts WriteOptions) error {
	return s.writeOne(ctx, msg, opts)
}

func (s *RedisStore) WriteBatch(ctx context.Context, msgs []*Message, opts WriteOptions) error {
	for _, msg := range msgs {
		if err := s.writeOne(ctx, msg, opts); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) writeOne(ctx context.Context, msg *Message, opts WriteOptions) error {
	body := redisBody{
		ID:              msg.ID,
		InboxName:       msg.InboxName,
		MessageType:     msg.MessageType,
		Payload:         msg.Payload,
		GroupID:         msg.GroupID,
		CollapseKey:     msg.CollapseKey,
		DeduplicationID: msg.DeduplicationID,
		ReceivedAt:      msg.ReceivedAt.UTC(),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Permanent(fmt.Errorf("encode message body: %w", err))
	}

	dedupID := ""
	dedupTTL := int64(1)
	if opts.Deduplicate && msg.DeduplicationID != "" {
		dedupID = msg.DeduplicationID
		dedupTTL = opts.DeduplicationInterval.Milliseconds()
		if dedupTTL < 1 {
			dedupTTL = 1
		}
	}

	receivedNanos := strconv.FormatInt(msg.ReceivedAt.UTC().UnixNano(), 10)
	err = writeScript.Run(ctx, s.client, nil,
		s.base(msg.InboxName),
		msg.ID.String(),
		receivedNanos,
		string(data),
		msg.GroupID,
		msg.CollapseKey,
		dedupID,
		dedupTTL,
		msg.AttemptsCount,
		receivedNanos,
	).Err()
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *RedisStore) ReadAndCapture(ctx context.Context, req ReadRequest) ([]*Message, error) {
	now := s.clk.Now().UTC()
	lockTTL := req.MaxProcessingTime.Milliseconds()
	if lockTTL < 1 {
		lockTTL = 1
	}

	fifo := "0"
	if req.Fifo {
		fifo = "1"
	}

	raw, err := captureScript.Run(ctx, s.client, nil,
		s.base(req.InboxName),
		req.WorkerID,
		strconv.FormatInt(now.UnixNano(), 10),
		strconv.FormatInt(now.Add(-req.MaxProcessingTime).UnixNano(), 10),
		req.BatchSize,
		fifo,
		lockTTL,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("capture messages: %w", err)
	}

	captured := make([]*Message, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		data, _ := raw[i].(string)
		attemptsStr, _ := raw[i+1].(string)

		var body redisBody
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			return nil, Permanent(fmt.Errorf("decode message body: %w", err))
		}
		attempts, _ := strconv.Atoi(attemptsStr)

		capturedAt := now
		captured = append(captured, &Message{
			ID:              body.ID,
			InboxName:       body.InboxName,
			MessageType:     body.MessageType,
			Payload:         body.Payload,
			GroupID:         body.GroupID,
			CollapseKey:     body.CollapseKey,
			DeduplicationID: body.DeduplicationID,
			AttemptsCount:   attempts,
			ReceivedAt:      body.ReceivedAt,
			CapturedAt:      &capturedAt,
			CapturedBy:      req.WorkerID,
		})
	}
	return captured, nil
}

func (s *RedisStore) ExtendLocks(ctx context.Context, req ExtendRequest) (int, error) {
	if len(req.IDs) == 0 {
		return 0, nil
	}

	lockTTL := req.MaxProcessingTime.Milliseconds()
	if lockTTL < 1 {
		lockTTL = 1
	}
	fifo := "0"
	if req.Fifo {
		fifo = "1"
	}

	args := make([]any, 0, 5+len(req.IDs))
	args = append(args,
		s.base(req.InboxName),
		req.WorkerID,
		strconv.FormatInt(req.NewCapturedAt.UTC().UnixNano(), 10),
		fifo,
		lockTTL,
	)
	for _, id := range req.IDs {
		args = append(args, id.String())
	}

	count, err := extendScript.Run(ctx, s.client, nil, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("extend leases: %w", err)
	}
	return count, nil
}

func (s *RedisStore) ApplyResults(ctx context.Context, outcome Outcome) error {
	if outcome.IsEmpty() {
		return nil
	}

	now := s.clk.Now().UTC()
	args := make([]any, 0, 6+outcome.Size()*2)
	args = append(args, s.base(outcome.InboxName), strconv.FormatInt(now.UnixNano(), 10))

	args = append(args, len(outcome.ToComplete))
	for _, id := range outcome.ToComplete {
		args = append(args, id.String())
	}
	args = append(args, len(outcome.ToFail))
	for _, id := range outcome.ToFail {
		args = append(args, id.String())
	}
	args = append(args, len(outcome.ToRelease))
	for _, id := range outcome.ToRelease {
		args = append(args, id.String())
	}
	args = append(args, len(outcome.ToDeadLetter))
	for _, entry := range outcome.ToDeadLetter {
		args = append(args, entry.ID.String(), entry.Reason)
	}

	if err := applyScript.Run(ctx, s.client, nil, args...).Err(); err != nil {
		return fmt.Errorf("apply results: %w", err)
	}
	return nil
}

func (s *RedisStore) ReleaseGroupLocks(ctx context.Context, inboxName, workerID string, groupIDs []string) error {
	return s.release(ctx, inboxName, workerID, nil, groupIDs)
}

func (s *RedisStore) ReleaseMessagesAndGroupLocks(ctx context.Context, inboxName, workerID string, ids []uuid.UUID, groupIDs []string) error {
	return s.release(ctx, inboxName, workerID, ids, groupIDs)
}

func (s *RedisStore) release(ctx context.Context, inboxName, workerID string, ids []uuid.UUID, groupIDs []string) error {
	if len(ids) == 0 && len(groupIDs) == 0 {
		return nil
	}

	args := make([]any, 0, 4+len(ids)+len(groupIDs))
	args = append(args, s.base(inboxName), workerID, len(ids))
	for _, id := range ids {
		args = append(args, id.String())
	}
	args = append(args, len(groupIDs))
	for _, groupID := range groupIDs {
		args = append(args, groupID)
	}

	if err := releaseScript.Run(ctx, s.client, nil, args...).Err(); err != nil {
		return fmt.Errorf("release messages and group locks: %w", err)
	}
	return nil
}

func (s *RedisStore) ReadDeadLetters(ctx context.Context, inboxName string, max int) ([]*DeadLetter, error) {
	if max <= 0 {
		return []*DeadLetter{}, nil
	}

	base := s.base(inboxName)
	ids, err := s.client.ZRange(ctx, base+":dlq", 0, int64(max-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letter index: %w", err)
	}

	letters := make([]*DeadLetter, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, base+":dlq:"+id).Result()
		if err != nil {
			return nil, fmt.Errorf("read dead letter %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue // index entry without body (cleanup race)
		}

		var body redisBody
		if err := json.Unmarshal([]byte(fields["data"]), &body); err != nil {
			return nil, Permanent(fmt.Errorf("decode dead letter body: %w", err))
		}
		attempts, _ := strconv.Atoi(fields["attempts"])
		movedNanos, _ := strconv.ParseInt(fields["moved"], 10, 64)

		letters = append(letters, &DeadLetter{
			Message: Message{
				ID:              body.ID,
				InboxName:       body.InboxName,
				MessageType:     body.MessageType,
				Payload:         body.Payload,
				GroupID:         body.GroupID,
				CollapseKey:     body.CollapseKey,
				DeduplicationID: body.DeduplicationID,
				AttemptsCount:   attempts,
				ReceivedAt:      body.ReceivedAt,
			},
			FailureReason: fields["reason"],
			MovedAt:       time.Unix(0, movedNanos).UTC(),
		})
	}
	return letters, nil
}

func (s *RedisStore) HealthMetrics(ctx context.Context, inboxName string) (*HealthMetrics, error) {
	base := s.base(inboxName)
	hm := &HealthMetrics{}

	pending, err := s.client.ZCard(ctx, base+":pending").Result()
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	hm.PendingCount = pending

	captured, err := s.client.ZCard(ctx, base+":captured").Result()
	if err != nil {
		return nil, fmt.Errorf("count captured: %w", err)
	}
	hm.CapturedCount = captured

	dead, err := s.client.ZCard(ctx, base+":dlq").Result()
	if err != nil {
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	hm.DeadLetterCount = dead

	oldest, err := s.client.ZRangeWithScores(ctx, base+":pending", 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("find oldest pending: %w", err)
	}
	if len(oldest) > 0 {
		at := time.Unix(0, int64(oldest[0].Score)).UTC()
		hm.OldestPendingAt = &at
	}
	return hm, nil
}

func (s *RedisStore) DeleteExpiredDeadLetters(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	base := s.base(inboxName)
	beforeScore := strconv.FormatInt(before.UTC().UnixNano(), 10)

	ids, err := s.client.ZRangeByScore(ctx, base+":dlq", &redis.ZRangeBy{
		Min: "-inf", Max: beforeScore, Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("find expired dead letters: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
		pipe.Del(ctx, base+":dlq:"+id)
	}
	pipe.ZRem(ctx, base+":dlq", members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete expired dead letters: %w", err)
	}
	return int64(len(ids)), nil
}

// DeleteExpiredDeduplicationRecords is a no-op: dedup keys expire via TTL.
func (s *RedisStore) DeleteExpiredDeduplicationRecords(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	return 0, nil
}

// DeleteExpiredGroupLocks is a no-op: lock keys expire via TTL.
func (s *RedisStore) DeleteExpiredGroupLocks(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	return 0, nil
}
