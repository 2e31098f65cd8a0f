package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.mailroom.tech/internal/common/clock"
)

// MongoConfig parameterizes the collection names of the Mongo store.
type MongoConfig struct {
	MessagesCollection      string
	DeadLettersCollection   string
	DeduplicationCollection string
}

// DefaultMongoConfig returns the default collection names
func DefaultMongoConfig() *MongoConfig {
	return &MongoConfig{
		MessagesCollection:      "inbox_messages",
		DeadLettersCollection:   "inbox_dead_letters",
		DeduplicationCollection: "inbox_deduplication",
	}
}

// MongoStore implements the Store contract on MongoDB.
//
// Capture is a FindOneAndUpdate loop: each iteration atomically claims the
// oldest eligible document, so concurrent workers never capture the same
// message. Mongo carries no group-lock capability; FIFO inbox types are
// rejected at configuration time for this backend.
type MongoStore struct {
	db     *mongo.Database
	config *MongoConfig
	clk    clock.Clock
}

// NewMongoStore creates a MongoDB-backed inbox store
func NewMongoStore(db *mongo.Database, config *MongoConfig, clk clock.Clock) *MongoStore {
	if config == nil {
		config = DefaultMongoConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &MongoStore{db: db, config: config, clk: clk}
}

func (s *MongoStore) Name() string {
	return "mongo"
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

type mongoMessage struct {
	ID              string     `bson:"_id"`
	InboxName       string     `bson:"inboxName"`
	MessageType     string     `bson:"messageType"`
	Payload         []byte     `bson:"payload"`
	GroupID         string     `bson:"groupId,omitempty"`
	CollapseKey     string     `bson:"collapseKey,omitempty"`
	DeduplicationID string     `bson:"deduplicationId,omitempty"`
	AttemptsCount   int        `bson:"attemptsCount"`
	ReceivedAt      time.Time  `bson:"receivedAt"`
	CapturedAt      *time.Time `bson:"capturedAt,omitempty"`
	CapturedBy      string     `bson:"capturedBy,omitempty"`
	Seq             int64      `bson:"seq"`
}

type mongoDeadLetter struct {
	mongoMessage  `bson:",inline"`
	FailureReason string    `bson:"failureReason"`
	MovedAt       time.Time `bson:"movedAt"`
}

func (d *mongoMessage) toMessage() (*Message, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse message id %q: %w", d.ID, err)
	}
	m := &Message{
		ID:              id,
		InboxName:       d.InboxName,
		MessageType:     d.MessageType,
		Payload:         d.Payload,
		GroupID:         d.GroupID,
		CollapseKey:     d.CollapseKey,
		DeduplicationID: d.DeduplicationID,
		AttemptsCount:   d.AttemptsCount,
		ReceivedAt:      d.ReceivedAt.UTC(),
		CapturedBy:      d.CapturedBy,
	}
	if d.CapturedAt != nil {
		at := d.CapturedAt.UTC()
		m.CapturedAt = &at
	}
	return m, nil
}

func (s *MongoStore) messages() *mongo.Collection {
	return s.db.Collection(s.config.MessagesCollection)
}

func (s *MongoStore) deadLetters() *mongo.Collection {
	return s.db.Collection(s.config.DeadLettersCollection)
}

func (s *MongoStore) deduplication() *mongo.Collection {
	return s.db.Collection(s.config.DeduplicationCollection)
}

func (s *MongoStore) Write(ctx context.Context, msg *Message, opts WriteOptions) error {
	return s.writeOne(ctx, msg, opts)
}

func (s *MongoStore) WriteBatch(ctx context.Context, msgs []*Message, opts WriteOptions) error {
	for _, msg := range msgs {
		if err := s.writeOne(ctx, msg, opts); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) writeOne(ctx context.Context, msg *Message, opts WriteOptions) error {
	now := s.clk.Now().UTC()

	if opts.Deduplicate && msg.DeduplicationID != "" {
		// Refresh the record only when it is outside the window; a matched
		// unexpired record means the write is suppressed.
		expiredBefore := now.Add(-opts.DeduplicationInterval)
		res, err := s.deduplication().UpdateOne(ctx,
			bson.M{
				"inboxName":       msg.InboxName,
				"deduplicationId": msg.DeduplicationID,
				"createdAt":       bson.M{"$lte": expiredBefore},
			},
			bson.M{"$set": bson.M{"createdAt": now}},
		)
		if err != nil {
			return fmt.Errorf("refresh deduplication record: %w", err)
		}
		if res.MatchedCount == 0 {
			_, err := s.deduplication().InsertOne(ctx, bson.M{
				"inboxName":       msg.InboxName,
				"deduplicationId": msg.DeduplicationID,
				"createdAt":       now,
			})
			if mongo.IsDuplicateKeyError(err) {
				return nil // suppressed: duplicate inside the window
			}
			if err != nil {
				return fmt.Errorf("insert deduplication record: %w", err)
			}
		}
	}

	if msg.CollapseKey != "" {
		_, err := s.messages().DeleteMany(ctx, bson.M{
			"inboxName":   msg.InboxName,
			"collapseKey": msg.CollapseKey,
			"capturedAt":  nil,
		})
		if err != nil {
			return fmt.Errorf("collapse pending messages: %w", err)
		}
	}

	doc := mongoMessage{
		ID:              msg.ID.String(),
		InboxName:       msg.InboxName,
		MessageType:     msg.MessageType,
		Payload:         msg.Payload,
		GroupID:         msg.GroupID,
		CollapseKey:     msg.CollapseKey,
		DeduplicationID: msg.DeduplicationID,
		AttemptsCount:   msg.AttemptsCount,
		ReceivedAt:      msg.ReceivedAt.UTC(),
		Seq:             now.UnixNano(),
	}
	_, err := s.messages().InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return nil // idempotent producer key
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MongoStore) ReadAndCapture(ctx context.Context, req ReadRequest) ([]*Message, error) {
	if req.Fifo {
		return nil, fmt.Errorf("fifo capture: %w", Permanent(errors.New("mongo store does not support group locks")))
	}

	now := s.clk.Now().UTC()
	leaseExpiredBefore := now.Add(-req.MaxProcessingTime)

	filter := bson.M{
		"inboxName": req.InboxName,
		"$or": []bson.M{
			{"capturedAt": nil},
			{"capturedAt": bson.M{"$lte": leaseExpiredBefore}},
		},
	}
	update := bson.M{"$set": bson.M{
		"capturedAt": now,
		"capturedBy": req.WorkerID,
	}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "receivedAt", Value: 1}, {Key: "seq", Value: 1}}).
		SetReturnDocument(options.After)

	var captured []*Message
	for len(captured) < req.BatchSize {
		var doc mongoMessage
		err := s.messages().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("capture message: %w", err)
		}
		msg, err := doc.toMessage()
		if err != nil {
			return nil, err
		}
		captured = append(captured, msg)
	}
	return captured, nil
}

func (s *MongoStore) ExtendLocks(ctx context.Context, req ExtendRequest) (int, error) {
	if len(req.IDs) == 0 {
		return 0, nil
	}

	res, err := s.messages().UpdateMany(ctx,
		bson.M{
			"_id":        bson.M{"$in": uuidStrings(req.IDs)},
			"inboxName":  req.InboxName,
			"capturedBy": req.WorkerID,
			"capturedAt": bson.M{"$ne": nil},
		},
		bson.M{"$set": bson.M{"capturedAt": utc(req.NewCapturedAt)}},
	)
	if err != nil {
		return 0, fmt.Errorf("extend leases: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) ApplyResults(ctx context.Context, outcome Outcome) error {
	if outcome.IsEmpty() {
		return nil
	}

	now := s.clk.Now().UTC()

	if len(outcome.ToComplete) > 0 {
		_, err := s.messages().DeleteMany(ctx, bson.M{
			"_id":       bson.M{"$in": uuidStrings(outcome.ToComplete)},
			"inboxName": outcome.InboxName,
		})
		if err != nil {
			return fmt.Errorf("complete messages: %w", err)
		}
	}

	if len(outcome.ToFail) > 0 {
		_, err := s.messages().UpdateMany(ctx,
			bson.M{"_id": bson.M{"$in": uuidStrings(outcome.ToFail)}, "inboxName": outcome.InboxName},
			bson.M{
				"$set": bson.M{"capturedAt": nil, "capturedBy": ""},
				"$inc": bson.M{"attemptsCount": 1},
			},
		)
		if err != nil {
			return fmt.Errorf("fail messages: %w", err)
		}
	}

	if len(outcome.ToRelease) > 0 {
		_, err := s.messages().UpdateMany(ctx,
			bson.M{"_id": bson.M{"$in": uuidStrings(outcome.ToRelease)}, "inboxName": outcome.InboxName},
			bson.M{"$set": bson.M{"capturedAt": nil, "capturedBy": ""}},
		)
		if err != nil {
			return fmt.Errorf("release messages: %w", err)
		}
	}

	for _, entry := range outcome.ToDeadLetter {
		var doc mongoMessage
		err := s.messages().FindOne(ctx, bson.M{"_id": entry.ID.String(), "inboxName": outcome.InboxName}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load dead-letter candidate: %w", err)
		}

		doc.CapturedAt = nil
		doc.CapturedBy = ""
		_, err = s.deadLetters().InsertOne(ctx, mongoDeadLetter{
			mongoMessage:  doc,
			FailureReason: entry.Reason,
			MovedAt:       now,
		})
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("move message to dead letter: %w", err)
		}

		if _, err := s.messages().DeleteOne(ctx, bson.M{"_id": entry.ID.String()}); err != nil {
			return fmt.Errorf("delete dead-lettered message: %w", err)
		}
	}

	return nil
}

func (s *MongoStore) ReadDeadLetters(ctx context.Context, inboxName string, max int) ([]*DeadLetter, error) {
	if max <= 0 {
		return []*DeadLetter{}, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "movedAt", Value: 1}}).
		SetLimit(int64(max))

	cursor, err := s.deadLetters().Find(ctx, bson.M{"inboxName": inboxName}, opts)
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	var letters []*DeadLetter
	for cursor.Next(ctx) {
		var doc mongoDeadLetter
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		msg, err := doc.toMessage()
		if err != nil {
			return nil, err
		}
		letters = append(letters, &DeadLetter{
			Message:       *msg,
			FailureReason: doc.FailureReason,
			MovedAt:       doc.MovedAt.UTC(),
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("dead letter iteration: %w", err)
	}
	return letters, nil
}

func (s *MongoStore) HealthMetrics(ctx context.Context, inboxName string) (*HealthMetrics, error) {
	hm := &HealthMetrics{}

	pending, err := s.messages().CountDocuments(ctx, bson.M{"inboxName": inboxName, "capturedAt": nil})
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	hm.PendingCount = pending

	captured, err := s.messages().CountDocuments(ctx, bson.M{"inboxName": inboxName, "capturedAt": bson.M{"$ne": nil}})
	if err != nil {
		return nil, fmt.Errorf("count captured: %w", err)
	}
	hm.CapturedCount = captured

	dead, err := s.deadLetters().CountDocuments(ctx, bson.M{"inboxName": inboxName})
	if err != nil {
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	hm.DeadLetterCount = dead

	var oldest mongoMessage
	err = s.messages().FindOne(ctx,
		bson.M{"inboxName": inboxName, "capturedAt": nil},
		options.FindOne().SetSort(bson.D{{Key: "receivedAt", Value: 1}}),
	).Decode(&oldest)
	if err == nil {
		at := oldest.ReceivedAt.UTC()
		hm.OldestPendingAt = &at
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("find oldest pending: %w", err)
	}

	return hm, nil
}

func (s *MongoStore) DeleteExpiredDeadLetters(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	return s.deleteExpired(ctx, s.deadLetters(), bson.M{
		"inboxName": inboxName,
		"movedAt":   bson.M{"$lte": utc(before)},
	}, limit)
}

func (s *MongoStore) DeleteExpiredDeduplicationRecords(ctx context.Context, inboxName string, before time.Time, limit int) (int64, error) {
	return s.deleteExpired(ctx, s.deduplication(), bson.M{
		"inboxName": inboxName,
		"createdAt": bson.M{"$lte": utc(before)},
	}, limit)
}

// deleteExpired deletes matching documents up to limit. Mongo's DeleteMany
// has no limit, so ids are collected first.
func (s *MongoStore) deleteExpired(ctx context.Context, coll *mongo.Collection, filter bson.M, limit int) (int64, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetLimit(int64(limit))

	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return 0, fmt.Errorf("find expired documents: %w", err)
	}

	var ids []any
	for cursor.Next(ctx) {
		var doc struct {
			ID any `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			cursor.Close(ctx)
			return 0, fmt.Errorf("decode expired document: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	cursor.Close(ctx)
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("delete expired documents: %w", err)
	}
	return res.DeletedCount, nil
}

// Migrate creates the collection indexes.
func (s *MongoStore) Migrate(ctx context.Context) error {
	messageIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "inboxName", Value: 1}, {Key: "receivedAt", Value: 1}, {Key: "seq", Value: 1}}},
		{Keys: bson.D{{Key: "inboxName", Value: 1}, {Key: "capturedAt", Value: 1}}},
		{Keys: bson.D{{Key: "inboxName", Value: 1}, {Key: "collapseKey", Value: 1}}},
	}
	if _, err := s.messages().Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}

	deadLetterIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "inboxName", Value: 1}, {Key: "movedAt", Value: 1}}},
	}
	if _, err := s.deadLetters().Indexes().CreateMany(ctx, deadLetterIndexes); err != nil {
		return fmt.Errorf("create dead letter indexes: %w", err)
	}

	dedupIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "inboxName", Value: 1}, {Key: "deduplicationId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "inboxName", Value: 1}, {Key: "createdAt", Value: 1}}},
	}
	if _, err := s.deduplication().Indexes().CreateMany(ctx, dedupIndexes); err != nil {
		return fmt.Errorf("create deduplication indexes: %w", err)
	}

	return nil
}
