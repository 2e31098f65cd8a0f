package leader

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// electionLockCollection sits alongside the inbox collections in the
// store database
const electionLockCollection = "inbox_leader_locks"

// electionLock is the lock document. Expired documents are swept by a TTL
// index, so a crashed leader frees the lock without intervention.
type electionLock struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

type mongoBackend struct {
	collection *mongo.Collection
}

// NewMongoElector elects over a lock document in the store database.
func NewMongoElector(db *mongo.Database, cfg *Config) *Elector {
	return newElector(&mongoBackend{collection: db.Collection(electionLockCollection)}, cfg)
}

func (b *mongoBackend) name() string { return "mongo" }

// prepare ensures the TTL index on expiresAt
func (b *mongoBackend) prepare(ctx context.Context, cfg *Config) error {
	index := mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	}
	if _, err := b.collection.Indexes().CreateOne(ctx, index); err != nil {
		// Already present on every start after the first
		slog.Debug("Could not create election TTL index", "error", err)
	}
	return nil
}

// acquire upserts the lock document when it is expired or already ours
func (b *mongoBackend) acquire(ctx context.Context, cfg *Config) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": cfg.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": cfg.InstanceID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"instanceId": cfg.InstanceID,
			"acquiredAt": now,
			"expiresAt":  now.Add(cfg.TTL),
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var lock electionLock
	err := b.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&lock)
	if err != nil {
		// The upsert races a live lock: the filter excludes it, so the
		// insert collides with its _id
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return lock.InstanceID == cfg.InstanceID, nil
}

// refresh extends expiresAt on a document we still own
func (b *mongoBackend) refresh(ctx context.Context, cfg *Config) (bool, error) {
	filter := bson.M{
		"_id":        cfg.LockName,
		"instanceId": cfg.InstanceID,
	}
	update := bson.M{
		"$set": bson.M{"expiresAt": time.Now().Add(cfg.TTL)},
	}

	result, err := b.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

func (b *mongoBackend) release(ctx context.Context, cfg *Config) error {
	_, err := b.collection.DeleteOne(ctx, bson.M{
		"_id":        cfg.LockName,
		"instanceId": cfg.InstanceID,
	})
	return err
}

func (b *mongoBackend) currentLeader(ctx context.Context, cfg *Config) (string, error) {
	var lock electionLock
	err := b.collection.FindOne(ctx, bson.M{
		"_id":       cfg.LockName,
		"expiresAt": bson.M{"$gt": time.Now()},
	}).Decode(&lock)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", err
	}
	return lock.InstanceID, nil
}
