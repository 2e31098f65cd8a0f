package leader

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Ownership-checked scripts: the lock value is the holder's instance id,
// so extend and delete only act when the value still matches.
var (
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("expire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

type redisBackend struct {
	client *redis.Client
}

// NewRedisElector elects over a SET NX key on the store's redis
// connection. The key TTL plays the role of the mongo backend's expiry
// sweep.
func NewRedisElector(client *redis.Client, cfg *Config) *Elector {
	return newElector(&redisBackend{client: client}, cfg)
}

func (b *redisBackend) name() string { return "redis" }

func (b *redisBackend) prepare(ctx context.Context, cfg *Config) error {
	return nil
}

// acquire sets the key when vacant; when it exists and is ours (a restart
// within the TTL) the refresh path re-extends it
func (b *redisBackend) acquire(ctx context.Context, cfg *Config) (bool, error) {
	ok, err := b.client.SetNX(ctx, cfg.LockName, cfg.InstanceID, cfg.TTL).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	owner, err := b.client.Get(ctx, cfg.LockName).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if owner == cfg.InstanceID {
		return b.refresh(ctx, cfg)
	}
	return false, nil
}

func (b *redisBackend) refresh(ctx context.Context, cfg *Config) (bool, error) {
	ttlSeconds := int(cfg.TTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	extended, err := extendScript.Run(ctx, b.client, []string{cfg.LockName}, cfg.InstanceID, ttlSeconds).Int()
	if err != nil {
		return false, err
	}
	return extended > 0, nil
}

func (b *redisBackend) release(ctx context.Context, cfg *Config) error {
	return unlockScript.Run(ctx, b.client, []string{cfg.LockName}, cfg.InstanceID).Err()
}

func (b *redisBackend) currentLeader(ctx context.Context, cfg *Config) (string, error) {
	owner, err := b.client.Get(ctx, cfg.LockName).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}
