package inbox

import (
	"fmt"
	"time"
)

// Settings holds the per-inbox processing configuration.
type Settings struct {
	// ReadBatchSize is the maximum messages captured per poll
	ReadBatchSize int

	// WriteBatchSize is the chunk size for batch writes
	WriteBatchSize int

	// MaxProcessingTime is the lease validity window. A captured message
	// whose lease is older than this becomes eligible for recapture, and a
	// group lock older than this is expired.
	MaxProcessingTime time.Duration

	// PollingInterval is how long a worker sleeps after an empty poll
	PollingInterval time.Duration

	// ReadDelay is an optional pause after processing a non-empty batch
	ReadDelay time.Duration

	// ShutdownTimeout is how long to wait for the in-flight batch on stop
	// before abandoning it to lease expiry
	ShutdownTimeout time.Duration

	// MaxAttempts is the number of failed attempts before dead-lettering
	MaxAttempts int

	// EnableDeadLetter keeps abandoned messages in the dead-letter store.
	// When false they are deleted with a warning instead.
	EnableDeadLetter bool

	// DeadLetterMaxMessageLifetime is the dead-letter retention window
	DeadLetterMaxMessageLifetime time.Duration

	// MaxProcessingThreads bounds concurrent handler dispatches per worker
	MaxProcessingThreads int

	// MaxWriteThreads bounds concurrent batch-write chunks
	MaxWriteThreads int

	// EnableDeduplication suppresses repeat writes sharing a DeduplicationID
	// inside DeduplicationInterval
	EnableDeduplication bool

	// DeduplicationInterval is the deduplication window
	DeduplicationInterval time.Duration

	// EnableLockExtension keeps leases alive while handlers run
	EnableLockExtension bool

	// LockExtensionThreshold is the fraction of MaxProcessingTime between
	// lease extensions. Clamped to [0.1, 0.9].
	LockExtensionThreshold float64
}

// DefaultSettings returns sensible defaults
func DefaultSettings() Settings {
	return Settings{
		ReadBatchSize:                16,
		WriteBatchSize:               64,
		MaxProcessingTime:            30 * time.Second,
		PollingInterval:              1 * time.Second,
		ReadDelay:                    0,
		ShutdownTimeout:              15 * time.Second,
		MaxAttempts:                  5,
		EnableDeadLetter:             true,
		DeadLetterMaxMessageLifetime: 14 * 24 * time.Hour,
		MaxProcessingThreads:         8,
		MaxWriteThreads:              4,
		EnableDeduplication:          false,
		DeduplicationInterval:        10 * time.Minute,
		EnableLockExtension:          true,
		LockExtensionThreshold:       0.5,
	}
}

// Validate checks the settings for values that would break processing.
func (s Settings) Validate() error {
	if s.ReadBatchSize <= 0 {
		return fmt.Errorf("ReadBatchSize must be positive, got %d", s.ReadBatchSize)
	}
	if s.WriteBatchSize <= 0 {
		return fmt.Errorf("WriteBatchSize must be positive, got %d", s.WriteBatchSize)
	}
	if s.MaxProcessingTime <= 0 {
		return fmt.Errorf("MaxProcessingTime must be positive, got %s", s.MaxProcessingTime)
	}
	if s.PollingInterval <= 0 {
		return fmt.Errorf("PollingInterval must be positive, got %s", s.PollingInterval)
	}
	if s.ReadDelay < 0 {
		return fmt.Errorf("ReadDelay must not be negative, got %s", s.ReadDelay)
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must not be negative, got %s", s.ShutdownTimeout)
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be positive, got %d", s.MaxAttempts)
	}
	if s.EnableDeadLetter && s.DeadLetterMaxMessageLifetime <= 0 {
		return fmt.Errorf("DeadLetterMaxMessageLifetime must be positive, got %s", s.DeadLetterMaxMessageLifetime)
	}
	if s.MaxProcessingThreads <= 0 {
		return fmt.Errorf("MaxProcessingThreads must be positive, got %d", s.MaxProcessingThreads)
	}
	if s.MaxWriteThreads <= 0 {
		return fmt.Errorf("MaxWriteThreads must be positive, got %d", s.MaxWriteThreads)
	}
	if s.EnableDeduplication && s.DeduplicationInterval <= 0 {
		return fmt.Errorf("DeduplicationInterval must be positive, got %s", s.DeduplicationInterval)
	}
	return nil
}

// ExtensionInterval is the lease extender tick period:
// MaxProcessingTime scaled by the clamped LockExtensionThreshold.
func (s Settings) ExtensionInterval() time.Duration {
	threshold := s.LockExtensionThreshold
	if threshold < 0.1 {
		threshold = 0.1
	}
	if threshold > 0.9 {
		threshold = 0.9
	}
	return time.Duration(float64(s.MaxProcessingTime) * threshold)
}
