//go:build integration

// Integration tests for the PostgreSQL store. They require Docker and are
// run with -tags integration.
package inbox

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"go.mailroom.tech/internal/common/clock"
)

func startPostgres(ctx context.Context, t *testing.T) (*sql.DB, func()) {
	t.Helper()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailroom"),
		postgres.WithUsername("mailroom"),
		postgres.WithPassword("mailroom"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to open database: %v", err)
	}

	return db, func() {
		db.Close()
		container.Terminate(ctx)
	}
}

func TestPostgresStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	db, cleanup := startPostgres(ctx, t)
	defer cleanup()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := NewPostgresStore(db, nil, clk)

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	read := func(inboxName, workerID string, fifo bool) []*Message {
		t.Helper()
		msgs, err := store.ReadAndCapture(ctx, ReadRequest{
			InboxName:         inboxName,
			WorkerID:          workerID,
			BatchSize:         10,
			MaxProcessingTime: 30 * time.Second,
			Fifo:              fifo,
		})
		if err != nil {
			t.Fatalf("ReadAndCapture failed: %v", err)
		}
		return msgs
	}

	t.Run("write capture complete", func(t *testing.T) {
		msg := NewMessage("orders", "order.created", []byte(`{"orderId":"o-1"}`), clk.Now())
		if err := store.Write(ctx, msg, WriteOptions{}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		captured := read("orders", "w1", false)
		if len(captured) != 1 || captured[0].ID != msg.ID {
			t.Fatalf("expected the written message captured, got %+v", captured)
		}
		if string(captured[0].Payload) != `{"orderId":"o-1"}` {
			t.Errorf("unexpected payload %s", captured[0].Payload)
		}

		// Leased messages are invisible to other workers
		if again := read("orders", "w2", false); len(again) != 0 {
			t.Errorf("leased message must not be recaptured, got %d", len(again))
		}

		err := store.ApplyResults(ctx, Outcome{
			InboxName:  "orders",
			WorkerID:   "w1",
			ToComplete: []uuid.UUID{msg.ID},
		})
		if err != nil {
			t.Fatalf("ApplyResults failed: %v", err)
		}

		hm, err := store.HealthMetrics(ctx, "orders")
		if err != nil {
			t.Fatalf("HealthMetrics failed: %v", err)
		}
		if hm.PendingCount != 0 || hm.CapturedCount != 0 {
			t.Errorf("expected an empty inbox, got %+v", hm)
		}
	})

	t.Run("lease expiry recaptures", func(t *testing.T) {
		msg := NewMessage("leases", "order.created", nil, clk.Now())
		if err := store.Write(ctx, msg, WriteOptions{}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if got := read("leases", "w1", false); len(got) != 1 {
			t.Fatalf("expected 1 captured message, got %d", len(got))
		}

		clk.Advance(31 * time.Second)
		got := read("leases", "w2", false)
		if len(got) != 1 || got[0].ID != msg.ID {
			t.Fatalf("expected the expired lease recaptured, got %+v", got)
		}
		if got[0].AttemptsCount != 0 {
			t.Errorf("lease expiry must not count an attempt, got %d", got[0].AttemptsCount)
		}
	})

	t.Run("deduplication", func(t *testing.T) {
		opts := WriteOptions{Deduplicate: true, DeduplicationInterval: time.Hour}

		first := NewMessage("dedup", "order.created", nil, clk.Now())
		first.DeduplicationID = "evt-1"
		if err := store.Write(ctx, first, opts); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		repeat := NewMessage("dedup", "order.created", nil, clk.Now())
		repeat.DeduplicationID = "evt-1"
		if err := store.Write(ctx, repeat, opts); err != nil {
			t.Fatalf("duplicate write should be a silent no-op: %v", err)
		}

		if got := read("dedup", "w1", false); len(got) != 1 {
			t.Errorf("expected the duplicate suppressed, got %d messages", len(got))
		}
	})

	t.Run("fifo group exclusion", func(t *testing.T) {
		for i, group := range []string{"g1", "g1", "g2"} {
			msg := NewMessage("fifo", "job.run", []byte{byte(i)}, clk.Now())
			msg.GroupID = group
			if err := store.Write(ctx, msg, WriteOptions{}); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
		}

		first, err := store.ReadAndCapture(ctx, ReadRequest{
			InboxName:         "fifo",
			WorkerID:          "w1",
			BatchSize:         1,
			MaxProcessingTime: 30 * time.Second,
			Fifo:              true,
		})
		if err != nil || len(first) != 1 {
			t.Fatalf("expected 1 captured message, got %d (%v)", len(first), err)
		}

		// The second worker must skip the locked group
		second := read("fifo", "w2", true)
		for _, msg := range second {
			if msg.GroupID == first[0].GroupID {
				t.Errorf("group %s is locked by w1 but was captured by w2", msg.GroupID)
			}
		}

		if err := store.ReleaseGroupLocks(ctx, "fifo", "w1", []string{first[0].GroupID}); err != nil {
			t.Fatalf("ReleaseGroupLocks failed: %v", err)
		}
	})

	t.Run("dead letters", func(t *testing.T) {
		msg := NewMessage("letters", "order.created", nil, clk.Now())
		if err := store.Write(ctx, msg, WriteOptions{}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if got := read("letters", "w1", false); len(got) != 1 {
			t.Fatalf("expected 1 captured message, got %d", len(got))
		}

		err := store.ApplyResults(ctx, Outcome{
			InboxName:    "letters",
			WorkerID:     "w1",
			ToDeadLetter: []DeadLetterEntry{{ID: msg.ID, Reason: "poison payload"}},
		})
		if err != nil {
			t.Fatalf("ApplyResults failed: %v", err)
		}

		letters, err := store.ReadDeadLetters(ctx, "letters", 10)
		if err != nil {
			t.Fatalf("ReadDeadLetters failed: %v", err)
		}
		if len(letters) != 1 || letters[0].FailureReason != "poison payload" {
			t.Fatalf("unexpected dead letters %+v", letters)
		}

		clk.Advance(24 * time.Hour)
		deleted, err := store.DeleteExpiredDeadLetters(ctx, "letters", clk.Now(), 100)
		if err != nil {
			t.Fatalf("DeleteExpiredDeadLetters failed: %v", err)
		}
		if deleted != 1 {
			t.Errorf("expected 1 deleted dead letter, got %d", deleted)
		}
	})
}
