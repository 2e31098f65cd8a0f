package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mailroom.tech/internal/inbox"
)

// fakeLocks records group lock releases
type fakeLocks struct {
	mu       sync.Mutex
	released []string
	err      error
}

func (f *fakeLocks) ReleaseGroupLocks(ctx context.Context, inboxName, workerID string, groupIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, groupIDs...)
	return f.err
}

func (f *fakeLocks) releasedGroups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func registerRaw(t *testing.T, r *inbox.Registry, messageType string, handler func(ctx context.Context, payload []byte) inbox.Result) {
	t.Helper()
	if err := inbox.Register(r, messageType, nil, handler); err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}
}

func registerRawBatch(t *testing.T, r *inbox.Registry, messageType string, handler func(ctx context.Context, payloads [][]byte) inbox.Result) {
	t.Helper()
	if err := inbox.RegisterBatch(r, messageType, nil, handler); err != nil {
		t.Fatalf("failed to register batch handler: %v", err)
	}
}

func TestStrategyFor(t *testing.T) {
	registry := inbox.NewRegistry()
	settings := testSettings()
	locks := &fakeLocks{}

	cases := []struct {
		typ      inbox.Type
		locks    groupLockReleaser
		wantName string
		wantErr  bool
	}{
		{inbox.TypeDefault, nil, "default", false},
		{inbox.TypeBatched, nil, "batched", false},
		{inbox.TypeFifo, locks, "fifo", false},
		{inbox.TypeFifoBatched, locks, "fifo-batched", false},
		{inbox.TypeFifo, nil, "", true},
		{inbox.TypeFifoBatched, nil, "", true},
		{inbox.Type("BOGUS"), nil, "", true},
	}

	for _, tc := range cases {
		s, err := strategyFor(tc.typ, registry, settings, tc.locks)
		if tc.wantErr {
			if err == nil {
				t.Errorf("strategyFor(%s): expected error", tc.typ)
			}
			continue
		}
		if err != nil {
			t.Errorf("strategyFor(%s): unexpected error %v", tc.typ, err)
			continue
		}
		if s.Name() != tc.wantName {
			t.Errorf("strategyFor(%s) = %s, expected %s", tc.typ, s.Name(), tc.wantName)
		}
	}
}

func TestDefaultStrategyClassifiesIndependently(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRaw(t, registry, "order.created", func(ctx context.Context, payload []byte) inbox.Result {
		switch string(payload) {
		case "ok":
			return inbox.Success()
		case "retry":
			return inbox.Retry()
		default:
			return inbox.Failed()
		}
	})

	msgs := []*inbox.Message{newMsg("order.created", ""), newMsg("order.created", ""), newMsg("order.created", "")}
	msgs[0].Payload = []byte("ok")
	msgs[1].Payload = []byte("retry")
	msgs[2].Payload = []byte("boom")

	pc := NewProcContext("orders", "w1", testSettings(), msgs)
	s := &DefaultStrategy{registry: registry, settings: testSettings()}
	s.Process(context.Background(), pc)

	outcome := pc.Outcome()
	if !containsID(outcome.ToComplete, msgs[0].ID) {
		t.Error("expected the first message completed")
	}
	if !containsID(outcome.ToRelease, msgs[1].ID) {
		t.Error("expected the second message released")
	}
	if !containsID(outcome.ToFail, msgs[2].ID) {
		t.Error("expected the third message failed")
	}
}

func TestDefaultStrategyDeadLettersUnknownType(t *testing.T) {
	msg := newMsg("mystery", "")
	pc := NewProcContext("orders", "w1", testSettings(), []*inbox.Message{msg})

	s := &DefaultStrategy{registry: inbox.NewRegistry(), settings: testSettings()}
	s.Process(context.Background(), pc)

	reason, ok := deadLetterReason(pc.Outcome().ToDeadLetter, msg.ID)
	if !ok {
		t.Fatal("unregistered types should dead-letter")
	}
	if !strings.Contains(reason, "no handler registered") {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestDefaultStrategyDeadLettersUndecodablePayload(t *testing.T) {
	registry := inbox.NewRegistry()
	if err := inbox.RegisterJSON(registry, "order.created", func(ctx context.Context, msg struct{ ID string }) inbox.Result {
		return inbox.Success()
	}); err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}

	msg := newMsg("order.created", "")
	msg.Payload = []byte("not json")
	pc := NewProcContext("orders", "w1", testSettings(), []*inbox.Message{msg})

	s := &DefaultStrategy{registry: registry, settings: testSettings()}
	s.Process(context.Background(), pc)

	reason, ok := deadLetterReason(pc.Outcome().ToDeadLetter, msg.ID)
	if !ok {
		t.Fatal("undecodable payloads should dead-letter")
	}
	if !strings.Contains(reason, "payload decode failed") {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestDefaultStrategyPanicCountsAsFailedAttempt(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRaw(t, registry, "order.created", func(ctx context.Context, payload []byte) inbox.Result {
		panic("handler bug")
	})

	msg := newMsg("order.created", "")
	pc := NewProcContext("orders", "w1", testSettings(), []*inbox.Message{msg})

	s := &DefaultStrategy{registry: registry, settings: testSettings()}
	s.Process(context.Background(), pc)

	if !containsID(pc.Outcome().ToFail, msg.ID) {
		t.Error("a panicking handler should count as a failed attempt")
	}
}

func TestDefaultStrategyTimeoutCountsAsFailedAttempt(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRaw(t, registry, "order.created", func(ctx context.Context, payload []byte) inbox.Result {
		<-ctx.Done()
		return inbox.Success()
	})

	settings := testSettings()
	settings.MaxProcessingTime = 10 * time.Millisecond

	msg := newMsg("order.created", "")
	pc := NewProcContext("orders", "w1", settings, []*inbox.Message{msg})

	s := &DefaultStrategy{registry: registry, settings: settings}
	s.Process(context.Background(), pc)

	if !containsID(pc.Outcome().ToFail, msg.ID) {
		t.Error("a timed-out handler should count as a failed attempt")
	}
}

func TestBatchedStrategyGroupsByMessageType(t *testing.T) {
	registry := inbox.NewRegistry()
	var mu sync.Mutex
	sizes := map[string]int{}
	for _, messageType := range []string{"order.created", "order.shipped"} {
		messageType := messageType
		registerRawBatch(t, registry, messageType, func(ctx context.Context, payloads [][]byte) inbox.Result {
			mu.Lock()
			sizes[messageType] = len(payloads)
			mu.Unlock()
			return inbox.Success()
		})
	}

	msgs := []*inbox.Message{
		newMsg("order.created", ""),
		newMsg("order.shipped", ""),
		newMsg("order.created", ""),
		newMsg("order.created", ""),
		newMsg("order.shipped", ""),
	}
	pc := NewProcContext("orders", "w1", testSettings(), msgs)

	s := &BatchedStrategy{registry: registry, settings: testSettings()}
	s.Process(context.Background(), pc)

	mu.Lock()
	defer mu.Unlock()
	if sizes["order.created"] != 3 || sizes["order.shipped"] != 2 {
		t.Errorf("expected group sizes 3 and 2, got %v", sizes)
	}
	if got := len(pc.Outcome().ToComplete); got != 5 {
		t.Errorf("expected all 5 messages completed, got %d", got)
	}
}

func TestBatchedStrategyOneVerdictPerGroup(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRawBatch(t, registry, "order.created", func(ctx context.Context, payloads [][]byte) inbox.Result {
		return inbox.Failed()
	})
	registerRawBatch(t, registry, "order.shipped", func(ctx context.Context, payloads [][]byte) inbox.Result {
		return inbox.Success()
	})

	msgs := []*inbox.Message{
		newMsg("order.created", ""),
		newMsg("order.created", ""),
		newMsg("order.shipped", ""),
	}
	pc := NewProcContext("orders", "w1", testSettings(), msgs)

	s := &BatchedStrategy{registry: registry, settings: testSettings()}
	s.Process(context.Background(), pc)

	outcome := pc.Outcome()
	if !containsID(outcome.ToFail, msgs[0].ID) || !containsID(outcome.ToFail, msgs[1].ID) {
		t.Error("the failing group's verdict should cover both messages")
	}
	if !containsID(outcome.ToComplete, msgs[2].ID) {
		t.Error("the succeeding group should complete")
	}
}

func TestBatchedStrategySingleHandlerFallback(t *testing.T) {
	registry := inbox.NewRegistry()
	var calls int
	var mu sync.Mutex
	registerRaw(t, registry, "order.created", func(ctx context.Context, payload []byte) inbox.Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return inbox.Success()
	})

	msgs := []*inbox.Message{newMsg("order.created", ""), newMsg("order.created", ""), newMsg("order.created", "")}
	pc := NewProcContext("orders", "w1", testSettings(), msgs)

	s := &BatchedStrategy{registry: registry, settings: testSettings()}
	s.Process(context.Background(), pc)

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("a single-message handler should be invoked per message, got %d calls", calls)
	}
	if got := len(pc.Outcome().ToComplete); got != 3 {
		t.Errorf("expected 3 completions, got %d", got)
	}
}

func TestBatchedStrategyExcludesUndecodable(t *testing.T) {
	registry := inbox.NewRegistry()
	var mu sync.Mutex
	var seen int
	if err := inbox.RegisterJSONBatch(registry, "order.created", func(ctx context.Context, msgs []struct{ ID string }) inbox.Result {
		mu.Lock()
		seen = len(msgs)
		mu.Unlock()
		return inbox.Success()
	}); err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}

	msgs := []*inbox.Message{newMsg("order.created", ""), newMsg("order.created", ""), newMsg("order.created", "")}
	msgs[1].Payload = []byte("not json")
	pc := NewProcContext("orders", "w1", testSettings(), msgs)

	s := &BatchedStrategy{registry: registry, settings: testSettings()}
	s.Process(context.Background(), pc)

	mu.Lock()
	defer mu.Unlock()
	if seen != 2 {
		t.Errorf("expected the handler to see 2 messages, got %d", seen)
	}
	outcome := pc.Outcome()
	if _, ok := deadLetterReason(outcome.ToDeadLetter, msgs[1].ID); !ok {
		t.Error("the undecodable message should be dead-lettered individually")
	}
	if len(outcome.ToComplete) != 2 {
		t.Errorf("expected 2 completions, got %d", len(outcome.ToComplete))
	}
}

func TestGroupByGroupID(t *testing.T) {
	msgs := []*inbox.Message{
		newMsg("a", "g2"),
		newMsg("a", "g1"),
		newMsg("a", "g2"),
		newMsg("a", "g1"),
	}

	order, groups := groupByGroupID(msgs)
	if len(order) != 2 || order[0] != "g2" || order[1] != "g1" {
		t.Errorf("expected first-appearance order [g2 g1], got %v", order)
	}
	if len(groups["g2"]) != 2 || groups["g2"][0] != msgs[0] || groups["g2"][1] != msgs[2] {
		t.Error("storage order within g2 should be preserved")
	}
	if len(groups["g1"]) != 2 || groups["g1"][0] != msgs[1] || groups["g1"][1] != msgs[3] {
		t.Error("storage order within g1 should be preserved")
	}
}
