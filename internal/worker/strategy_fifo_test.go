package worker

import (
	"context"
	"sort"
	"sync"
	"testing"

	"go.mailroom.tech/internal/inbox"
)

func TestFifoStrategySequentialWithinGroup(t *testing.T) {
	registry := inbox.NewRegistry()
	var mu sync.Mutex
	var processed []string
	registerRaw(t, registry, "job.run", func(ctx context.Context, payload []byte) inbox.Result {
		mu.Lock()
		processed = append(processed, string(payload))
		mu.Unlock()
		return inbox.Success()
	})

	msgs := []*inbox.Message{newMsg("job.run", "g1"), newMsg("job.run", "g1"), newMsg("job.run", "g1")}
	for i, payload := range []string{"first", "second", "third"} {
		msgs[i].Payload = []byte(payload)
	}

	locks := &fakeLocks{}
	pc := NewProcContext("jobs", "w1", testSettings(), msgs)
	s := &FifoStrategy{registry: registry, settings: testSettings(), locks: locks}
	s.Process(context.Background(), pc)

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 3 || processed[0] != "first" || processed[1] != "second" || processed[2] != "third" {
		t.Errorf("expected in-order processing, got %v", processed)
	}
	if got := len(pc.Outcome().ToComplete); got != 3 {
		t.Errorf("expected 3 completions, got %d", got)
	}
	if released := locks.releasedGroups(); len(released) != 1 || released[0] != "g1" {
		t.Errorf("expected the group lock released once, got %v", released)
	}
}

func TestFifoStrategyAbortsGroupOnFailure(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRaw(t, registry, "job.run", func(ctx context.Context, payload []byte) inbox.Result {
		if string(payload) == "boom" {
			return inbox.Failed()
		}
		return inbox.Success()
	})

	msgs := []*inbox.Message{newMsg("job.run", "g1"), newMsg("job.run", "g1"), newMsg("job.run", "g1")}
	msgs[1].Payload = []byte("boom")

	locks := &fakeLocks{}
	pc := NewProcContext("jobs", "w1", testSettings(), msgs)
	s := &FifoStrategy{registry: registry, settings: testSettings(), locks: locks}
	s.Process(context.Background(), pc)

	outcome := pc.Outcome()
	if !containsID(outcome.ToComplete, msgs[0].ID) {
		t.Error("the message before the failure should complete")
	}
	if !containsID(outcome.ToFail, msgs[1].ID) {
		t.Error("the failing message should count an attempt")
	}
	if !containsID(outcome.ToRelease, msgs[2].ID) {
		t.Error("the message behind the failure should be released untouched")
	}
	if released := locks.releasedGroups(); len(released) != 1 {
		t.Errorf("the group lock should be released even on failure, got %v", released)
	}
}

func TestFifoStrategyDeadLetterDoesNotAbortGroup(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRaw(t, registry, "job.run", func(ctx context.Context, payload []byte) inbox.Result {
		return inbox.Success()
	})

	msgs := []*inbox.Message{newMsg("job.run", "g1"), newMsg("mystery", "g1"), newMsg("job.run", "g1")}

	pc := NewProcContext("jobs", "w1", testSettings(), msgs)
	s := &FifoStrategy{registry: registry, settings: testSettings(), locks: &fakeLocks{}}
	s.Process(context.Background(), pc)

	outcome := pc.Outcome()
	if _, ok := deadLetterReason(outcome.ToDeadLetter, msgs[1].ID); !ok {
		t.Error("the unresolvable message should be dead-lettered")
	}
	if !containsID(outcome.ToComplete, msgs[0].ID) || !containsID(outcome.ToComplete, msgs[2].ID) {
		t.Error("dead-lettering must not block the rest of the group")
	}
}

func TestFifoStrategyGroupsAreIndependent(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRaw(t, registry, "job.run", func(ctx context.Context, payload []byte) inbox.Result {
		if string(payload) == "boom" {
			return inbox.Failed()
		}
		return inbox.Success()
	})

	msgs := []*inbox.Message{
		newMsg("job.run", "g1"),
		newMsg("job.run", "g2"),
		newMsg("job.run", "g1"),
		newMsg("job.run", "g2"),
	}
	msgs[0].Payload = []byte("boom")

	locks := &fakeLocks{}
	pc := NewProcContext("jobs", "w1", testSettings(), msgs)
	s := &FifoStrategy{registry: registry, settings: testSettings(), locks: locks}
	s.Process(context.Background(), pc)

	outcome := pc.Outcome()
	if !containsID(outcome.ToFail, msgs[0].ID) || !containsID(outcome.ToRelease, msgs[2].ID) {
		t.Error("g1 should abort after its failure")
	}
	if !containsID(outcome.ToComplete, msgs[1].ID) || !containsID(outcome.ToComplete, msgs[3].ID) {
		t.Error("g2 should be unaffected by g1's failure")
	}

	released := locks.releasedGroups()
	sort.Strings(released)
	if len(released) != 2 || released[0] != "g1" || released[1] != "g2" {
		t.Errorf("expected both group locks released, got %v", released)
	}
}

func TestSplitRuns(t *testing.T) {
	group := []*inbox.Message{
		newMsg("a", "g1"),
		newMsg("a", "g1"),
		newMsg("b", "g1"),
		newMsg("b", "g1"),
		newMsg("a", "g1"),
	}

	runs := splitRuns(group)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if len(runs[0]) != 2 || runs[0][0].MessageType != "a" {
		t.Errorf("unexpected first run %v", runs[0])
	}
	if len(runs[1]) != 2 || runs[1][0].MessageType != "b" {
		t.Errorf("unexpected second run %v", runs[1])
	}
	if len(runs[2]) != 1 || runs[2][0].MessageType != "a" {
		t.Errorf("unexpected third run %v", runs[2])
	}

	if got := splitRuns(nil); got != nil {
		t.Errorf("expected no runs for an empty group, got %v", got)
	}
}

func TestFifoBatchedStrategyDispatchesRuns(t *testing.T) {
	registry := inbox.NewRegistry()
	var mu sync.Mutex
	var runSizes []int
	for _, messageType := range []string{"a", "b"} {
		registerRawBatch(t, registry, messageType, func(ctx context.Context, payloads [][]byte) inbox.Result {
			mu.Lock()
			runSizes = append(runSizes, len(payloads))
			mu.Unlock()
			return inbox.Success()
		})
	}

	msgs := []*inbox.Message{
		newMsg("a", "g1"),
		newMsg("a", "g1"),
		newMsg("b", "g1"),
		newMsg("b", "g1"),
		newMsg("a", "g1"),
	}

	locks := &fakeLocks{}
	pc := NewProcContext("jobs", "w1", testSettings(), msgs)
	s := &FifoBatchedStrategy{registry: registry, settings: testSettings(), locks: locks}
	s.Process(context.Background(), pc)

	mu.Lock()
	defer mu.Unlock()
	if len(runSizes) != 3 || runSizes[0] != 2 || runSizes[1] != 2 || runSizes[2] != 1 {
		t.Errorf("expected run sizes [2 2 1], got %v", runSizes)
	}
	if got := len(pc.Outcome().ToComplete); got != 5 {
		t.Errorf("expected all 5 messages completed, got %d", got)
	}
	if released := locks.releasedGroups(); len(released) != 1 || released[0] != "g1" {
		t.Errorf("expected the group lock released once, got %v", released)
	}
}

func TestFifoBatchedStrategyAbortsLaterRuns(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRawBatch(t, registry, "a", func(ctx context.Context, payloads [][]byte) inbox.Result {
		return inbox.Success()
	})
	registerRawBatch(t, registry, "b", func(ctx context.Context, payloads [][]byte) inbox.Result {
		return inbox.Failed()
	})

	msgs := []*inbox.Message{
		newMsg("a", "g1"),
		newMsg("b", "g1"),
		newMsg("b", "g1"),
		newMsg("a", "g1"),
		newMsg("a", "g1"),
	}

	pc := NewProcContext("jobs", "w1", testSettings(), msgs)
	s := &FifoBatchedStrategy{registry: registry, settings: testSettings(), locks: &fakeLocks{}}
	s.Process(context.Background(), pc)

	outcome := pc.Outcome()
	if !containsID(outcome.ToComplete, msgs[0].ID) {
		t.Error("the run before the failure should complete")
	}
	if !containsID(outcome.ToFail, msgs[1].ID) || !containsID(outcome.ToFail, msgs[2].ID) {
		t.Error("the failing run's verdict should cover the whole run")
	}
	if !containsID(outcome.ToRelease, msgs[3].ID) || !containsID(outcome.ToRelease, msgs[4].ID) {
		t.Error("runs behind the failure should be released untouched")
	}
}

func TestFifoBatchedStrategyFullyDeadLetteredRunContinues(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRawBatch(t, registry, "a", func(ctx context.Context, payloads [][]byte) inbox.Result {
		return inbox.Success()
	})

	msgs := []*inbox.Message{
		newMsg("mystery", "g1"),
		newMsg("a", "g1"),
	}

	pc := NewProcContext("jobs", "w1", testSettings(), msgs)
	s := &FifoBatchedStrategy{registry: registry, settings: testSettings(), locks: &fakeLocks{}}
	s.Process(context.Background(), pc)

	outcome := pc.Outcome()
	if _, ok := deadLetterReason(outcome.ToDeadLetter, msgs[0].ID); !ok {
		t.Error("the unresolvable run should be dead-lettered")
	}
	if !containsID(outcome.ToComplete, msgs[1].ID) {
		t.Error("a fully dead-lettered run must not block the group")
	}
}

func TestFifoBatchedStrategySingleHandlerFallback(t *testing.T) {
	registry := inbox.NewRegistry()
	registerRaw(t, registry, "a", func(ctx context.Context, payload []byte) inbox.Result {
		if string(payload) == "boom" {
			return inbox.Failed()
		}
		return inbox.Success()
	})

	msgs := []*inbox.Message{
		newMsg("a", "g1"),
		newMsg("a", "g1"),
		newMsg("a", "g1"),
	}
	msgs[1].Payload = []byte("boom")

	pc := NewProcContext("jobs", "w1", testSettings(), msgs)
	s := &FifoBatchedStrategy{registry: registry, settings: testSettings(), locks: &fakeLocks{}}
	s.Process(context.Background(), pc)

	outcome := pc.Outcome()
	if !containsID(outcome.ToComplete, msgs[0].ID) {
		t.Error("the message before the failure should complete")
	}
	if !containsID(outcome.ToFail, msgs[1].ID) {
		t.Error("the failing message should count an attempt")
	}
	if !containsID(outcome.ToRelease, msgs[2].ID) {
		t.Error("the message behind the failure should be released untouched")
	}
}
