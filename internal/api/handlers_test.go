package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.mailroom.tech/internal/common/clock"
	"go.mailroom.tech/internal/common/health"
	"go.mailroom.tech/internal/inbox"
	"go.mailroom.tech/internal/worker"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) (http.Handler, *inbox.MemoryStore, *health.Checker) {
	t.Helper()
	clk := clock.NewFake(testStart)
	store := inbox.NewMemoryStore(clk)

	defs := []inbox.Definition{inbox.NewDefinition("orders", inbox.TypeDefault)}
	o, err := worker.NewOrchestrator(store, inbox.NewRegistry(), clk, defs)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}

	checker := health.NewChecker()
	router := NewRouter(checker, NewHandlers(store, o), &RouterConfig{})
	return router, store, checker
}

func doGet(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func writeTestMessage(t *testing.T, store *inbox.MemoryStore) *inbox.Message {
	t.Helper()
	msg := inbox.NewMessage("orders", "order.created", []byte(`{}`), testStart)
	if err := store.Write(context.Background(), msg, inbox.WriteOptions{}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return msg
}

func TestListInboxes(t *testing.T) {
	router, store, _ := newTestRouter(t)
	writeTestMessage(t, store)
	writeTestMessage(t, store)

	rec := doGet(t, router, "/api/inboxes")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var views []struct {
		Name    string `json:"name"`
		Type    string `json:"type"`
		State   string `json:"state"`
		Metrics *struct {
			PendingCount int64 `json:"pendingCount"`
		} `json:"metrics"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 inbox, got %d", len(views))
	}
	if views[0].Name != "orders" || views[0].Type != "DEFAULT" || views[0].State != "STOPPED" {
		t.Errorf("unexpected view %+v", views[0])
	}
	if views[0].Metrics == nil || views[0].Metrics.PendingCount != 2 {
		t.Errorf("expected 2 pending messages in the metrics, got %+v", views[0].Metrics)
	}
}

func TestGetInbox(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doGet(t, router, "/api/inboxes/orders")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var view struct {
		Name     string `json:"name"`
		WorkerID string `json:"workerId"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.Name != "orders" || view.WorkerID == "" {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestGetInboxNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doGet(t, router, "/api/inboxes/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected an error message")
	}
}

func TestGetDeadLetters(t *testing.T) {
	router, store, _ := newTestRouter(t)

	msg := writeTestMessage(t, store)
	captured, err := store.ReadAndCapture(context.Background(), inbox.ReadRequest{
		InboxName:         "orders",
		WorkerID:          "w1",
		BatchSize:         10,
		MaxProcessingTime: 30 * time.Second,
	})
	if err != nil || len(captured) != 1 {
		t.Fatalf("capture failed: %v (%d messages)", err, len(captured))
	}
	err = store.ApplyResults(context.Background(), inbox.Outcome{
		InboxName:    "orders",
		WorkerID:     "w1",
		ToDeadLetter: []inbox.DeadLetterEntry{{ID: msg.ID, Reason: "poison payload"}},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	rec := doGet(t, router, "/api/inboxes/orders/dead-letters")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var letters []struct {
		MessageType   string `json:"messageType"`
		FailureReason string `json:"failureReason"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&letters); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	if letters[0].FailureReason != "poison payload" || letters[0].MessageType != "order.created" {
		t.Errorf("unexpected dead letter %+v", letters[0])
	}
}

func TestGetDeadLettersEmpty(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doGet(t, router, "/api/inboxes/orders/dead-letters")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body == "null\n" {
		t.Error("an empty dead-letter list should encode as [], not null")
	}
}

func TestGetDeadLettersValidation(t *testing.T) {
	router, _, _ := newTestRouter(t)

	if rec := doGet(t, router, "/api/inboxes/orders/dead-letters?max=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-numeric max, got %d", rec.Code)
	}
	if rec := doGet(t, router, "/api/inboxes/orders/dead-letters?max=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-positive max, got %d", rec.Code)
	}
	if rec := doGet(t, router, "/api/inboxes/nope/dead-letters"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown inbox, got %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	router, _, checker := newTestRouter(t)

	if rec := doGet(t, router, "/q/health/live"); rec.Code != http.StatusOK {
		t.Errorf("expected live 200, got %d", rec.Code)
	}
	if rec := doGet(t, router, "/q/health/ready"); rec.Code != http.StatusOK {
		t.Errorf("expected ready 200, got %d", rec.Code)
	}

	checker.AddReadinessCheck(func() health.Check {
		return health.Check{Name: "store", Status: health.StatusDown}
	})
	if rec := doGet(t, router, "/q/health/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected ready 503 after a failing check, got %d", rec.Code)
	}
	if rec := doGet(t, router, "/q/health"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected health 503 after a failing check, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	if rec := doGet(t, router, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := doGet(t, router, "/q/metrics"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
