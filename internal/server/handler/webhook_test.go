package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"pmbot/internal/domain"
	"pmbot/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeProcessor struct {
	mu      sync.Mutex
	result  engine.Result
	signals []domain.Signal
}

func (f *fakeProcessor) Process(_ context.Context, s domain.Signal) engine.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
	return f.result
}

// fakeLeader answers IsLeader from a script, one entry per call; the last
// entry repeats.
type fakeLeader struct {
	mu     sync.Mutex
	script []bool
	calls  int
}

func (f *fakeLeader) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	return f.script[i]
}

func (f *fakeLeader) InstanceID() string { return "inst-1" }

type fakeDeduper struct {
	duplicate bool
	eod       bool
}

func (f *fakeDeduper) IsDuplicate(context.Context, domain.Signal) (bool, error) {
	return f.duplicate, nil
}

func (f *fakeDeduper) WasExecutedAtEOD(domain.Signal) bool { return f.eod }

func validBody(secret string) string {
	return fmt.Sprintf(`{
		"secret": %q,
		"instrument": "BANK_NIFTY",
		"signal_type": "BASE_ENTRY",
		"position": "Long_1",
		"timestamp": %q,
		"price": 45000,
		"stop": 44800,
		"atr": 200
	}`, secret, time.Now().UTC().Format(time.RFC3339))
}

func post(t *testing.T, h *WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Handle(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func newHandler(p *fakeProcessor, leader *fakeLeader, dedup *fakeDeduper, secret string) *WebhookHandler {
	if p == nil {
		p = &fakeProcessor{result: engine.Result{Outcome: domain.OutcomeProcessed}}
	}
	if leader == nil {
		leader = &fakeLeader{script: []bool{true}}
	}
	if dedup == nil {
		dedup = &fakeDeduper{}
	}
	return NewWebhookHandler(p, leader, dedup, secret, testLogger())
}

func TestWebhookInvalidJSON(t *testing.T) {
	t.Parallel()
	h := newHandler(nil, nil, nil, "")

	w := post(t, h, "{not json")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["error_type"] != "invalid_json" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhookInvalidSecret(t *testing.T) {
	t.Parallel()
	h := newHandler(nil, nil, nil, "s3cret")

	w := post(t, h, validBody("wrong"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["error_type"] != "invalid_secret" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhookStructuralValidation(t *testing.T) {
	t.Parallel()
	h := newHandler(nil, nil, nil, "")

	cases := []struct {
		name   string
		body   string
		reason string
	}{
		{"missing instrument", `{"signal_type":"BASE_ENTRY","position":"Long_1","timestamp":1700000000,"price":45000}`, "missing_instrument"},
		{"bad kind", `{"instrument":"BANK_NIFTY","signal_type":"HOLD","position":"Long_1","timestamp":1700000000}`, "invalid_signal_type"},
		{"bad label", `{"instrument":"BANK_NIFTY","signal_type":"BASE_ENTRY","position":"Long_9","timestamp":1700000000}`, "invalid_position"},
		{"no timestamp", `{"instrument":"BANK_NIFTY","signal_type":"BASE_ENTRY","position":"Long_1"}`, "missing_timestamp"},
	}
	for _, c := range cases {
		w := post(t, h, c.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", c.name, w.Code)
			continue
		}
		if body := decodeBody(t, w); body["error_type"] != c.reason {
			t.Errorf("%s: error_type = %q, want %q", c.name, body["error_type"], c.reason)
		}
	}
}

func TestWebhookExitAllAccepted(t *testing.T) {
	t.Parallel()
	p := &fakeProcessor{result: engine.Result{Outcome: domain.OutcomeProcessed}}
	h := newHandler(p, nil, nil, "")

	body := fmt.Sprintf(`{
		"instrument": "GOLD",
		"signal_type": "EXIT",
		"position": "ALL",
		"timestamp": %q,
		"price": 62000,
		"reason": "supertrend_flip"
	}`, time.Now().UTC().Format(time.RFC3339))
	if w := post(t, h, body); w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestWebhookNotLeader(t *testing.T) {
	t.Parallel()
	h := newHandler(nil, &fakeLeader{script: []bool{false}}, nil, "")

	w := post(t, h, validBody(""))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "not_leader" || body["error_type"] != "not_leader" || body["instance_id"] != "inst-1" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhookDuplicateIgnored(t *testing.T) {
	t.Parallel()
	p := &fakeProcessor{result: engine.Result{Outcome: domain.OutcomeProcessed}}
	h := newHandler(p, nil, &fakeDeduper{duplicate: true}, "")

	w := post(t, h, validBody(""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ignored" || body["error_type"] != "duplicate" {
		t.Errorf("body = %v", body)
	}
	if len(p.signals) != 0 {
		t.Error("duplicate reached the engine")
	}
}

func TestWebhookEODConsumedPassesThrough(t *testing.T) {
	t.Parallel()
	// The fingerprint was consumed at the pre-close; the ordinary duplicate
	// path is skipped and the engine answers with its own skip reason.
	p := &fakeProcessor{result: engine.Result{Outcome: domain.OutcomeSkipped, Reason: "already_executed_at_eod"}}
	h := newHandler(p, nil, &fakeDeduper{duplicate: true, eod: true}, "")

	w := post(t, h, validBody(""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "processed" || body["outcome"] != string(domain.OutcomeSkipped) {
		t.Errorf("body = %v", body)
	}
	if len(p.signals) != 1 {
		t.Errorf("engine calls = %d, want 1", len(p.signals))
	}
}

func TestWebhookLostLeadershipBetweenChecks(t *testing.T) {
	t.Parallel()
	p := &fakeProcessor{result: engine.Result{Outcome: domain.OutcomeProcessed}}
	h := newHandler(p, &fakeLeader{script: []bool{true, false}}, nil, "")

	w := post(t, h, validBody(""))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "lost_leadership" || body["error_type"] != "lost_leadership" {
		t.Errorf("body = %v", body)
	}
	if len(p.signals) != 0 {
		t.Error("signal dispatched after demotion")
	}
}

func TestWebhookProcessed(t *testing.T) {
	t.Parallel()
	p := &fakeProcessor{result: engine.Result{Outcome: domain.OutcomeProcessed}}
	h := newHandler(p, nil, nil, "s3cret")

	w := post(t, h, validBody("s3cret"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "processed" || body["outcome"] != string(domain.OutcomeProcessed) {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["request_id"]; !ok {
		t.Error("request_id missing from response body")
	}
	if len(p.signals) != 1 || p.signals[0].Instrument != domain.InstrumentBankNifty {
		t.Errorf("signals = %+v", p.signals)
	}
}

func TestWebhookFailedOrderIsBusinessOutcome(t *testing.T) {
	t.Parallel()
	p := &fakeProcessor{result: engine.Result{Outcome: domain.OutcomeFailedOrder, Reason: "market_fallback_failed"}}
	h := newHandler(p, nil, nil, "")

	// A broker rejection is a disposition of the signal, not a server fault.
	w := post(t, h, validBody(""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "processed" || body["outcome"] != string(domain.OutcomeFailedOrder) {
		t.Errorf("body = %v", body)
	}
	if body["reason"] != "market_fallback_failed" {
		t.Errorf("reason = %q", body["reason"])
	}
}

func TestWebhookStats(t *testing.T) {
	t.Parallel()
	h := newHandler(nil, &fakeLeader{script: []bool{false}}, nil, "")

	post(t, h, validBody(""))
	post(t, h, "{broken")

	req := httptest.NewRequest(http.MethodGet, "/webhook/stats", nil)
	w := httptest.NewRecorder()
	h.Stats(w, req)

	var stats map[string]int64
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats["received"] != 2 || stats["rejected_not_leader"] != 1 || stats["invalid"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}
