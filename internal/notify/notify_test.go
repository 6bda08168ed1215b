package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"pmbot/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubSender struct {
	mu     sync.Mutex
	name   string
	titles []string
	err    error
}

func (s *stubSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.titles = append(s.titles, title)
	return nil
}

func (s *stubSender) Name() string { return s.name }

func TestNotifyFiltersEvents(t *testing.T) {
	t.Parallel()
	sender := &stubSender{name: "stub"}
	n := NewNotifier([]Sender{sender}, []string{"rollback_failed"}, testLogger())
	ctx := context.Background()

	if err := n.Notify(ctx, "rollover_flat", "skip me", "x"); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(ctx, "rollback_failed", "deliver me", "x"); err != nil {
		t.Fatal(err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.titles) != 1 || sender.titles[0] != "deliver me" {
		t.Errorf("delivered = %v", sender.titles)
	}
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	t.Parallel()
	sender := &stubSender{name: "stub"}
	n := NewNotifier([]Sender{sender}, []string{"rollback_failed"}, testLogger())

	if err := n.NotifyAll(context.Background(), "critical", "x"); err != nil {
		t.Fatal(err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.titles) != 1 {
		t.Errorf("delivered = %v", sender.titles)
	}
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	t.Parallel()
	bad := &stubSender{name: "bad", err: errors.New("boom")}
	good := &stubSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.Notify(context.Background(), "any", "title", "body")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("err = %v", err)
	}

	good.mu.Lock()
	defer good.mu.Unlock()
	if len(good.titles) != 1 {
		t.Error("healthy sender skipped after a failure")
	}
}

func TestTelegramSenderPayload(t *testing.T) {
	t.Parallel()
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottok123/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok123", "chat9").WithBaseURL(srv.URL)
	if err := s.Send(context.Background(), "Partial rollover", "account flat"); err != nil {
		t.Fatal(err)
	}
	if got["chat_id"] != "chat9" {
		t.Errorf("chat_id = %s", got["chat_id"])
	}
	if !strings.HasPrefix(got["text"], "*Partial rollover*\n") {
		t.Errorf("text = %q", got["text"])
	}
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad webhook", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	err := s.Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("err = %v", err)
	}
}

func TestFromConfigChannelSelection(t *testing.T) {
	t.Parallel()
	n := FromConfig(config.NotifyConfig{
		TelegramToken:  "tok",
		TelegramChatID: "chat",
	}, testLogger())
	if len(n.senders) != 1 || n.senders[0].Name() != "telegram" {
		t.Errorf("senders = %d", len(n.senders))
	}

	empty := FromConfig(config.NotifyConfig{}, testLogger())
	if len(empty.senders) != 0 {
		t.Error("unconfigured channels created senders")
	}
	// Log-only notifier still succeeds.
	if err := empty.NotifyAll(context.Background(), "t", "m"); err != nil {
		t.Fatal(err)
	}
}
