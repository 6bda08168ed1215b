package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"pmbot/internal/config"
	"pmbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.BrokerConfig{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		Product:        "NRML",
		TimeoutSeconds: 2,
		QuoteTimeout:   1,
		QuoteRetries:   3,
	}, testLogger())
}

func TestPlaceOrder(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /placeorder", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["apikey"] != "test-key" {
			t.Errorf("apikey = %v", body["apikey"])
		}
		if body["symbol"] != "BANKNIFTY26AUG2645000PE" {
			t.Errorf("symbol = %v", body["symbol"])
		}
		if body["product"] != "NRML" {
			t.Errorf("product default not applied: %v", body["product"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success", "orderid": "ord-1"})
	})

	c := newTestClient(t, mux)
	id, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol:   "BANKNIFTY26AUG2645000PE",
		Action:   domain.ActionSell,
		Quantity: 35,
		Type:     domain.OrderTypeLimit,
		Exchange: domain.ExchangeNFO,
		Price:    412.5,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if id != "ord-1" {
		t.Errorf("order id = %q", id)
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /placeorder", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "insufficient margin"})
	})

	c := newTestClient(t, mux)
	if _, err := c.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "X"}); err == nil {
		t.Fatal("expected rejection error")
	}
}

func TestOrderStatus(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orderstatus", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"orderid":     "ord-1",
				"status":      "COMPLETE",
				"fill_price":  412.75,
				"filled_lots": 1,
			},
		})
	})

	c := newTestClient(t, mux)
	st, err := c.OrderStatus(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("order status: %v", err)
	}
	if st.Status != domain.OrderComplete {
		t.Errorf("status = %s", st.Status)
	}
	if !st.Status.Terminal() {
		t.Error("COMPLETE must be terminal")
	}
	if st.FillPrice != 412.75 {
		t.Errorf("fill price = %v", st.FillPrice)
	}
}

func TestGetQuoteRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /quotes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]float64{"bid": 412.0, "ask": 413.0},
		})
	})

	c := newTestClient(t, mux)
	// Disable resty's own 5xx retry so the attempts we count are the quote
	// loop's.
	c.http.SetRetryCount(0)

	q, err := c.GetQuote(context.Background(), domain.ExchangeNFO, "BANKNIFTY26AUG2645000PE")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Mid() != 412.5 {
		t.Errorf("mid = %v", q.Mid())
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("quote attempts = %d, want 3", got)
	}
}

func TestGetQuoteTotalFailure(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /quotes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
	})

	c := newTestClient(t, mux)
	c.http.SetRetryCount(0)

	if _, err := c.GetQuote(context.Background(), domain.ExchangeNFO, "X"); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}

func TestGetQuoteRetriesBeyondBackoffSchedule(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /quotes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	// More retries than backoff steps; the extra attempts reuse the last
	// backoff instead of running off the end of the schedule.
	c := NewClient(config.BrokerConfig{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		QuoteTimeout: 1,
		QuoteRetries: 4,
	}, testLogger())
	c.http.SetRetryCount(0)

	if _, err := c.GetQuote(context.Background(), domain.ExchangeNFO, "X"); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("quote attempts = %d, want 4", got)
	}
}

func TestGetQuoteLTPFallback(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /quotes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]float64{"ltp": 410.0},
		})
	})

	c := newTestClient(t, mux)
	q, err := c.GetQuote(context.Background(), domain.ExchangeNFO, "X")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Bid != 410 || q.Ask != 410 {
		t.Errorf("ltp fallback quote = %+v", q)
	}
}

func TestGetPositions(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /positionbook", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": []map[string]any{
				{"symbol": "BANKNIFTY26AUG2645000PE", "quantity": -35, "exchange": "NFO"},
				{"symbol": "BANKNIFTY26AUG2645000CE", "quantity": 35, "exchange": "NFO"},
			},
		})
	})

	c := newTestClient(t, mux)
	positions, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(positions))
	}
	if positions[0].Quantity != -35 || positions[0].Exchange != domain.ExchangeNFO {
		t.Errorf("first position = %+v", positions[0])
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cancelorder", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	})

	c := newTestClient(t, mux)
	if err := c.CancelOrder(context.Background(), "ord-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}
