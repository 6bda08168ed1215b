package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pmbot/internal/domain"
	"pmbot/internal/engine"
	"pmbot/internal/server/middleware"
)

const maxWebhookBody = 64 << 10

// Processor runs a parsed signal through the trading pipeline.
type Processor interface {
	Process(ctx context.Context, s domain.Signal) engine.Result
}

// Leadership answers whether this process may act on signals.
type Leadership interface {
	IsLeader() bool
	InstanceID() string
}

// Deduper is the fingerprint gate consulted before dispatch.
type Deduper interface {
	IsDuplicate(ctx context.Context, s domain.Signal) (bool, error)
	WasExecutedAtEOD(s domain.Signal) bool
}

// webhookStats are the ingress counters served on /webhook/stats.
type webhookStats struct {
	mu         sync.Mutex
	Received   int64 `json:"received"`
	Processed  int64 `json:"processed"`
	Duplicates int64 `json:"duplicates"`
	NotLeader  int64 `json:"rejected_not_leader"`
	Invalid    int64 `json:"invalid"`
	Failed     int64 `json:"failed"`
}

// webhookPayload is the charting-platform alert body. The secret travels in
// the payload because alert webhooks cannot set custom headers.
type webhookPayload struct {
	Secret       string   `json:"secret"`
	Instrument   string   `json:"instrument"`
	SignalType   string   `json:"signal_type"`
	Position     string   `json:"position"`
	Timestamp    flexTime `json:"timestamp"`
	Price        float64  `json:"price"`
	Stop         float64  `json:"stop"`
	Lots         int      `json:"lots"`
	ATR          float64  `json:"atr"`
	ER           float64  `json:"er"`
	Supertrend   float64  `json:"supertrend"`
	Reason       string   `json:"reason"`
	InPosition   bool     `json:"in_position"`
	PyramidCount int      `json:"pyramid_count"`
}

// flexTime accepts RFC3339 strings or epoch seconds; charting platforms send
// both depending on the alert template.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' {
		parsed, err := time.Parse(time.RFC3339, s[1:len(s)-1])
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	epoch, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	t.Time = time.Unix(epoch, 0).UTC()
	return nil
}

// WebhookHandler is the signal ingress. The dispatch order is fixed: parse,
// authenticate, structural checks, leadership, dedup, leadership re-check,
// engine.
type WebhookHandler struct {
	processor Processor
	leader    Leadership
	dedup     Deduper
	secret    string
	logger    *slog.Logger
	stats     webhookStats
}

// NewWebhookHandler creates the ingress handler. secret may be empty to
// disable payload authentication.
func NewWebhookHandler(p Processor, leader Leadership, dedup Deduper, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		processor: p,
		leader:    leader,
		dedup:     dedup,
		secret:    secret,
		logger:    logger.With(slog.String("component", "webhook")),
	}
}

// Handle accepts one signal.
// POST /webhook
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	h.bump(&h.stats.Received)
	requestID := middleware.GetRequestID(r.Context())

	var payload webhookPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err := dec.Decode(&payload); err != nil {
		h.bump(&h.stats.Invalid)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":     "error",
			"error_type": "invalid_json",
			"request_id": requestID,
		})
		return
	}

	if h.secret != "" && payload.Secret != h.secret {
		h.bump(&h.stats.Invalid)
		writeJSON(w, http.StatusForbidden, map[string]string{
			"status":     "error",
			"error_type": "invalid_secret",
			"request_id": requestID,
		})
		return
	}

	s, reason := buildSignal(payload)
	if reason != "" {
		h.bump(&h.stats.Invalid)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":     "error",
			"error_type": reason,
			"request_id": requestID,
		})
		return
	}

	if !h.leader.IsLeader() {
		h.bump(&h.stats.NotLeader)
		writeJSON(w, http.StatusForbidden, map[string]string{
			"status":      "not_leader",
			"error_type":  "not_leader",
			"instance_id": h.leader.InstanceID(),
			"request_id":  requestID,
		})
		return
	}

	// Signals consumed early by the pre-close path skip the ordinary duplicate
	// response; the engine answers those with their own skip reason.
	if !h.dedup.WasExecutedAtEOD(s) {
		dup, err := h.dedup.IsDuplicate(r.Context(), s)
		if err != nil {
			h.logger.Warn("dedup check errored", slog.String("error", err.Error()))
		}
		if dup {
			h.bump(&h.stats.Duplicates)
			writeJSON(w, http.StatusOK, map[string]string{
				"status":      "ignored",
				"error_type":  "duplicate",
				"fingerprint": s.Fingerprint(),
				"request_id":  requestID,
			})
			return
		}
	}

	// Leadership can lapse between the first check and the dedup round trip;
	// a demoted instance must not dispatch.
	if !h.leader.IsLeader() {
		h.bump(&h.stats.NotLeader)
		writeJSON(w, http.StatusForbidden, map[string]string{
			"status":      "lost_leadership",
			"error_type":  "lost_leadership",
			"instance_id": h.leader.InstanceID(),
			"request_id":  requestID,
		})
		return
	}

	res := h.processor.Process(r.Context(), s)

	h.logger.Info("signal dispatched",
		slog.String("request_id", requestID),
		slog.String("fingerprint", s.Fingerprint()),
		slog.String("kind", string(s.Kind)),
		slog.String("outcome", string(res.Outcome)),
	)

	// Every engine disposition, including a failed order, is a business
	// outcome: the request itself succeeded, so the answer is 200 and the
	// outcome field carries the disposition. 500 stays reserved for faults
	// in the server itself.
	if res.Outcome == domain.OutcomeFailedOrder {
		h.bump(&h.stats.Failed)
	} else {
		h.bump(&h.stats.Processed)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "processed",
		"outcome":     string(res.Outcome),
		"reason":      res.Reason,
		"fingerprint": s.Fingerprint(),
		"request_id":  requestID,
	})
}

// Stats serves the ingress counters.
// GET /webhook/stats
func (h *WebhookHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	h.stats.mu.Lock()
	snapshot := map[string]int64{
		"received":            h.stats.Received,
		"processed":           h.stats.Processed,
		"duplicates":          h.stats.Duplicates,
		"rejected_not_leader": h.stats.NotLeader,
		"invalid":             h.stats.Invalid,
		"failed":              h.stats.Failed,
	}
	h.stats.mu.Unlock()
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *WebhookHandler) bump(counter *int64) {
	h.stats.mu.Lock()
	*counter++
	h.stats.mu.Unlock()
}

// buildSignal converts the payload into a domain signal, returning a
// rejection reason for structurally invalid input. Semantic checks (price
// sanity, staleness) belong to the validator, not the ingress.
func buildSignal(p webhookPayload) (domain.Signal, string) {
	if p.Instrument == "" {
		return domain.Signal{}, "missing_instrument"
	}
	kind := domain.SignalKind(p.SignalType)
	if !kind.Valid() {
		return domain.Signal{}, "invalid_signal_type"
	}
	if p.Timestamp.IsZero() {
		return domain.Signal{}, "missing_timestamp"
	}

	switch kind {
	case domain.SignalBaseEntry, domain.SignalPyramid:
		if !domain.ValidPositionLabel(p.Position, false) {
			return domain.Signal{}, "invalid_position"
		}
	case domain.SignalExit:
		if !domain.ValidPositionLabel(p.Position, true) {
			return domain.Signal{}, "invalid_position"
		}
	}

	return domain.Signal{
		Instrument:    domain.Instrument(p.Instrument),
		Kind:          kind,
		Position:      p.Position,
		Timestamp:     p.Timestamp.Time,
		Price:         p.Price,
		Stop:          p.Stop,
		SuggestedLots: p.Lots,
		ATR:           p.ATR,
		ER:            p.ER,
		Supertrend:    p.Supertrend,
		Reason:        p.Reason,
		InPosition:    p.InPosition,
		PyramidCount:  p.PyramidCount,
	}, ""
}
