package handler

import (
	"log/slog"
	"net/http"
	"time"

	"pmbot/internal/coord"
	"pmbot/internal/domain"
	"pmbot/internal/portfolio"
)

// StatusHandler serves the operational view: coordinator state, portfolio
// summary, and open positions.
type StatusHandler struct {
	coordinator *coord.Coordinator
	book        *portfolio.Book
	startedAt   time.Time
	logger      *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(c *coord.Coordinator, book *portfolio.Book, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		coordinator: c,
		book:        book,
		startedAt:   startedAt,
		logger:      logger,
	}
}

// Status reports this instance's role and the portfolio summary.
// GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	equity, high := h.book.Equity()
	risk, vol := h.book.Exposure()

	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id":    h.coordinator.InstanceID(),
		"is_leader":      h.coordinator.IsLeader(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"coordinator":    h.coordinator.Metrics().Snapshot(time.Now().UTC()),
		"portfolio": map[string]any{
			"open_positions": h.book.OpenCount(domain.Instrument("")),
			"closed_equity":  equity,
			"equity_high":    high,
			"open_risk":      risk,
			"open_vol":       vol,
		},
	})
}

// Coordinator reports election state and the health metrics snapshot,
// including any active alerts.
// GET /api/coordinator
func (h *StatusHandler) Coordinator(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_id": h.coordinator.InstanceID(),
		"is_leader":   h.coordinator.IsLeader(),
		"metrics":     h.coordinator.Metrics().Snapshot(time.Now().UTC()),
	})
}

// Positions lists the open position book.
// GET /api/positions
func (h *StatusHandler) Positions(w http.ResponseWriter, r *http.Request) {
	open := h.book.OpenPositions(domain.Instrument(""))
	out := make([]map[string]any, 0, len(open))
	for _, p := range open {
		row := map[string]any{
			"id":           p.ID,
			"instrument":   p.Instrument,
			"label":        p.Label,
			"status":       p.Status,
			"entry_time":   p.EntryTime,
			"entry_price":  p.EntryPrice,
			"lots":         p.Lots,
			"quantity":     p.Quantity,
			"current_stop": p.CurrentStop,
			"is_base":      p.IsBase,
			"rollover":     p.Rollover,
		}
		if p.TwoLeg() {
			row["put_symbol"] = p.PutSymbol
			row["call_symbol"] = p.CallSymbol
			row["strike"] = p.Strike
		}
		if !p.Expiry.IsZero() {
			row["expiry"] = p.Expiry.Format("2006-01-02")
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out, "count": len(out)})
}
