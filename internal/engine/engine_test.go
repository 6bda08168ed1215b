package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"pmbot/internal/broker"
	"pmbot/internal/config"
	"pmbot/internal/domain"
	"pmbot/internal/eod"
	"pmbot/internal/executor"
	"pmbot/internal/portfolio"
	"pmbot/internal/sizing"
	"pmbot/internal/validate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBroker fills every order instantly at the scripted price. Keys in
// fills are "symbol|action".
type fakeBroker struct {
	mu     sync.Mutex
	placed []domain.OrderRequest
	byID   map[string]domain.OrderRequest
	fills  map[string]float64
	quotes map[string]domain.Quote
	funds  domain.Funds
	seq    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		byID:   make(map[string]domain.OrderRequest),
		fills:  make(map[string]float64),
		quotes: make(map[string]domain.Quote),
		funds:  domain.Funds{AvailableMargin: 1_000_000},
	}
}

func key(symbol string, action domain.OrderAction) string {
	return symbol + "|" + string(action)
}

func (b *fakeBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("ord-%d", b.seq)
	b.placed = append(b.placed, req)
	b.byID[id] = req
	return id, nil
}

func (b *fakeBroker) OrderStatus(_ context.Context, orderID string) (domain.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := b.byID[orderID]
	price, ok := b.fills[key(req.Symbol, req.Action)]
	if !ok {
		price = req.Price
	}
	return domain.OrderState{OrderID: orderID, Status: domain.OrderComplete, FillPrice: price}, nil
}

func (b *fakeBroker) ModifyOrder(context.Context, string, float64, domain.OrderType) error {
	return nil
}

func (b *fakeBroker) CancelOrder(context.Context, string) error { return nil }

func (b *fakeBroker) GetQuote(_ context.Context, _ domain.Exchange, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[symbol]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

func (b *fakeBroker) GetFunds(context.Context) (domain.Funds, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.funds, nil
}

func (b *fakeBroker) GetPositions(context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}

func (b *fakeBroker) orders() []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OrderRequest(nil), b.placed...)
}

// auditStore records audit rows in memory.
type auditStore struct {
	mu     sync.Mutex
	audits []domain.SignalAudit
}

func (a *auditStore) CheckDuplicate(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func (a *auditStore) LogSignal(context.Context, string, domain.Instrument, domain.SignalKind, time.Time) error {
	return nil
}

func (a *auditStore) LogAudit(_ context.Context, row domain.SignalAudit) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audits = append(a.audits, row)
	return nil
}

func (a *auditStore) ListAuditBefore(context.Context, time.Time) ([]domain.SignalAudit, error) {
	return nil, nil
}

func (a *auditStore) DeleteAuditBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (a *auditStore) last(t *testing.T) domain.SignalAudit {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.audits) == 0 {
		t.Fatal("no audit rows written")
	}
	return a.audits[len(a.audits)-1]
}

// scriptedConfirmer answers every request with a fixed action.
type scriptedConfirmer struct {
	mu       sync.Mutex
	action   string
	requests []domain.ConfirmationRequest
}

func (c *scriptedConfirmer) Confirm(req domain.ConfirmationRequest) domain.ConfirmationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return domain.ConfirmationResult{Action: c.action, Source: domain.SourceDialog}
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPercent:      2,
		VolPercent:       10,
		MaxPortfolioRisk: 100,
		MaxPortfolioVol:  100,
		MaxPyramidLevels: 5,
		PyramidShrink:    0.5,
		InitialCapital:   1_000_000,
	}
}

func testInstruments() map[string]config.InstrumentConfig {
	return map[string]config.InstrumentConfig{
		"BANK_NIFTY": {
			LotSize:          35,
			PointValue:       1,
			MarginPerLot:     60_000,
			Exchange:         "NFO",
			SymbolRoot:       "BANKNIFTY",
			TwoLeg:           true,
			StrikeInterval:   100,
			UseMonthlyExpiry: true,
			TrailATRMult:     2.5,
			CloseTime:        "15:30",
			Timezone:         "UTC",
			MarketOpen:       "09:15",
		},
		"GOLD": {
			LotSize:      10,
			PointValue:   1,
			MarginPerLot: 50_000,
			Exchange:     "MCX",
			SymbolRoot:   "GOLDM",
			TrailATRMult: 2.0,
			CloseTime:    "23:30",
			Timezone:     "UTC",
			MarketOpen:   "09:00",
		},
	}
}

func fastPlan() executor.Plan {
	return executor.Plan{
		Offsets:         []float64{0.25},
		AttemptTimeout:  5 * time.Millisecond,
		PollInterval:    time.Millisecond,
		HardSlippagePct: 5,
		PartialStrategy: executor.PartialCancel,
		MarketConfirm:   5 * time.Millisecond,
	}
}

type testRig struct {
	engine    *Engine
	broker    *fakeBroker
	book      *portfolio.Book
	store     *auditStore
	confirmer *scriptedConfirmer
}

func newTestRig(t *testing.T, confirmer *scriptedConfirmer) *testRig {
	t.Helper()
	logger := testLogger()
	fb := newFakeBroker()
	store := &auditStore{}
	instruments := testInstruments()
	risk := testRiskConfig()

	book := portfolio.New(risk, instruments, nil, nil, logger)
	limit := executor.NewLimitExecutor(fb, fastPlan(), logger)
	synthetic := executor.NewSyntheticExecutor(fb, limit, nil, logger)
	validator := validate.New(config.ValidationConfig{
		Enabled:             true,
		MaxSignalAgeSeconds: 60,
		BaseEntryDivergence: 0.02,
		PyramidDivergence:   0.01,
	}, fb, logger)

	var conf domain.Confirmer
	if confirmer != nil {
		conf = confirmer
	}
	eng := New(Deps{
		Risk:        risk,
		Instruments: instruments,
		Validator:   validator,
		Sizer:       sizing.New(risk, logger),
		Book:        book,
		Broker:      fb,
		Dedup:       executor.NewDedup(time.Minute, nil, logger),
		Limit:       limit,
		Synthetic:   synthetic,
		Confirmer:   conf,
		Signals:     store,
		Logger:      logger,
	})
	return &testRig{engine: eng, broker: fb, book: book, store: store, confirmer: confirmer}
}

// legQuotes scripts quotes and fills for both option legs of a BANK_NIFTY
// entry at refPrice, returning the leg symbols.
func (r *testRig) legQuotes(refPrice, putFill, callFill float64) (putSym, callSym string) {
	ic := testInstruments()["BANK_NIFTY"]
	_, _, putSym, callSym = executor.Legs(ic, refPrice, time.Now())
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	r.broker.quotes[putSym] = domain.Quote{Symbol: putSym, Bid: putFill - 1, Ask: putFill + 1}
	r.broker.quotes[callSym] = domain.Quote{Symbol: callSym, Bid: callFill - 1, Ask: callFill + 1}
	r.broker.fills[key(putSym, domain.ActionSell)] = putFill
	r.broker.fills[key(callSym, domain.ActionSell)] = callFill
	r.broker.fills[key(putSym, domain.ActionBuy)] = putFill
	r.broker.fills[key(callSym, domain.ActionBuy)] = callFill
	return putSym, callSym
}

func (r *testRig) setQuote(symbol string, bid, ask float64) {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	r.broker.quotes[symbol] = domain.Quote{Symbol: symbol, Bid: bid, Ask: ask}
}

func (r *testRig) setFill(symbol string, action domain.OrderAction, price float64) {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	r.broker.fills[key(symbol, action)] = price
}

func baseEntrySignal() domain.Signal {
	return domain.Signal{
		Instrument: domain.InstrumentBankNifty,
		Kind:       domain.SignalBaseEntry,
		Position:   "Long_1",
		Timestamp:  time.Now(),
		Price:      45000,
		Stop:       44800,
		ATR:        200,
	}
}

func goldFrontSymbol() string {
	return broker.FuturesSymbol("GOLDM", broker.MonthlyExpiry(time.Now()))
}

func TestBaseEntryTwoLeg(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)
	r.setQuote("BANKNIFTY", 44990, 45010)
	putSym, callSym := r.legQuotes(45000, 120, 180)

	res := r.engine.Process(context.Background(), baseEntrySignal())
	if res.Outcome != domain.OutcomeProcessed {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}

	p, ok := r.book.BasePosition(domain.InstrumentBankNifty)
	if !ok {
		t.Fatal("no base position registered")
	}
	if p.PutSymbol != putSym || p.CallSymbol != callSym {
		t.Errorf("leg symbols = %s / %s", p.PutSymbol, p.CallSymbol)
	}
	// strike 45000 + call 180 - put 120
	if p.EntryPrice != 45060 {
		t.Errorf("entry price = %v, want 45060", p.EntryPrice)
	}
	if p.Lots != 2 || p.Quantity != 70 {
		t.Errorf("lots = %d qty = %d, want 2/70", p.Lots, p.Quantity)
	}
	if !p.IsBase || p.CurrentStop != 44800 {
		t.Errorf("position = %+v", p)
	}

	ps := r.book.PyramidState(domain.InstrumentBankNifty)
	if ps.LastPyramidPrice != 45000 {
		t.Errorf("last pyramid price = %v", ps.LastPyramidPrice)
	}

	row := r.store.last(t)
	if row.Outcome != domain.OutcomeProcessed {
		t.Errorf("audit outcome = %s", row.Outcome)
	}
	if row.Sizing == nil || row.Risk == nil || row.Execution == nil || row.Validation == nil {
		t.Error("audit row missing stage records")
	}
	if row.Sizing != nil && row.Sizing.FinalLots != 2 {
		t.Errorf("sized lots = %d, want 2", row.Sizing.FinalLots)
	}
}

func TestBaseEntryRejectedWhenBaseExists(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)
	r.setQuote("BANKNIFTY", 44990, 45010)
	r.legQuotes(45000, 120, 180)

	ctx := context.Background()
	if res := r.engine.Process(ctx, baseEntrySignal()); res.Outcome != domain.OutcomeProcessed {
		t.Fatalf("first entry outcome = %s (%s)", res.Outcome, res.Reason)
	}

	s := baseEntrySignal()
	s.Timestamp = time.Now() // distinct fingerprint
	res := r.engine.Process(ctx, s)
	if res.Outcome != domain.OutcomeRejectedValidation || res.Reason != "base_position_exists" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestStaleSignalRejected(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)

	s := baseEntrySignal()
	s.Timestamp = time.Now().Add(-2 * time.Minute)
	res := r.engine.Process(context.Background(), s)
	if res.Outcome != domain.OutcomeRejectedValidation || res.Reason != "signal_stale" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(r.broker.orders()) != 0 {
		t.Error("orders placed for a rejected signal")
	}
}

func TestDivergenceEscalatesToConfirmer(t *testing.T) {
	t.Parallel()
	conf := &scriptedConfirmer{action: "Reject"}
	r := newTestRig(t, conf)
	// Live 46500 vs signal 45000: 3.3% divergence, above the 2% threshold.
	r.setQuote("BANKNIFTY", 46490, 46510)

	res := r.engine.Process(context.Background(), baseEntrySignal())
	if res.Outcome != domain.OutcomeRejectedManual {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if !strings.Contains(res.Reason, "excessive_divergence") {
		t.Errorf("reason = %q", res.Reason)
	}
	if len(r.broker.orders()) != 0 {
		t.Error("orders placed after operator rejection")
	}

	conf.mu.Lock()
	defer conf.mu.Unlock()
	if len(conf.requests) != 1 {
		t.Fatalf("confirmer called %d times", len(conf.requests))
	}
	req := conf.requests[0]
	if req.DefaultOption != "Reject" || len(req.Options) != 2 || req.Options[0] != "Execute Anyway" {
		t.Errorf("request = %+v", req)
	}
}

func TestDivergenceOverrideExecutes(t *testing.T) {
	t.Parallel()
	conf := &scriptedConfirmer{action: "Execute Anyway"}
	r := newTestRig(t, conf)
	r.setQuote("BANKNIFTY", 46490, 46510)
	r.legQuotes(45000, 120, 180)

	res := r.engine.Process(context.Background(), baseEntrySignal())
	if res.Outcome != domain.OutcomeProcessed {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if len(r.broker.orders()) == 0 {
		t.Error("override approved but no orders placed")
	}
}

func TestPyramidRequiresBase(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)

	s := baseEntrySignal()
	s.Kind = domain.SignalPyramid
	s.Position = "Long_2"
	res := r.engine.Process(context.Background(), s)
	if res.Outcome != domain.OutcomeRejectedValidation || res.Reason != "no_base_position" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestPyramidInsufficientAdvance(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)
	r.setQuote("BANKNIFTY", 44990, 45010)
	r.legQuotes(45000, 120, 180)
	ctx := context.Background()
	if res := r.engine.Process(ctx, baseEntrySignal()); res.Outcome != domain.OutcomeProcessed {
		t.Fatalf("base entry outcome = %s (%s)", res.Outcome, res.Reason)
	}

	// Advance since the base is 100, under the 200-point ATR.
	s := domain.Signal{
		Instrument: domain.InstrumentBankNifty,
		Kind:       domain.SignalPyramid,
		Position:   "Long_2",
		Timestamp:  time.Now(),
		Price:      45100,
		Stop:       44900,
		ATR:        200,
	}
	res := r.engine.Process(ctx, s)
	if res.Outcome != domain.OutcomeRejectedValidation || res.Reason != "insufficient_price_advance" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestPyramidAdds(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)
	r.setQuote("BANKNIFTY", 44990, 45010)
	r.legQuotes(45000, 120, 180)
	ctx := context.Background()
	if res := r.engine.Process(ctx, baseEntrySignal()); res.Outcome != domain.OutcomeProcessed {
		t.Fatalf("base entry outcome = %s (%s)", res.Outcome, res.Reason)
	}

	r.setQuote("BANKNIFTY", 45390, 45410)
	r.legQuotes(45400, 110, 160)
	s := domain.Signal{
		Instrument: domain.InstrumentBankNifty,
		Kind:       domain.SignalPyramid,
		Position:   "Long_2",
		Timestamp:  time.Now(),
		Price:      45400,
		Stop:       45200,
		ATR:        200,
	}
	res := r.engine.Process(ctx, s)
	if res.Outcome != domain.OutcomeProcessed {
		t.Fatalf("pyramid outcome = %s (%s)", res.Outcome, res.Reason)
	}

	if n := r.book.OpenCount(domain.InstrumentBankNifty); n != 2 {
		t.Fatalf("open count = %d, want 2", n)
	}
	add, ok := r.book.Position(domain.PositionID(domain.InstrumentBankNifty, "Long_2"))
	if !ok {
		t.Fatal("pyramid position not registered")
	}
	if add.IsBase {
		t.Error("pyramid position marked base")
	}
	// The shrink factor halves the 2-lot risk sizing at level 1.
	if add.Lots != 1 {
		t.Errorf("pyramid lots = %d, want 1", add.Lots)
	}
	if ps := r.book.PyramidState(domain.InstrumentBankNifty); ps.LastPyramidPrice != 45400 {
		t.Errorf("last pyramid price = %v", ps.LastPyramidPrice)
	}
}

func seedGoldPosition(t *testing.T, r *testRig, label string, entry float64) domain.Position {
	t.Helper()
	p := domain.Position{
		Instrument:   domain.InstrumentGold,
		Label:        label,
		EntryTime:    time.Now(),
		EntryPrice:   entry,
		Lots:         1,
		Quantity:     10,
		InitialStop:  entry - 500,
		CurrentStop:  entry - 500,
		HighestClose: entry,
		IsBase:       label == "Long_1",
		Expiry:       broker.MonthlyExpiry(time.Now()),
		Rollover:     domain.RolloverNone,
	}
	saved, err := r.book.AddPosition(context.Background(), p, 2000)
	if err != nil {
		t.Fatal(err)
	}
	return saved
}

func TestExitAllClosesEveryPosition(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)
	seedGoldPosition(t, r, "Long_1", 62000)
	seedGoldPosition(t, r, "Long_2", 62500)

	sym := goldFrontSymbol()
	r.setQuote(sym, 62990, 63010)
	r.setFill(sym, domain.ActionSell, 63000)

	s := domain.Signal{
		Instrument: domain.InstrumentGold,
		Kind:       domain.SignalExit,
		Position:   domain.PositionAll,
		Timestamp:  time.Now(),
		Price:      63000,
		Reason:     "supertrend_flip",
	}
	res := r.engine.Process(context.Background(), s)
	if res.Outcome != domain.OutcomeProcessed || res.Reason != "closed_2" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if n := r.book.OpenCount(domain.InstrumentGold); n != 0 {
		t.Errorf("open count = %d after EXIT ALL", n)
	}

	var sells int
	for _, ord := range r.broker.orders() {
		if ord.Symbol == sym && ord.Action == domain.ActionSell {
			sells++
		}
	}
	if sells != 2 {
		t.Errorf("sell orders = %d, want 2", sells)
	}

	// (63000-62000)*10 + (63000-62500)*10 on top of initial capital.
	equity, _ := r.book.Equity()
	if equity != 1_015_000 {
		t.Errorf("closed equity = %v, want 1015000", equity)
	}
}

func TestExitSkipsClosingPosition(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)
	p1 := seedGoldPosition(t, r, "Long_1", 62000)
	seedGoldPosition(t, r, "Long_2", 62500)

	// Long_1 already has an exit in flight.
	if err := r.book.MarkClosing(context.Background(), p1.ID); err != nil {
		t.Fatal(err)
	}

	sym := goldFrontSymbol()
	r.setQuote(sym, 62990, 63010)
	r.setFill(sym, domain.ActionSell, 63000)

	s := domain.Signal{
		Instrument: domain.InstrumentGold,
		Kind:       domain.SignalExit,
		Position:   domain.PositionAll,
		Timestamp:  time.Now(),
		Price:      63000,
		Reason:     "supertrend_flip",
	}
	res := r.engine.Process(context.Background(), s)
	if res.Outcome != domain.OutcomeProcessed || res.Reason != "closed_1" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}

	var sells int
	for _, ord := range r.broker.orders() {
		if ord.Action == domain.ActionSell {
			sells++
		}
	}
	if sells != 1 {
		t.Errorf("sell orders = %d, want 1 (Long_1 must not get a second exit)", sells)
	}
}

func TestExitUnknownPositionRejected(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)

	s := domain.Signal{
		Instrument: domain.InstrumentGold,
		Kind:       domain.SignalExit,
		Position:   "Long_3",
		Timestamp:  time.Now(),
		Price:      63000,
		Reason:     "manual",
	}
	res := r.engine.Process(context.Background(), s)
	if res.Outcome != domain.OutcomeRejectedValidation || res.Reason != "position_not_found" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestMarketDataTrailsThenStopsOut(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)
	p := seedGoldPosition(t, r, "Long_1", 62000) // stop 61500

	ctx := context.Background()
	tick := domain.Signal{
		Instrument: domain.InstrumentGold,
		Kind:       domain.SignalMarketData,
		Position:   "Long_1",
		Timestamp:  time.Now(),
		Price:      63000,
		ATR:        200,
	}
	res := r.engine.Process(ctx, tick)
	if res.Outcome != domain.OutcomeProcessed || res.Reason != "trailed_1_stopped_0" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	// 63000 - 2.0*200
	got, _ := r.book.Position(p.ID)
	if got.CurrentStop != 62600 {
		t.Fatalf("trailed stop = %v, want 62600", got.CurrentStop)
	}

	sym := goldFrontSymbol()
	r.setQuote(sym, 62490, 62510)
	r.setFill(sym, domain.ActionSell, 62500)

	tick.Price = 62500
	tick.Timestamp = time.Now()
	res = r.engine.Process(ctx, tick)
	if res.Outcome != domain.OutcomeProcessed || res.Reason != "trailed_0_stopped_1" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
	if n := r.book.OpenCount(domain.InstrumentGold); n != 0 {
		t.Errorf("open count = %d after stop hit", n)
	}
}

func TestEODPhasesExecuteAndSkipReplay(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)

	sym := goldFrontSymbol()
	r.setQuote(sym, 61990, 62010)
	r.setFill(sym, domain.ActionBuy, 62000)

	ctx := context.Background()
	scout := domain.Signal{
		Instrument: domain.InstrumentGold,
		Kind:       domain.SignalEODMonitor,
		Position:   "Long_1",
		Timestamp:  time.Now(),
		Price:      62000,
		Stop:       61700,
		ATR:        300,
		// Scout claims a position exists; the empty book must win.
		InPosition:   true,
		PyramidCount: 2,
	}
	res := r.engine.Process(ctx, scout)
	if res.Outcome != domain.OutcomeProcessed || res.Reason != "eod_monitor_recorded" {
		t.Fatalf("scout outcome = %s (%s)", res.Outcome, res.Reason)
	}

	closeAt := time.Now().Add(45 * time.Second)
	if err := r.engine.RunPhase(ctx, "GOLD", eod.PhaseConditionCheck, closeAt); err != nil {
		t.Fatal(err)
	}
	if err := r.engine.RunPhase(ctx, "GOLD", eod.PhaseExecution, closeAt); err != nil {
		t.Fatal(err)
	}

	p, ok := r.book.BasePosition(domain.InstrumentGold)
	if !ok {
		t.Fatal("EOD execution did not open the base position")
	}
	if p.EntryPrice != 62000 || p.Label != "Long_1" {
		t.Errorf("position = %+v", p)
	}

	row := r.store.last(t)
	if row.Reason != "eod" || row.Outcome != domain.OutcomeProcessed {
		t.Errorf("audit reason = %q outcome = %s", row.Reason, row.Outcome)
	}

	if err := r.engine.RunPhase(ctx, "GOLD", eod.PhaseTracking, closeAt); err != nil {
		t.Fatal(err)
	}

	// The bar-close replay carries the same timestamp and price.
	replay := domain.Signal{
		Instrument: domain.InstrumentGold,
		Kind:       domain.SignalBaseEntry,
		Position:   "Long_1",
		Timestamp:  scout.Timestamp,
		Price:      scout.Price,
		Stop:       scout.Stop,
		ATR:        scout.ATR,
	}
	res = r.engine.Process(ctx, replay)
	if res.Outcome != domain.OutcomeSkipped || res.Reason != "already_executed_at_eod" {
		t.Fatalf("replay outcome = %s (%s)", res.Outcome, res.Reason)
	}
}

func TestEODNoScoutIsNoOp(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)
	ctx := context.Background()
	closeAt := time.Now().Add(45 * time.Second)

	for _, phase := range []eod.Phase{eod.PhaseConditionCheck, eod.PhaseExecution, eod.PhaseTracking} {
		if err := r.engine.RunPhase(ctx, "GOLD", phase, closeAt); err != nil {
			t.Fatalf("phase %s: %v", phase, err)
		}
	}
	if len(r.broker.orders()) != 0 {
		t.Error("orders placed without a scout signal")
	}
}

func TestUnknownInstrumentRejected(t *testing.T) {
	t.Parallel()
	r := newTestRig(t, nil)

	s := baseEntrySignal()
	s.Instrument = "CRUDE"
	res := r.engine.Process(context.Background(), s)
	if res.Outcome != domain.OutcomeRejectedValidation || res.Reason != "unknown_instrument" {
		t.Fatalf("outcome = %s (%s)", res.Outcome, res.Reason)
	}
}
