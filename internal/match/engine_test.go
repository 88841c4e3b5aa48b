package match_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/feed"
	"github.com/crickx/trading-engine/internal/ledger"
	"github.com/crickx/trading-engine/internal/match"
	"github.com/crickx/trading-engine/internal/model"
	"github.com/crickx/trading-engine/internal/portfolio"
	"github.com/crickx/trading-engine/internal/pricing"
	"github.com/crickx/trading-engine/internal/settle"
	"github.com/crickx/trading-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	st      store.Store
	eng     *match.Engine
	pf      *portfolio.Service
	company *ledger.Company
}

// flakyStore fails selected operations a fixed number of times, then
// behaves like the wrapped store. Simulates transient backend outages.
type flakyStore struct {
	*store.MemoryStore
	failByAsset  int
	failByMatch  int
	failPutState int
	failGetState int
}

func (f *flakyStore) OpenHoldingsByAsset(ctx context.Context, matchID, assetID string) ([]model.Holding, error) {
	if f.failByAsset > 0 {
		f.failByAsset--
		return nil, store.ErrUnavailable
	}
	return f.MemoryStore.OpenHoldingsByAsset(ctx, matchID, assetID)
}

func (f *flakyStore) OpenHoldingsByMatch(ctx context.Context, matchID string) ([]model.Holding, error) {
	if f.failByMatch > 0 {
		f.failByMatch--
		return nil, store.ErrUnavailable
	}
	return f.MemoryStore.OpenHoldingsByMatch(ctx, matchID)
}

func (f *flakyStore) PutMatchState(ctx context.Context, st *model.MatchState) error {
	if f.failPutState > 0 {
		f.failPutState--
		return store.ErrUnavailable
	}
	return f.MemoryStore.PutMatchState(ctx, st)
}

func (f *flakyStore) GetMatchState(ctx context.Context, matchID string) (*model.MatchState, error) {
	if f.failGetState > 0 {
		f.failGetState--
		return nil, store.ErrUnavailable
	}
	return f.MemoryStore.GetMatchState(ctx, matchID)
}

// newEnv wires the full ingestion pipeline over an in-memory store.
func newEnv(t *testing.T) *env {
	return newEnvWith(t, store.NewMemoryStore())
}

func newEnvWith(t *testing.T, st store.Store) *env {
	t.Helper()
	company, err := ledger.Load(context.Background(), st)
	if err != nil {
		t.Fatalf("failed to load company ledger: %v", err)
	}
	pricer, err := pricing.NewEngine(pricing.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to build pricing engine: %v", err)
	}
	pf := portfolio.NewService(st, pricer, company, nil)
	settler := settle.NewEngine(st, pf, pricer)
	eng := match.NewEngine(st, pricer, feed.NewDedupeCache(time.Hour), settler, nil)
	return &env{st: st, eng: eng, pf: pf, company: company}
}

func (e *env) seedUser(t *testing.T, id string, cash float64) {
	t.Helper()
	err := e.st.PutUser(context.Background(), &model.User{
		ID: id, Balance: d(cash), CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

func (e *env) process(t *testing.T, raw string) {
	t.Helper()
	if err := e.eng.ProcessFeedMessage(context.Background(), []byte(raw)); err != nil {
		t.Fatalf("process failed: %v", err)
	}
}

func ballEvent(eventID string, over, ball, runs int) string {
	return fmt.Sprintf(`{
		"type": "ball", "match_id": "m1", "event_id": %q,
		"over": %d, "ball": %d, "runs": %d,
		"batsman": {"id": "p1", "position": 1},
		"batting_team": "teamA", "bowling_team": "teamB",
		"timestamp_ms": 1700000000000
	}`, eventID, over, ball, runs)
}

func TestBallEvent_UpdatesTeamAndPlayerPrices(t *testing.T) {
	e := newEnv(t)

	// Boundary off the first ball: team 50 + 4×0.8, top-order batsman
	// 30 + 2.
	e.process(t, ballEvent("e1", 1, 1, 4))

	state, err := e.st.GetMatchState(context.Background(), "m1")
	if err != nil {
		t.Fatalf("match state missing: %v", err)
	}
	if !state.TeamPrices["teamA"].Equal(d(53.2)) {
		t.Errorf("expected teamA price 53.2, got %s", state.TeamPrices["teamA"])
	}
	if !state.PlayerPrices["p1"].Equal(d(32)) {
		t.Errorf("expected p1 price 32, got %s", state.PlayerPrices["p1"])
	}
}

func TestDuplicateEvent_AppliedExactlyOnce(t *testing.T) {
	e := newEnv(t)

	raw := ballEvent("e1", 1, 1, 4)
	e.process(t, raw)
	e.process(t, raw) // provider redelivery

	state, _ := e.st.GetMatchState(context.Background(), "m1")
	if !state.TeamPrices["teamA"].Equal(d(53.2)) {
		t.Errorf("duplicate must not move the price twice, got %s", state.TeamPrices["teamA"])
	}
	line := state.BattingLines["p1"]
	if line == nil || line.Fours != 1 {
		t.Errorf("duplicate must not double-count the boundary, got %+v", line)
	}
}

func TestMalformedMessage_DroppedWithoutError(t *testing.T) {
	e := newEnv(t)

	if err := e.eng.ProcessFeedMessage(context.Background(), []byte(`{"type":"ball"}`)); err != nil {
		t.Fatalf("malformed message must not propagate an error, got %v", err)
	}
	if err := e.eng.ProcessFeedMessage(context.Background(), []byte(`not json`)); err != nil {
		t.Fatalf("unparseable message must not propagate an error, got %v", err)
	}
	if _, err := e.st.GetMatchState(context.Background(), "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("malformed messages must not create match state")
	}
}

func TestWicket_AutoSellsEveryHolderOnce(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	e.seedUser(t, "u2", 1000)
	ctx := context.Background()

	// Both users hold p1 at avg 20.
	if _, err := e.pf.Buy(ctx, "u1", "m1", "p1", model.AssetPlayer, d(10), d(20)); err != nil {
		t.Fatalf("buy u1: %v", err)
	}
	if _, err := e.pf.Buy(ctx, "u2", "m1", "p1", model.AssetPlayer, d(5), d(20)); err != nil {
		t.Fatalf("buy u2: %v", err)
	}

	wicket := `{
		"type": "wicket", "match_id": "m1", "event_id": "w1",
		"over": 5, "ball": 2,
		"dismissal": {"player_out": "p1", "how": "bowled"},
		"batting_team": "teamA", "bowling_team": "teamB",
		"timestamp_ms": 1700000000000
	}`
	e.process(t, wicket)
	e.process(t, wicket) // redelivery must not settle again

	// Forced sell at half the average cost, reason recorded.
	for _, userID := range []string{"u1", "u2"} {
		if _, err := e.st.GetOpenHolding(ctx, userID, "m1", "p1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s should have no open p1 holding after dismissal", userID)
		}
		closed, _ := e.st.ListHoldings(ctx, userID, store.HoldingFilter{Status: model.HoldingClosed})
		if len(closed) != 1 {
			t.Fatalf("%s: expected one closed holding, got %d", userID, len(closed))
		}
		h := closed[0]
		if !h.SoldPrice.Equal(d(10)) {
			t.Errorf("%s: expected forced price 10, got %s", userID, h.SoldPrice)
		}
		if h.CloseReason != model.ReasonPlayerOut {
			t.Errorf("%s: unexpected close reason %q", userID, h.CloseReason)
		}
	}

	// u1: (10−20)×10 = −100, u2: (10−20)×5 = −50.
	snap := e.company.Snapshot()
	if !snap.FromLosses.Equal(d(150)) {
		t.Errorf("expected absorbed losses 150, got %s", snap.FromLosses)
	}
	// Forced-sell fees are tracked separately from trade fees.
	if !snap.FromAutoSell.Equal(d(10)) {
		t.Errorf("expected auto-sell fees 10, got %s", snap.FromAutoSell)
	}

	state, _ := e.st.GetMatchState(ctx, "m1")
	if !state.TeamPrices["teamB"].Equal(d(53)) {
		t.Errorf("expected bowling side boost to 53, got %s", state.TeamPrices["teamB"])
	}
}

func TestTerminalStatus_SettlesMatchOnce(t *testing.T) {
	e := newEnv(t)
	e.seedUser(t, "u1", 1000)
	ctx := context.Background()

	if _, err := e.pf.Buy(ctx, "u1", "m1", "teamA", model.AssetTeam, d(2), d(50)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	// Run up teamA's price before the result comes in.
	e.process(t, ballEvent("e1", 1, 1, 6)) // 50 → 54.8

	e.process(t, `{
		"type": "status_change", "match_id": "m1", "event_id": "s1",
		"status": "teamA won by 5 wickets", "timestamp_ms": 1700000100000
	}`)

	state, _ := e.st.GetMatchState(ctx, "m1")
	if !state.Settled {
		t.Fatal("terminal status must mark the match settled")
	}

	closed, _ := e.st.ListHoldings(ctx, "u1", store.HoldingFilter{Status: model.HoldingClosed})
	if len(closed) != 1 {
		t.Fatalf("expected one settled holding, got %d", len(closed))
	}
	h := closed[0]
	if h.CloseReason != model.ReasonMatchEnd {
		t.Errorf("unexpected close reason %q", h.CloseReason)
	}
	if !h.SoldPrice.Equal(d(54.8)) {
		t.Errorf("settlement should use the last known price 54.8, got %s", h.SoldPrice)
	}

	// Post-settlement events are no-ops.
	e.process(t, ballEvent("e2", 20, 1, 6))
	state, _ = e.st.GetMatchState(ctx, "m1")
	if !state.TeamPrices["teamA"].Equal(d(54.8)) {
		t.Errorf("settled match must freeze prices, got %s", state.TeamPrices["teamA"])
	}
}

func TestInterimStatus_DoesNotSettle(t *testing.T) {
	e := newEnv(t)

	e.process(t, `{
		"type": "status_change", "match_id": "m1", "event_id": "s1",
		"status": "Rain delay", "timestamp_ms": 1700000000000
	}`)

	state, _ := e.st.GetMatchState(context.Background(), "m1")
	if state.Settled {
		t.Error("interim status must not settle the match")
	}
	if state.Status != "Rain delay" {
		t.Errorf("status text should be recorded, got %q", state.Status)
	}
}

func TestHandlePrices(t *testing.T) {
	e := newEnv(t)
	e.process(t, ballEvent("e1", 1, 1, 4))

	r := chi.NewRouter()
	r.Get("/api/v1/matches/{matchID}/prices", e.eng.HandlePrices)

	req := httptest.NewRequest("GET", "/api/v1/matches/m1/prices", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var state model.MatchState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !state.TeamPrices["teamA"].Equal(d(53.2)) {
		t.Errorf("expected teamA 53.2 in response, got %s", state.TeamPrices["teamA"])
	}

	req = httptest.NewRequest("GET", "/api/v1/matches/nope/prices", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 404 {
		t.Fatalf("expected 404 for unknown match, got %d", w.Code)
	}
}

func TestWicket_SweepResumesAfterStoreOutage(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failByAsset: 1}
	e := newEnvWith(t, fs)
	e.seedUser(t, "u1", 1000)
	ctx := context.Background()

	if _, err := e.pf.Buy(ctx, "u1", "m1", "p1", model.AssetPlayer, d(10), d(20)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	wicket := `{
		"type": "wicket", "match_id": "m1", "event_id": "w1",
		"over": 5, "ball": 2,
		"dismissal": {"player_out": "p1", "how": "bowled"},
		"batting_team": "teamA", "bowling_team": "teamB",
		"timestamp_ms": 1700000000000
	}`

	// The store blips during the dismissal sweep: the holding survives
	// but the outstanding work is recorded, not lost.
	e.process(t, wicket)
	if _, err := e.st.GetOpenHolding(ctx, "u1", "m1", "p1"); err != nil {
		t.Fatalf("holding should still be open after the failed sweep: %v", err)
	}
	state, _ := e.st.GetMatchState(ctx, "m1")
	if len(state.PendingDismissals) != 1 || state.PendingDismissals[0] != "p1" {
		t.Fatalf("expected p1 recorded as pending, got %v", state.PendingDismissals)
	}

	// Provider redelivery drives the retry.
	e.process(t, wicket)

	if _, err := e.st.GetOpenHolding(ctx, "u1", "m1", "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("holding should be force-sold once the store recovers")
	}
	closed, _ := e.st.ListHoldings(ctx, "u1", store.HoldingFilter{Status: model.HoldingClosed})
	if len(closed) != 1 {
		t.Fatalf("expected exactly one closed holding, got %d", len(closed))
	}
	if !closed[0].SoldPrice.Equal(d(10)) || closed[0].CloseReason != model.ReasonPlayerOut {
		t.Errorf("unexpected forced sell %s/%q", closed[0].SoldPrice, closed[0].CloseReason)
	}

	state, _ = e.st.GetMatchState(ctx, "m1")
	if len(state.PendingDismissals) != 0 {
		t.Errorf("pending list should drain, got %v", state.PendingDismissals)
	}
	// The wicket's price boost must not have applied twice.
	if !state.TeamPrices["teamB"].Equal(d(53)) {
		t.Errorf("expected single boost to 53, got %s", state.TeamPrices["teamB"])
	}
}

func TestTerminalStatus_SettlementResumesAfterStoreOutage(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failByMatch: 1}
	e := newEnvWith(t, fs)
	e.seedUser(t, "u1", 1000)
	ctx := context.Background()

	if _, err := e.pf.Buy(ctx, "u1", "m1", "teamA", model.AssetTeam, d(2), d(50)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	e.process(t, ballEvent("e1", 1, 1, 6)) // 50 → 54.8

	status := `{
		"type": "status_change", "match_id": "m1", "event_id": "s1",
		"status": "teamA won by 5 wickets", "timestamp_ms": 1700000100000
	}`

	// The sweep fails: the match must not report settled, or the open
	// holdings would be stranded forever.
	e.process(t, status)
	state, _ := e.st.GetMatchState(ctx, "m1")
	if state.Settled {
		t.Fatal("settled flag must not commit before the sweep completes")
	}

	// Redelivered status retries and completes the settlement.
	e.process(t, status)
	state, _ = e.st.GetMatchState(ctx, "m1")
	if !state.Settled {
		t.Fatal("settlement should complete once the store recovers")
	}
	closed, _ := e.st.ListHoldings(ctx, "u1", store.HoldingFilter{Status: model.HoldingClosed})
	if len(closed) != 1 {
		t.Fatalf("expected one settled holding, got %d", len(closed))
	}
	if closed[0].CloseReason != model.ReasonMatchEnd || !closed[0].SoldPrice.Equal(d(54.8)) {
		t.Errorf("unexpected settlement %q at %s", closed[0].CloseReason, closed[0].SoldPrice)
	}
}

func TestSnapshotWriteFailure_EventReplayable(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failPutState: 1}
	e := newEnvWith(t, fs)
	ctx := context.Background()

	raw := ballEvent("e1", 1, 1, 4)

	// Nothing committed, so the failure surfaces and the event must not
	// be remembered as delivered.
	if err := e.eng.ProcessFeedMessage(ctx, []byte(raw)); err == nil {
		t.Fatal("expected an error when the snapshot write fails")
	}

	e.process(t, raw)
	state, _ := e.st.GetMatchState(ctx, "m1")
	if !state.TeamPrices["teamA"].Equal(d(53.2)) {
		t.Errorf("replay should apply the event exactly once, got %s", state.TeamPrices["teamA"])
	}
}

func TestHandlePrices_StoreOutageIsRetryable(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	e := newEnvWith(t, fs)
	e.process(t, ballEvent("e1", 1, 1, 4))

	r := chi.NewRouter()
	r.Get("/api/v1/matches/{matchID}/prices", e.eng.HandlePrices)

	fs.failGetState = 1
	req := httptest.NewRequest("GET", "/api/v1/matches/m1/prices", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != 503 {
		t.Fatalf("expected 503 for a transient store error, got %d", w.Code)
	}
}
