// Package match runs the per-match pricing pipeline: normalize the raw
// feed message, discard duplicates, apply the price model to the
// authoritative match snapshot, trigger settlement, and broadcast the
// new prices.
//
// Each match id is a single-writer domain: events for one match apply
// in arrival order while different matches proceed in parallel.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/feed"
	"github.com/crickx/trading-engine/internal/hub"
	"github.com/crickx/trading-engine/internal/metrics"
	"github.com/crickx/trading-engine/internal/model"
	"github.com/crickx/trading-engine/internal/pricing"
	"github.com/crickx/trading-engine/internal/settle"
	"github.com/crickx/trading-engine/internal/store"
)

// Engine consumes canonical match events and owns every MatchState
// mutation. The hub is optional; pass nil to disable broadcasting.
type Engine struct {
	st      store.Store
	pricer  *pricing.Engine
	dedupe  *feed.DedupeCache
	settler *settle.Engine
	hub     *hub.Hub

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-match writer locks
}

// NewEngine creates a match engine.
func NewEngine(st store.Store, pricer *pricing.Engine, dedupe *feed.DedupeCache, settler *settle.Engine, h *hub.Hub) *Engine {
	return &Engine{
		st:      st,
		pricer:  pricer,
		dedupe:  dedupe,
		settler: settler,
		hub:     h,
		locks:   make(map[string]*sync.Mutex),
	}
}

// matchLock returns the single-writer lock for a match id.
func (e *Engine) matchLock(matchID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[matchID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[matchID] = l
	}
	return l
}

// ProcessFeedMessage is the entry point for the feed-connection
// manager. Malformed messages are logged and dropped, duplicates are
// silently absorbed; neither is an error to the caller and nothing here
// ever crashes the ingestion loop.
func (e *Engine) ProcessFeedMessage(ctx context.Context, raw []byte) error {
	ev, err := feed.Normalize(raw)
	if err != nil {
		metrics.FeedEventsMalformed.Inc()
		slog.Warn("feed message dropped", "err", err)
		return nil
	}

	dup := e.dedupe.Seen(ev.DedupeKey())
	if dup {
		metrics.FeedEventsDuplicate.Inc()
	}

	lock := e.matchLock(ev.MatchID)
	lock.Lock()
	defer lock.Unlock()

	if dup {
		// A redelivery carries no new information, but it is the retry
		// trigger for settlement work a store failure left behind.
		e.retrySettlement(ctx, ev.MatchID)
		return nil
	}

	if err := e.apply(ctx, ev); err != nil {
		// Nothing committed: release the dedupe slot so provider
		// redelivery replays the event instead of being absorbed.
		e.dedupe.Forget(ev.DedupeKey())
		slog.Error("event processing failed", "match", ev.MatchID, "kind", ev.Kind, "err", err)
		return err
	}

	metrics.FeedEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

// apply mutates the match snapshot for one event. Caller holds the
// match writer lock. A non-nil return means no effect was committed and
// the event is safe to replay.
func (e *Engine) apply(ctx context.Context, ev *model.MatchEvent) error {
	state, err := e.st.GetMatchState(ctx, ev.MatchID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		state = model.NewMatchState(ev.MatchID, ev.BattingTeamID, ev.BowlingTeamID,
			e.pricer.Config().TeamBaseline)
		metrics.ActiveMatches.Inc()
	case err != nil:
		return err
	}

	if state.Settled {
		// Terminal: settlement already ran, late events are no-ops.
		return nil
	}
	if settle.IsTerminal(state.Status) {
		// The result is known, prices are frozen. Late events only push
		// outstanding settlement work forward.
		e.drainSettlement(ctx, state)
		return nil
	}

	switch ev.Kind {
	case model.EventBall:
		e.applyBall(state, ev)
	case model.EventWicket:
		e.applyWicket(state, ev)
		state.PendingDismissals = appendMissing(state.PendingDismissals, ev.PlayerOutID)
	case model.EventStatusChange:
		state.Status = ev.Status
	}
	state.UpdatedAt = ev.Timestamp

	if err := e.st.PutMatchState(ctx, state); err != nil {
		return err
	}

	// Forced sells run after the snapshot commits so settlement prices
	// reflect this event. Failures here are retried, not returned: the
	// snapshot is already durable and replaying the event would apply
	// its price deltas twice.
	e.drainSettlement(ctx, state)

	e.broadcast(state, ev)
	return nil
}

// retrySettlement re-attempts settlement work recorded in the persisted
// match state. Caller holds the match writer lock.
func (e *Engine) retrySettlement(ctx context.Context, matchID string) {
	state, err := e.st.GetMatchState(ctx, matchID)
	if err != nil || state.Settled {
		return
	}
	e.drainSettlement(ctx, state)
}

// drainSettlement runs the outstanding forced sells for a match: first
// the pending dismissal sweeps, then the match-end sweep once the
// status is terminal. Each sweep is idempotent per holding, so partial
// progress is kept and only stragglers are retried.
func (e *Engine) drainSettlement(ctx context.Context, state *model.MatchState) {
	if len(state.PendingDismissals) > 0 {
		var remaining []string
		for _, playerID := range state.PendingDismissals {
			if _, err := e.settler.OnDismissal(ctx, state.MatchID, playerID); err != nil {
				remaining = append(remaining, playerID)
			}
		}
		if len(remaining) != len(state.PendingDismissals) {
			state.PendingDismissals = remaining
			if err := e.st.PutMatchState(ctx, state); err != nil {
				// The completed sweeps re-run as no-ops on the next retry.
				slog.Warn("dismissal bookkeeping not persisted", "match", state.MatchID, "err", err)
			}
		}
	}

	if !settle.IsTerminal(state.Status) || state.Settled {
		return
	}
	if _, err := e.settler.SettleMatch(ctx, state); err != nil {
		slog.Warn("match settlement incomplete, awaiting retry", "match", state.MatchID, "err", err)
		return
	}
	state.Settled = true
	state.PendingDismissals = nil
	if err := e.st.PutMatchState(ctx, state); err != nil {
		// The flag stays unset in the store; the next retry re-runs an
		// empty sweep and persists it again.
		slog.Error("settled flag not persisted", "match", state.MatchID, "err", err)
		return
	}
	metrics.ActiveMatches.Dec()
}

func appendMissing(list []string, id string) []string {
	for _, v := range list {
		if v == id {
			return list
		}
	}
	return append(list, id)
}

// applyBall credits the batting team with the runs delta and recomputes
// the batsman's price from his full cumulative line.
func (e *Engine) applyBall(state *model.MatchState, ev *model.MatchEvent) {
	team := e.teamPrice(state, ev.BattingTeamID)
	state.TeamPrices[ev.BattingTeamID] = e.pricer.TeamPriceAfterRuns(team, ev.Runs)

	line := e.battingLine(state, ev)
	switch ev.Runs {
	case 0:
		line.Dots++
	case 1:
		line.Singles++
	case 2:
		line.Twos++
	case 3:
		line.Threes++
	case 4:
		line.Fours++
	case 6:
		line.Sixes++
	default:
		// Overthrows and other odd totals count by run value.
		line.Singles += ev.Runs
	}
	state.PlayerPrices[ev.BatsmanID] = e.pricer.PlayerPrice(line)
}

// applyWicket boosts the bowling side and marks the batsman out.
func (e *Engine) applyWicket(state *model.MatchState, ev *model.MatchEvent) {
	team := e.teamPrice(state, ev.BowlingTeamID)
	state.TeamPrices[ev.BowlingTeamID] = e.pricer.TeamPriceAfterWicket(team)

	if line, ok := state.BattingLines[ev.PlayerOutID]; ok {
		line.Out = true
		state.PlayerPrices[ev.PlayerOutID] = e.pricer.PlayerPrice(line)
	}
}

// teamPrice reads a team's price, seeding the baseline for a team first
// seen mid-stream.
func (e *Engine) teamPrice(state *model.MatchState, teamID string) decimal.Decimal {
	if cur, ok := state.TeamPrices[teamID]; ok {
		return cur
	}
	return e.pricer.Config().TeamBaseline
}

// battingLine returns the batsman's cumulative line, creating it on
// first sight.
func (e *Engine) battingLine(state *model.MatchState, ev *model.MatchEvent) *model.BattingLine {
	line, ok := state.BattingLines[ev.BatsmanID]
	if !ok {
		line = &model.BattingLine{PlayerID: ev.BatsmanID, Position: ev.BatsmanPos}
		state.BattingLines[ev.BatsmanID] = line
	}
	if line.Position == 0 && ev.BatsmanPos > 0 {
		line.Position = ev.BatsmanPos
	}
	return line
}

// PriceUpdate is the match-scoped payload pushed on every state change.
type PriceUpdate struct {
	Kind         model.EventKind            `json:"event_kind"`
	TeamPrices   map[string]decimal.Decimal `json:"team_prices"`
	PlayerPrices map[string]decimal.Decimal `json:"player_prices"`
	Status       string                     `json:"status,omitempty"`
	Settled      bool                       `json:"settled"`
}

func (e *Engine) broadcast(state *model.MatchState, ev *model.MatchEvent) {
	if e.hub == nil {
		return
	}
	e.hub.BroadcastMatch(state.MatchID, hub.Message{
		Type: "price_update",
		Payload: PriceUpdate{
			Kind:         ev.Kind,
			TeamPrices:   state.TeamPrices,
			PlayerPrices: state.PlayerPrices,
			Status:       state.Status,
			Settled:      state.Settled,
		},
	})
}

// HandlePrices handles GET /api/v1/matches/{matchID}/prices.
func (e *Engine) HandlePrices(w http.ResponseWriter, r *http.Request) {
	matchID := chi.URLParam(r, "matchID")

	state, err := e.st.GetMatchState(r.Context(), matchID)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "match not found"})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "temporarily unavailable, retry"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(state)
}
