// Package feed ingests the external live ball-by-ball stream: it
// normalizes raw provider messages into canonical MatchEvents,
// deduplicates them by stable ball identity, and maintains the
// reconnecting websocket client.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crickx/trading-engine/internal/model"
)

// ErrMalformedEvent is returned when a feed message cannot be reduced to
// a canonical MatchEvent. Callers log and drop, never propagate upward.
var ErrMalformedEvent = errors.New("feed: malformed event")

// rawMessage mirrors the provider's wire shape. The provider controls
// the format; everything is optional here and validated per kind.
type rawMessage struct {
	Type    string `json:"type"`
	MatchID string `json:"match_id"`
	EventID string `json:"event_id"`
	Over    int    `json:"over"`
	Ball    int    `json:"ball"`
	Runs    int    `json:"runs"`
	Batsman struct {
		ID       string `json:"id"`
		Position int    `json:"position"`
	} `json:"batsman"`
	BowlerID    string `json:"bowler_id"`
	BattingTeam string `json:"batting_team"`
	BowlingTeam string `json:"bowling_team"`
	Dismissal   struct {
		PlayerOut string `json:"player_out"`
		How       string `json:"how"`
	} `json:"dismissal"`
	Status      string `json:"status"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// Normalize parses one raw feed message into a canonical MatchEvent.
// Messages lacking a match id or the fields their kind requires fail
// with ErrMalformedEvent.
func Normalize(raw []byte) (*model.MatchEvent, error) {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if msg.MatchID == "" {
		return nil, fmt.Errorf("%w: missing match_id", ErrMalformedEvent)
	}

	ev := &model.MatchEvent{
		MatchID:       msg.MatchID,
		EventID:       msg.EventID,
		Over:          msg.Over,
		Ball:          msg.Ball,
		Runs:          msg.Runs,
		BatsmanID:     msg.Batsman.ID,
		BatsmanPos:    msg.Batsman.Position,
		BowlerID:      msg.BowlerID,
		BattingTeamID: msg.BattingTeam,
		BowlingTeamID: msg.BowlingTeam,
		Timestamp:     time.UnixMilli(msg.TimestampMs).UTC(),
	}
	if msg.TimestampMs == 0 {
		ev.Timestamp = time.Now().UTC()
	}

	switch msg.Type {
	case "ball":
		if msg.BattingTeam == "" || msg.Batsman.ID == "" {
			return nil, fmt.Errorf("%w: ball event missing batting side", ErrMalformedEvent)
		}
		ev.Kind = model.EventBall

	case "wicket":
		if msg.Dismissal.PlayerOut == "" || msg.BowlingTeam == "" {
			return nil, fmt.Errorf("%w: wicket event missing dismissal info", ErrMalformedEvent)
		}
		ev.Kind = model.EventWicket
		ev.PlayerOutID = msg.Dismissal.PlayerOut
		ev.HowOut = msg.Dismissal.How

	case "status", "status_change":
		if msg.Status == "" {
			return nil, fmt.Errorf("%w: status event missing status text", ErrMalformedEvent)
		}
		ev.Kind = model.EventStatusChange
		ev.Status = msg.Status

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, msg.Type)
	}

	return ev, nil
}
