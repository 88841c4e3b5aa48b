package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crickx/trading-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

// --- Constructor tests ---

func TestNewEngine_Defaults(t *testing.T) {
	e := newEngine(t)
	if !e.Config().TeamBaseline.Equal(d(50)) {
		t.Errorf("expected baseline 50, got %s", e.Config().TeamBaseline)
	}
}

func TestNewEngine_InvalidHaircut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DismissalHaircut = d(0)
	if _, err := NewEngine(cfg); err != ErrInvalidConfig {
		t.Errorf("expected ErrInvalidConfig for zero haircut, got %v", err)
	}
}

func TestNewEngine_InvalidFeeBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeeMin = d(30)
	cfg.FeeMax = d(20)
	if _, err := NewEngine(cfg); err != ErrInvalidConfig {
		t.Errorf("expected ErrInvalidConfig for min > max, got %v", err)
	}
}

// --- Team price tests ---

func TestTeamPriceAfterRuns(t *testing.T) {
	e := newEngine(t)
	// 50 + 4 × 0.8 = 53.2
	got := e.TeamPriceAfterRuns(d(50), 4)
	if !got.Equal(d(53.2)) {
		t.Errorf("expected 53.2, got %s", got)
	}
}

func TestTeamPriceAfterRuns_DotBall(t *testing.T) {
	e := newEngine(t)
	got := e.TeamPriceAfterRuns(d(50), 0)
	if !got.Equal(d(50)) {
		t.Errorf("dot ball should not move team price, got %s", got)
	}
}

func TestTeamPriceAfterWicket(t *testing.T) {
	e := newEngine(t)
	got := e.TeamPriceAfterWicket(d(50))
	if !got.Equal(d(53)) {
		t.Errorf("expected 53, got %s", got)
	}
}

func TestTeamPrice_FlooredAtZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunMultiplier = d(-10)
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := e.TeamPriceAfterRuns(d(5), 6)
	if !got.Equal(decimal.Zero) {
		t.Errorf("price should clamp to floor, got %s", got)
	}
}

// --- Player price tests ---

func TestPlayerPrice_TopOrderBase(t *testing.T) {
	e := newEngine(t)
	line := &model.BattingLine{PlayerID: "p1", Position: 1}
	if got := e.PlayerPrice(line); !got.Equal(d(30)) {
		t.Errorf("fresh top-order batsman should price at base 30, got %s", got)
	}
}

func TestPlayerPrice_PositionOrdering(t *testing.T) {
	e := newEngine(t)
	top := e.PlayerPrice(&model.BattingLine{Position: 2})
	mid := e.PlayerPrice(&model.BattingLine{Position: 5})
	tail := e.PlayerPrice(&model.BattingLine{Position: 9})
	if !top.GreaterThan(mid) || !mid.GreaterThan(tail) {
		t.Errorf("expected top > middle > tail, got %s / %s / %s", top, mid, tail)
	}
}

func TestPlayerPrice_BoundariesRewardMost(t *testing.T) {
	e := newEngine(t)
	single := e.PlayerPrice(&model.BattingLine{Position: 4, Singles: 1})
	four := e.PlayerPrice(&model.BattingLine{Position: 4, Fours: 1})
	six := e.PlayerPrice(&model.BattingLine{Position: 4, Sixes: 1})
	if !six.GreaterThan(four) || !four.GreaterThan(single) {
		t.Errorf("expected six > four > single, got %s / %s / %s", six, four, single)
	}
}

func TestPlayerPrice_DotBallsPenalize(t *testing.T) {
	e := newEngine(t)
	fresh := e.PlayerPrice(&model.BattingLine{Position: 4})
	dotted := e.PlayerPrice(&model.BattingLine{Position: 4, Dots: 6})
	if !dotted.LessThan(fresh) {
		t.Errorf("dot balls should reduce price: fresh=%s dotted=%s", fresh, dotted)
	}
}

func TestPlayerPrice_Deterministic(t *testing.T) {
	e := newEngine(t)
	line := &model.BattingLine{Position: 3, Dots: 10, Singles: 12, Twos: 3, Fours: 5, Sixes: 2}
	first := e.PlayerPrice(line)
	second := e.PlayerPrice(line)
	if !first.Equal(second) {
		t.Errorf("same line must reproduce the same price: %s vs %s", first, second)
	}
}

func TestPlayerPrice_FlooredAtZero(t *testing.T) {
	e := newEngine(t)
	line := &model.BattingLine{Position: 10, Dots: 100}
	if got := e.PlayerPrice(line); got.IsNegative() {
		t.Errorf("player price must not go negative, got %s", got)
	}
}

// --- Fee tests ---

func TestFee_Clamp(t *testing.T) {
	e := newEngine(t)
	cases := []struct {
		name     string
		notional decimal.Decimal
		want     decimal.Decimal
	}{
		{"below minimum", d(200), d(5)},     // 0.1% = 0.2 → clamps to 5
		{"at rate", d(10000), d(10)},        // 0.1% = 10
		{"above maximum", d(1000000), d(20)}, // 0.1% = 1000 → clamps to 20
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.Fee(tc.notional); !got.Equal(tc.want) {
				t.Errorf("Fee(%s) = %s, want %s", tc.notional, got, tc.want)
			}
		})
	}
}

// --- Settlement policy tests ---

func TestProfitCut(t *testing.T) {
	e := newEngine(t)
	if got := e.ProfitCut(d(100)); !got.Equal(d(5)) {
		t.Errorf("expected 5%% cut of 100 = 5, got %s", got)
	}
}

func TestDismissalPrice(t *testing.T) {
	e := newEngine(t)
	if got := e.DismissalPrice(d(20)); !got.Equal(d(10)) {
		t.Errorf("expected 0.5 × 20 = 10, got %s", got)
	}
}
