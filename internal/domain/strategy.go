package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
)

type ExitMode string

const (
	ExitSignal   ExitMode = "signal"
	ExitTPSL     ExitMode = "tp_sl"
	ExitTrailing ExitMode = "trailing"
	ExitTime     ExitMode = "time"
)

type Behavior string

const (
	BehaviorTrend         Behavior = "trend"
	BehaviorBreakout      Behavior = "breakout"
	BehaviorMeanReversion Behavior = "mean_reversion"
)

// Duration is a time.Duration that reads and writes as "90s", "5m" in JSON and
// YAML. Bare JSON numbers are taken as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

type ProviderConfig struct {
	Kind         ProviderKind `json:"kind" yaml:"kind"`
	Model        string       `json:"model" yaml:"model"`
	CredentialID string       `json:"credential_id" yaml:"credential_id"`
	BaseURL      string       `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

type CandleInput struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Count     int    `json:"count" yaml:"count"`
	Timeframe string `json:"timeframe" yaml:"timeframe"`
}

type OrderBookInput struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Depth   int  `json:"depth" yaml:"depth"`
}

type PeriodInput struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Period  int  `json:"period" yaml:"period"`
}

type EMAInput struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Fast    int  `json:"fast" yaml:"fast"`
	Slow    int  `json:"slow" yaml:"slow"`
}

type CountInput struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Count   int  `json:"count" yaml:"count"`
}

// AIInputs toggles each section of the decision-provider context.
type AIInputs struct {
	Candles         CandleInput    `json:"candles" yaml:"candles"`
	OrderBook       OrderBookInput `json:"order_book" yaml:"order_book"`
	RSI             PeriodInput    `json:"rsi" yaml:"rsi"`
	ATR             PeriodInput    `json:"atr" yaml:"atr"`
	EMA             EMAInput       `json:"ema" yaml:"ema"`
	Volatility      PeriodInput    `json:"volatility" yaml:"volatility"`
	Position        bool           `json:"position" yaml:"position"`
	RecentDecisions CountInput     `json:"recent_decisions" yaml:"recent_decisions"`
}

type Behaviors struct {
	Trend         bool `json:"trend" yaml:"trend"`
	Breakout      bool `json:"breakout" yaml:"breakout"`
	MeanReversion bool `json:"mean_reversion" yaml:"mean_reversion"`
}

func (b Behaviors) None() bool {
	return !b.Trend && !b.Breakout && !b.MeanReversion
}

func (b Behaviors) Allows(behavior Behavior) bool {
	switch behavior {
	case BehaviorTrend:
		return b.Trend
	case BehaviorBreakout:
		return b.Breakout
	case BehaviorMeanReversion:
		return b.MeanReversion
	}
	return false
}

type Confirmation struct {
	Enabled               bool    `json:"enabled" yaml:"enabled"`
	MinSignals            int     `json:"min_signals" yaml:"min_signals"`
	RequireTrendAlignment bool    `json:"require_trend_alignment" yaml:"require_trend_alignment"`
	RequireVolatility     bool    `json:"require_volatility" yaml:"require_volatility"`
	MinATRPct             float64 `json:"min_atr_pct" yaml:"min_atr_pct"`
	MaxATRPct             float64 `json:"max_atr_pct" yaml:"max_atr_pct"`
}

type EntryRules struct {
	Behaviors    Behaviors    `json:"behaviors" yaml:"behaviors"`
	Confirmation Confirmation `json:"confirmation" yaml:"confirmation"`
	SlippageBps  float64      `json:"slippage_bps" yaml:"slippage_bps"`

	// LegacyMode is the pre-behaviors single entry mode. Normalize folds it
	// into Behaviors and clears it.
	LegacyMode string `json:"entry_mode,omitempty" yaml:"entry_mode,omitempty"`
}

type SignalExit struct {
	MaxLossProtectionPct float64 `json:"max_loss_protection_pct" yaml:"max_loss_protection_pct"`
	MaxProfitCapPct      float64 `json:"max_profit_cap_pct" yaml:"max_profit_cap_pct"`
}

type TrailingExit struct {
	TrailPct       float64 `json:"trail_pct" yaml:"trail_pct"`
	InitialStopPct float64 `json:"initial_stop_pct" yaml:"initial_stop_pct"`
}

type ExitRules struct {
	Mode          ExitMode     `json:"mode" yaml:"mode"`
	Signal        SignalExit   `json:"signal" yaml:"signal"`
	TakeProfitPct float64      `json:"take_profit_pct" yaml:"take_profit_pct"`
	StopLossPct   float64      `json:"stop_loss_pct" yaml:"stop_loss_pct"`
	Trailing      TrailingExit `json:"trailing" yaml:"trailing"`
	MaxHold       Duration     `json:"max_hold" yaml:"max_hold"`
}

type RiskLimits struct {
	MaxDailyLossPct     float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxPositionNotional float64 `json:"max_position_notional" yaml:"max_position_notional"`
	MaxLeverage         float64 `json:"max_leverage" yaml:"max_leverage"`
	// Nil means the key was absent; Normalize fills it with true.
	AllowLong  *bool `json:"allow_long,omitempty" yaml:"allow_long,omitempty"`
	AllowShort *bool `json:"allow_short,omitempty" yaml:"allow_short,omitempty"`
}

// LongAllowed reports whether long entries are permitted.
func (r RiskLimits) LongAllowed() bool { return r.AllowLong == nil || *r.AllowLong }

// ShortAllowed reports whether short entries are permitted.
func (r RiskLimits) ShortAllowed() bool { return r.AllowShort == nil || *r.AllowShort }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

type ReentryPolicy struct {
	BlockSameDirection bool     `json:"block_same_direction" yaml:"block_same_direction"`
	Window             Duration `json:"window" yaml:"window"`
}

type TradeControls struct {
	MaxTradesPerHour int           `json:"max_trades_per_hour" yaml:"max_trades_per_hour"`
	MaxTradesPerDay  int           `json:"max_trades_per_day" yaml:"max_trades_per_day"`
	Cooldown         Duration      `json:"cooldown" yaml:"cooldown"`
	MinHold          Duration      `json:"min_hold" yaml:"min_hold"`
	Reentry          ReentryPolicy `json:"reentry" yaml:"reentry"`
}

type ConfidenceRules struct {
	MinConfidence  float64 `json:"min_confidence" yaml:"min_confidence"`
	Aggressiveness float64 `json:"aggressiveness" yaml:"aggressiveness"`
}

// Threshold is the effective minimum confidence after the aggressiveness
// offset, clamped to [0, 1].
func (c ConfidenceRules) Threshold() float64 {
	return clamp(c.MinConfidence-c.Aggressiveness, 0, 1)
}

type Sizing struct {
	BaseNotional float64 `json:"base_notional" yaml:"base_notional"`
	ScaleEnabled bool    `json:"scale_enabled" yaml:"scale_enabled"`
	MinScale     float64 `json:"min_scale" yaml:"min_scale"`
	MaxScale     float64 `json:"max_scale" yaml:"max_scale"`
	FeeBps       float64 `json:"fee_bps" yaml:"fee_bps"`
}

// Notional sizes an entry from the provider's confidence.
func (s Sizing) Notional(confidence, threshold float64) float64 {
	if !s.ScaleEnabled || threshold >= 1 {
		return s.BaseNotional
	}
	t := clamp((confidence-threshold)/(1-threshold), 0, 1)
	return s.BaseNotional * (s.MinScale + (s.MaxScale-s.MinScale)*t)
}

// Strategy is the per-tick immutable configuration a session runs.
type Strategy struct {
	ID         string          `json:"id" yaml:"id"`
	UserID     string          `json:"user_id" yaml:"user_id"`
	Name       string          `json:"name" yaml:"name"`
	Markets    []string        `json:"markets" yaml:"markets"`
	Provider   ProviderConfig  `json:"provider" yaml:"provider"`
	Prompt     string          `json:"prompt" yaml:"prompt"`
	Inputs     AIInputs        `json:"inputs" yaml:"inputs"`
	Entry      EntryRules      `json:"entry" yaml:"entry"`
	Exit       ExitRules       `json:"exit" yaml:"exit"`
	Risk       RiskLimits      `json:"risk" yaml:"risk"`
	Trade      TradeControls   `json:"trade" yaml:"trade"`
	Confidence ConfidenceRules `json:"confidence" yaml:"confidence"`
	Sizing     Sizing          `json:"sizing" yaml:"sizing"`
	UpdatedAt  time.Time       `json:"updated_at" yaml:"-"`
}

// Normalize migrates legacy shapes and fills defaults. It is applied once
// whenever a strategy is loaded or edited.
func (s *Strategy) Normalize() error {
	if err := s.Entry.migrateLegacyMode(); err != nil {
		return err
	}
	markets := make([]string, 0, len(s.Markets))
	for _, m := range s.Markets {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			markets = append(markets, m)
		}
	}
	s.Markets = markets

	if s.Provider.Kind == "" {
		s.Provider.Kind = ProviderOpenAI
	}
	s.Provider.Kind = ProviderKind(strings.ToLower(string(s.Provider.Kind)))
	if s.Provider.Model == "" {
		switch s.Provider.Kind {
		case ProviderAnthropic:
			s.Provider.Model = "claude-sonnet-4-5"
		default:
			s.Provider.Model = "gpt-4o-mini"
		}
	}

	in := &s.Inputs
	defaultInt(&in.Candles.Count, 50)
	if in.Candles.Timeframe == "" {
		in.Candles.Timeframe = "15m"
	}
	defaultInt(&in.OrderBook.Depth, 5)
	defaultInt(&in.RSI.Period, 14)
	defaultInt(&in.ATR.Period, 14)
	defaultInt(&in.EMA.Fast, 20)
	defaultInt(&in.EMA.Slow, 50)
	defaultInt(&in.Volatility.Period, 20)
	defaultInt(&in.RecentDecisions.Count, 5)

	if s.Exit.Mode == "" {
		s.Exit.Mode = ExitSignal
	}
	if s.Risk.MaxLeverage <= 0 {
		s.Risk.MaxLeverage = 1
	}
	if s.Risk.AllowLong == nil {
		s.Risk.AllowLong = Bool(true)
	}
	if s.Risk.AllowShort == nil {
		s.Risk.AllowShort = Bool(true)
	}
	if s.Sizing.BaseNotional <= 0 {
		s.Sizing.BaseNotional = 100
	}
	if s.Sizing.MinScale <= 0 {
		s.Sizing.MinScale = 0.5
	}
	if s.Sizing.MaxScale <= 0 {
		s.Sizing.MaxScale = 1
	}
	if s.Sizing.FeeBps < 0 {
		s.Sizing.FeeBps = 0
	}
	if s.Trade.Reentry.BlockSameDirection && s.Trade.Reentry.Window <= 0 {
		s.Trade.Reentry.Window = Duration(time.Hour)
	}
	if s.Entry.Confirmation.MinSignals < 0 {
		s.Entry.Confirmation.MinSignals = 0
	}
	s.Confidence.MinConfidence = clamp(s.Confidence.MinConfidence, 0, 1)
	return s.Validate()
}

func (s Strategy) Validate() error {
	if len(s.Markets) == 0 {
		return fmt.Errorf("strategy %q: at least one market is required", s.Name)
	}
	switch s.Provider.Kind {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("strategy %q: unknown provider %q", s.Name, s.Provider.Kind)
	}
	switch s.Exit.Mode {
	case ExitSignal, ExitTPSL, ExitTrailing, ExitTime:
	default:
		return fmt.Errorf("strategy %q: unknown exit mode %q", s.Name, s.Exit.Mode)
	}
	if s.Exit.Mode == ExitTPSL && s.Exit.TakeProfitPct <= 0 && s.Exit.StopLossPct <= 0 {
		return fmt.Errorf("strategy %q: tp_sl exit needs take_profit_pct or stop_loss_pct", s.Name)
	}
	if s.Exit.Mode == ExitTrailing && s.Exit.Trailing.TrailPct <= 0 {
		return fmt.Errorf("strategy %q: trailing exit needs trail_pct", s.Name)
	}
	if s.Exit.Mode == ExitTime && s.Exit.MaxHold <= 0 {
		return fmt.Errorf("strategy %q: time exit needs max_hold", s.Name)
	}
	return nil
}

func (e *EntryRules) migrateLegacyMode() error {
	mode := strings.ToLower(strings.TrimSpace(e.LegacyMode))
	e.LegacyMode = ""
	if mode == "" {
		return nil
	}
	if !e.Behaviors.None() {
		// Explicit behaviors win over the legacy field.
		return nil
	}
	switch mode {
	case "trend", "trend_following":
		e.Behaviors.Trend = true
	case "breakout":
		e.Behaviors.Breakout = true
	case "mean_reversion", "reversion":
		e.Behaviors.MeanReversion = true
	case "any", "all":
		e.Behaviors = Behaviors{Trend: true, Breakout: true, MeanReversion: true}
	default:
		return fmt.Errorf("unknown legacy entry_mode %q", mode)
	}
	return nil
}

func defaultInt(v *int, fallback int) {
	if *v <= 0 {
		*v = fallback
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
