package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"perpbot/internal/domain"
	"perpbot/internal/service/risk"
)

// Intent is the structured trading opinion a provider returns.
type Intent struct {
	Bias       domain.Bias     `json:"bias"`
	Confidence float64         `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	EntryZone  *risk.EntryZone `json:"entry_zone,omitempty"`
}

type rawIntent struct {
	Bias       string          `json:"bias"`
	Confidence *float64        `json:"confidence"`
	Reasoning  string          `json:"reasoning"`
	EntryZone  *risk.EntryZone `json:"entry_zone"`
	EntryZone2 *risk.EntryZone `json:"entryZone"`
}

// ParseIntent extracts the first JSON object from model output, tolerating
// code fences and surrounding prose, and validates it strictly.
func ParseIntent(text string) (Intent, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Intent{}, malformed("no JSON object in output")
	}
	var raw rawIntent
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Intent{}, malformed("invalid JSON: %v", err)
	}

	in := Intent{Reasoning: strings.TrimSpace(raw.Reasoning)}
	switch domain.Bias(strings.ToLower(strings.TrimSpace(raw.Bias))) {
	case domain.BiasLong:
		in.Bias = domain.BiasLong
	case domain.BiasShort:
		in.Bias = domain.BiasShort
	case domain.BiasNeutral:
		in.Bias = domain.BiasNeutral
	default:
		return Intent{}, malformed("bias %q is not long, short or neutral", raw.Bias)
	}
	if raw.Confidence == nil {
		return Intent{}, malformed("confidence is missing")
	}
	c := *raw.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return Intent{}, malformed("confidence %v outside [0, 1]", c)
	}
	in.Confidence = c

	zone := raw.EntryZone
	if zone == nil {
		zone = raw.EntryZone2
	}
	if zone != nil {
		if zone.Low <= 0 || zone.High <= 0 || zone.Low > zone.High {
			return Intent{}, malformed("entry zone [%v, %v] is invalid", zone.Low, zone.High)
		}
		in.EntryZone = zone
	}
	return in, nil
}

func malformed(format string, args ...interface{}) error {
	return domain.Fail(domain.ErrDecisionProviderMalformed, fmt.Errorf(format, args...))
}

const instructions = `You are the decision engine of an automated perpetual futures trading system.
You receive a JSON market context and must answer with exactly one JSON object:
{"bias": "long" | "short" | "neutral", "confidence": number between 0 and 1,
 "reasoning": short explanation, "entry_zone": {"low": number, "high": number} (optional)}
Return neutral when there is no clear edge. Do not include any other text.`

// SystemPrompt joins the fixed output contract with the strategy's prompt.
func SystemPrompt(strategyPrompt string) string {
	p := strings.TrimSpace(strategyPrompt)
	if p == "" {
		return instructions
	}
	return instructions + "\n\nStrategy instructions:\n" + p
}
