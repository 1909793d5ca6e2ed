// Package plan turns free-form chat into a structured DCA plan: it extracts
// parameters across turns, keeps per-user accumulation sessions, and encodes
// a finished plan into a confirmation token the client echoes back.
package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Required plan fields, also the wire names inside the confirmation token.
const (
	FieldFromToken = "fromToken"
	FieldToToken   = "toToken"
	FieldAmount    = "amount"
	FieldInterval  = "interval"
	FieldDuration  = "duration"
)

// requiredFields is also the priority order for the next question: the user
// is asked for the source token first and the duration last.
var requiredFields = []string{
	FieldFromToken,
	FieldToToken,
	FieldAmount,
	FieldInterval,
	FieldDuration,
}

var fieldQuestions = map[string]string{
	FieldFromToken: "Which token do you want to invest from? (e.g. USDC)",
	FieldToToken:   "Which token should the plan buy? (e.g. ETH)",
	FieldAmount:    "How much do you want to invest each time? (e.g. 100 USDC)",
	FieldInterval:  "How often should the purchase repeat? (e.g. daily, weekly, every 2 hours)",
	FieldDuration:  "How long should the plan run? (e.g. 3 months)",
}

// PlanData holds the accumulated plan parameters. Interval and duration stay
// free-form ("2 minutes", "weekly"); normalization belongs to the downstream
// plan-creation API. All fields are strings so the struct is comparable and
// survives a token round-trip exactly.
type PlanData struct {
	FromToken string `json:"fromToken,omitempty"`
	ToToken   string `json:"toToken,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Interval  string `json:"interval,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Slippage  string `json:"slippage,omitempty"`
}

// Merge overlays update onto p: non-empty update values win, everything else
// is preserved.
func (p PlanData) Merge(update PlanData) PlanData {
	if update.FromToken != "" {
		p.FromToken = update.FromToken
	}
	if update.ToToken != "" {
		p.ToToken = update.ToToken
	}
	if update.Amount != "" {
		p.Amount = update.Amount
	}
	if update.Interval != "" {
		p.Interval = update.Interval
	}
	if update.Duration != "" {
		p.Duration = update.Duration
	}
	if update.Slippage != "" {
		p.Slippage = update.Slippage
	}
	return p
}

// IsZero reports whether no field has been accumulated yet.
func (p PlanData) IsZero() bool {
	return p == PlanData{}
}

// Field returns a required field's value by its wire name.
func (p PlanData) Field(name string) string {
	switch name {
	case FieldFromToken:
		return p.FromToken
	case FieldToToken:
		return p.ToToken
	case FieldAmount:
		return p.Amount
	case FieldInterval:
		return p.Interval
	case FieldDuration:
		return p.Duration
	}
	return ""
}

// Turn is one transcript entry.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"timestamp"`
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Result is the outcome of one extraction pass over a message.
type Result struct {
	IsComplete       bool
	Plan             PlanData
	MissingFields    []string
	NextQuestion     string
	ValidationErrors []string
}

// Evaluate grades a merged plan: which required fields are still needed, the
// single question to ask next, and any validation problems. A field that is
// present but invalid (unknown token, non-positive amount) counts as needed,
// so the next question re-asks it instead of declaring the plan complete.
func Evaluate(p PlanData) Result {
	res := Result{Plan: p}

	for _, field := range requiredFields {
		value := p.Field(field)
		if value == "" {
			res.MissingFields = append(res.MissingFields, field)
			continue
		}
		if problem := validateField(field, value); problem != "" {
			res.MissingFields = append(res.MissingFields, field)
			res.ValidationErrors = append(res.ValidationErrors, problem)
		}
	}

	res.IsComplete = len(res.MissingFields) == 0
	if !res.IsComplete {
		res.NextQuestion = fieldQuestions[res.MissingFields[0]]
	}
	return res
}

func validateField(field, value string) string {
	switch field {
	case FieldFromToken, FieldToToken:
		if !IsKnownToken(value) {
			return fmt.Sprintf("%s is not a supported token", value)
		}
	case FieldAmount:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil || n <= 0 {
			return fmt.Sprintf("amount must be a positive number, got %q", value)
		}
	}
	return ""
}

// Token vocabulary: symbols tradable on the Base venues the agent targets,
// plus common aliases users actually type.
var canonicalTokens = map[string]struct{}{
	"ETH":    {},
	"WETH":   {},
	"WBTC":   {},
	"CBBTC":  {},
	"USDC":   {},
	"USDT":   {},
	"DAI":    {},
	"DEGEN":  {},
	"TOSHI":  {},
	"BRETT":  {},
	"AERO":   {},
	"HIGHER": {},
}

var tokenAliases = map[string]string{
	"ethereum": "ETH",
	"ether":    "ETH",
	"bitcoin":  "WBTC",
	"btc":      "WBTC",
	"tether":   "USDT",
}

// NormalizeToken maps a word onto its canonical symbol, reporting whether the
// word names a known token at all.
func NormalizeToken(word string) (string, bool) {
	upper := strings.ToUpper(word)
	if _, ok := canonicalTokens[upper]; ok {
		return upper, true
	}
	if sym, ok := tokenAliases[strings.ToLower(word)]; ok {
		return sym, true
	}
	return "", false
}

// IsKnownToken reports whether sym resolves to a supported token.
func IsKnownToken(sym string) bool {
	_, ok := NormalizeToken(sym)
	return ok
}
