package plan

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dripcast/dripcast/ai/core/llm"
)

const extractionSystemPrompt = `You extract DCA (dollar-cost-averaging) plan parameters from chat messages.
Respond with ONLY a JSON object. No prose, no code fences.
Keys (all optional, include only what the message states or clearly implies):
  fromToken: token symbol the user spends (e.g. USDC)
  toToken: token symbol the user accumulates (e.g. ETH)
  amount: amount per purchase, plain number as a string (e.g. "100")
  interval: how often to buy, free form (e.g. "weekly", "2 hours")
  duration: how long the plan runs, free form (e.g. "3 months")
  slippage: tolerated slippage percent, plain number as a string
Known tokens: ETH, WETH, WBTC, CBBTC, USDC, USDT, DAI, DEGEN, TOSHI, BRETT, AERO, HIGHER.
Never invent values. If the message says nothing about a key, omit it.
The "known so far" object shows fields from earlier turns; only report corrections or additions.`

// maxPromptTurns bounds how much transcript is replayed to the model.
const maxPromptTurns = 6

// LLMStrategy asks a language model for a structured extraction. Any failure
// (no model, transport error, rate limit, unparsable output) is returned as
// an error so the caller can fall through to the rule strategy.
type LLMStrategy struct {
	model llm.Service
}

func NewLLMStrategy(model llm.Service) *LLMStrategy {
	return &LLMStrategy{model: model}
}

func (s *LLMStrategy) Name() string { return "llm" }

func (s *LLMStrategy) TryExtract(ctx context.Context, message string, history []Turn, partial PlanData) (PlanData, error) {
	if s.model == nil {
		return PlanData{}, errors.New("no model configured")
	}

	known, err := json.Marshal(partial)
	if err != nil {
		return PlanData{}, errors.Wrap(err, "marshal known fields")
	}

	user := "Known so far: " + string(known) + "\nMessage: " + message
	messages := llm.FormatMessages(extractionSystemPrompt, user, historyMessages(history))

	out, err := s.model.ChatJSON(ctx, messages)
	if err != nil {
		return PlanData{}, err
	}

	extracted, err := parseExtraction(out)
	if err != nil {
		return PlanData{}, err
	}
	return partial.Merge(extracted), nil
}

func historyMessages(history []Turn) []llm.Message {
	if len(history) > maxPromptTurns {
		history = history[len(history)-maxPromptTurns:]
	}
	msgs := make([]llm.Message, 0, len(history))
	for _, turn := range history {
		role := turn.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: turn.Content})
	}
	return msgs
}

var numberFragmentRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

// parseExtraction turns raw model output into plan fields. Models are prone
// to code fences, numeric JSON values, and filler words like "null"; all of
// that is normalized here rather than trusted downstream.
func parseExtraction(out string) (PlanData, error) {
	cleaned := stripCodeFence(out)

	var raw map[string]any
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return PlanData{}, errors.Wrap(err, "parse extraction output")
	}

	get := func(key string) string {
		switch v := raw[key].(type) {
		case string:
			return cleanValue(v)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
		return ""
	}

	return PlanData{
		FromToken: cleanToken(get(FieldFromToken)),
		ToToken:   cleanToken(get(FieldToToken)),
		Amount:    cleanNumber(get(FieldAmount)),
		Interval:  strings.ToLower(get(FieldInterval)),
		Duration:  strings.ToLower(get(FieldDuration)),
		Slippage:  cleanNumber(get("slippage")),
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "null", "none", "unknown", "n/a":
		return ""
	}
	return v
}

// cleanToken maps a model answer onto the canonical symbol when it names a
// known token; unknown answers pass through for validation to flag.
func cleanToken(v string) string {
	if v == "" {
		return ""
	}
	if sym, ok := NormalizeToken(v); ok {
		return sym
	}
	return v
}

// cleanNumber keeps only the numeric part of values like "$100" or "1%".
func cleanNumber(v string) string {
	if v == "" {
		return ""
	}
	return numberFragmentRe.FindString(v)
}
