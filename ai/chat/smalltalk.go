package chat

import (
	"strings"

	"github.com/dripcast/dripcast/ai/plan"
)

// Canned replies for conversation that never needs the agent.
const (
	greetingReply = "Hey! I set up recurring crypto purchases on autopilot. Try something like \"Invest 100 USDC into ETH weekly for 3 months\"."
	helpReply     = "I can build DCA plans for you: tell me what to buy, with how much, and how often. For example: \"Invest 50 USDC into ETH daily for 2 months\"."
	thanksReply   = "Anytime! Want to set up another plan?"
)

var greetingWords = map[string]struct{}{
	"hi":        {},
	"hello":     {},
	"hey":       {},
	"yo":        {},
	"sup":       {},
	"gm":        {},
	"howdy":     {},
	"greetings": {},
	"morning":   {},
	"evening":   {},
}

var thanksWords = map[string]struct{}{
	"thanks": {},
	"thank":  {},
	"thx":    {},
	"ty":     {},
	"cheers": {},
}

var helpWords = map[string]struct{}{
	"help":    {},
	"start":   {},
	"info":    {},
	"explain": {},
}

// domainWords pull a message out of smalltalk even when it also greets:
// "hi, swap my usdc" is a request, not a greeting.
var domainWords = map[string]struct{}{
	"dca":       {},
	"plan":      {},
	"invest":    {},
	"investing": {},
	"swap":      {},
	"buy":       {},
	"sell":      {},
	"trade":     {},
	"price":     {},
	"balance":   {},
	"portfolio": {},
	"token":     {},
	"wallet":    {},
}

// smalltalkReply answers greetings, thanks and help requests from a canned
// table. It reports false for anything with domain vocabulary in it, so
// real requests always reach the later steps.
func smalltalkReply(message string) (string, bool) {
	words := messageWords(message)
	if len(words) == 0 || len(words) > 8 {
		return "", false
	}

	var greeted, thanked, askedHelp bool
	for _, w := range words {
		if _, ok := domainWords[w]; ok {
			return "", false
		}
		if plan.IsKnownToken(w) {
			return "", false
		}
		if _, ok := greetingWords[w]; ok {
			greeted = true
		}
		if _, ok := thanksWords[w]; ok {
			thanked = true
		}
		if _, ok := helpWords[w]; ok {
			askedHelp = true
		}
	}

	switch {
	case askedHelp:
		return helpReply, true
	case thanked:
		return thanksReply, true
	case greeted:
		return greetingReply, true
	}
	return "", false
}

// fallbackReply is served instead of agent output whenever the bridge
// fails. Keyword buckets keep it roughly on-topic.
func fallbackReply(message string) string {
	text := strings.ToLower(message)
	switch {
	case containsAny(text, "price", "worth", "cost", "chart"):
		return "I can't fetch live prices right now. Please try again in a moment."
	case containsAny(text, "balance", "portfolio", "holdings", "funds"):
		return "I can't reach your portfolio data right now. Please try again shortly."
	case containsAny(text, "swap", "buy", "sell", "trade"):
		return "I couldn't reach the trading agent just now. Nothing was executed; please try again in a moment."
	case containsAny(text, "plan", "dca", "invest"):
		return "The agent is unreachable right now, but I can still collect your plan details. Tell me the amount, tokens and cadence, and confirm once I'm back online."
	default:
		return "I'm having trouble reaching the agent right now. Please try again in a moment."
	}
}

func containsAny(text string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func messageWords(message string) []string {
	fields := strings.Fields(strings.ToLower(message))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if w := strings.Trim(f, ".,!?;:()\"'"); w != "" {
			words = append(words, w)
		}
	}
	return words
}
