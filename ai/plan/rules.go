package plan

import (
	"context"
	"regexp"
	"strings"
)

// RuleStrategy extracts plan fields with deterministic vocabulary and regex
// matching. It is total: it never fails, it just finds nothing.
type RuleStrategy struct{}

func (RuleStrategy) Name() string { return "rules" }

func (RuleStrategy) TryExtract(_ context.Context, message string, _ []Turn, partial PlanData) (PlanData, error) {
	return partial.Merge(extractFields(message, partial)), nil
}

var typoFixes = map[string]string{
	"minitues": "minutes",
	"minuets":  "minutes",
	"minuts":   "minutes",
	"huors":    "hours",
	"dialy":    "daily",
	"weekley":  "weekly",
	"monthy":   "monthly",
	"hourley":  "hourly",
}

var (
	numberRe       = regexp.MustCompile(`^\d+(?:\.\d+)?$`)
	dollarAmountRe = regexp.MustCompile(`\$\s?(\d+(?:\.\d+)?)`)

	intervalEveryNRe   = regexp.MustCompile(`\bevery\s+(\d+(?:\.\d+)?)\s+(minutes?|hours?|days?|weeks?|months?|years?)\b`)
	intervalEveryOneRe = regexp.MustCompile(`\bevery\s+(minute|hour|day|week|month|year)\b`)
	intervalKeywordRe  = regexp.MustCompile(`\b(hourly|daily|weekly|monthly)\b`)

	durationKeywordRe = regexp.MustCompile(`\b(?:for|over)\s+(?:the\s+next\s+)?(\d+(?:\.\d+)?)\s+(minutes?|hours?|days?|weeks?|months?|years?)\b`)
	durationBareRe    = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s+(minutes?|hours?|days?|weeks?|months?|years?)\b`)

	slippageAfterRe  = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*%\s*slippage\b`)
	slippageBeforeRe = regexp.MustCompile(`\bslippage\s*(?:of|at|:)?\s*(\d+(?:\.\d+)?)\s*%`)
)

// everyUnitToKeyword collapses "every day" style phrases onto the bare
// keyword form so the stored interval has one spelling per cadence.
var everyUnitToKeyword = map[string]string{
	"minute": "1 minute",
	"hour":   "hourly",
	"day":    "daily",
	"week":   "weekly",
	"month":  "monthly",
	"year":   "1 year",
}

var amountMarkers = map[string]struct{}{
	"dollars": {},
	"dollar":  {},
	"usd":     {},
	"bucks":   {},
	"tokens":  {},
	"coins":   {},
	"worth":   {},
}

var fromMarkers = map[string]struct{}{
	"from":    {},
	"sell":    {},
	"swap":    {},
	"convert": {},
	"using":   {},
	"with":    {},
}

var toMarkers = map[string]struct{}{
	"into":     {},
	"to":       {},
	"buy":      {},
	"purchase": {},
	"get":      {},
}

// extractFields runs every rule against one message and returns only the
// fields it found; merging onto the accumulated partial is the caller's job.
// The partial is consulted read-only, to slot a bare token answer into
// whichever token field is still open.
func extractFields(message string, partial PlanData) PlanData {
	text := normalizeText(message)
	words := splitWords(text)

	var found PlanData
	found.FromToken, found.ToToken = extractTokens(words, partial)
	found.Amount = extractAmount(text, words)
	found.Interval = extractInterval(text)
	found.Duration = extractDuration(text)
	found.Slippage = extractSlippage(text)
	return found
}

// normalizeText lowercases the message and repairs known unit typos so the
// interval and duration patterns can stay strict.
func normalizeText(message string) string {
	words := strings.Fields(strings.ToLower(message))
	for i, w := range words {
		trimmed := strings.Trim(w, ".,!?;:()\"'")
		if fixed, ok := typoFixes[trimmed]; ok {
			words[i] = strings.Replace(w, trimmed, fixed, 1)
		}
	}
	return strings.Join(words, " ")
}

func splitWords(text string) []string {
	raw := strings.Fields(text)
	words := make([]string, 0, len(raw))
	for _, w := range raw {
		w = strings.Trim(w, ".,!?;:()\"'")
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// extractTokens finds token symbols by vocabulary scan. Two distinct symbols
// give source and destination in occurrence order. A single symbol needs a
// direction signal; a bare answer falls into the one token slot still open.
// Anything else is ambiguous and extracts nothing.
func extractTokens(words []string, partial PlanData) (from, to string) {
	type hit struct {
		sym string
		idx int
	}
	var hits []hit
	seen := map[string]bool{}
	for i, w := range words {
		sym, ok := NormalizeToken(w)
		if !ok || seen[sym] {
			continue
		}
		seen[sym] = true
		hits = append(hits, hit{sym: sym, idx: i})
	}

	switch len(hits) {
	case 2:
		return hits[0].sym, hits[1].sym
	case 1:
		h := hits[0]
		if h.idx > 0 {
			prev := words[h.idx-1]
			if _, ok := fromMarkers[prev]; ok {
				return h.sym, ""
			}
			if _, ok := toMarkers[prev]; ok {
				return "", h.sym
			}
			if numberRe.MatchString(prev) {
				// "invest 100 USDC ..." spends the named token
				return h.sym, ""
			}
		}
		if h.idx+1 < len(words) {
			next := words[h.idx+1]
			if next == "into" || next == "to" {
				return h.sym, ""
			}
		}
		// A bare token naming neither direction answers the token question
		// currently open: the first empty slot in question order. With both
		// slots already filled there is no unambiguous target.
		if partial.FromToken == "" {
			return h.sym, ""
		}
		if partial.ToToken == "" {
			return "", h.sym
		}
		return "", ""
	default:
		return "", ""
	}
}

// extractAmount matches a number directly followed by a token symbol or a
// currency marker, a "$N" form, or a message that is nothing but a number
// (the direct answer to the amount question).
func extractAmount(text string, words []string) string {
	for i, w := range words {
		if !numberRe.MatchString(w) || i+1 >= len(words) {
			continue
		}
		next := words[i+1]
		if _, ok := NormalizeToken(next); ok {
			return w
		}
		if _, ok := amountMarkers[next]; ok {
			return w
		}
	}
	if m := dollarAmountRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if trimmed := strings.TrimSpace(text); numberRe.MatchString(trimmed) {
		return trimmed
	}
	return ""
}

func extractInterval(text string) string {
	if m := intervalEveryNRe.FindStringSubmatch(text); m != nil {
		return m[1] + " " + m[2]
	}
	if m := intervalEveryOneRe.FindStringSubmatch(text); m != nil {
		return everyUnitToKeyword[m[1]]
	}
	if m := intervalKeywordRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// extractDuration prefers the explicit "for/over N unit" form. Without a
// duration keyword it falls back to any bare "N unit", skipping spans that
// belong to an "every N unit" interval.
func extractDuration(text string) string {
	if m := durationKeywordRe.FindStringSubmatch(text); m != nil {
		return m[1] + " " + m[2]
	}
	for _, loc := range durationBareRe.FindAllStringSubmatchIndex(text, -1) {
		before := strings.TrimRight(text[:loc[0]], " ")
		if strings.HasSuffix(before, "every") {
			continue
		}
		return text[loc[2]:loc[3]] + " " + text[loc[4]:loc[5]]
	}
	return ""
}

func extractSlippage(text string) string {
	if m := slippageAfterRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := slippageBeforeRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}
