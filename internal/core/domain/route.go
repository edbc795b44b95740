package domain

import "strings"

type Intent string

const (
	IntentKnowledge     Intent = "KNOWLEDGE"
	IntentSummary       Intent = "SUMMARY"
	IntentComparison    Intent = "COMPARISON"
	IntentFollowUp      Intent = "FOLLOW_UP"
	IntentMeta          Intent = "META"
	IntentGreeting      Intent = "GREETING"
	IntentClarification Intent = "CLARIFICATION"
	IntentOutOfScope    Intent = "OUT_OF_SCOPE"
)

// Intents lists every intent; OUT_OF_SCOPE and FOLLOW_UP come first so substring
// matching never mistakes them for a shorter name.
var Intents = []Intent{
	IntentOutOfScope,
	IntentFollowUp,
	IntentClarification,
	IntentComparison,
	IntentKnowledge,
	IntentSummary,
	IntentGreeting,
	IntentMeta,
}

func ParseIntent(raw string) (Intent, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	for _, intent := range Intents {
		if normalized == string(intent) {
			return intent, true
		}
	}
	return "", false
}

// NeedsRetrieval reports whether the intent is answered from indexed chunks.
func (i Intent) NeedsRetrieval() bool {
	switch i {
	case IntentKnowledge, IntentSummary, IntentComparison, IntentFollowUp:
		return true
	default:
		return false
	}
}

type RoutePath string

const (
	RouteFast     RoutePath = "fast"
	RouteSlow     RoutePath = "slow"
	RouteFallback RoutePath = "fallback"
)

type RouteDecision struct {
	Intent        Intent    `json:"intent"`
	Confidence    float64   `json:"confidence"`
	ResolvedQuery *string   `json:"resolved_query,omitempty"`
	Path          RoutePath `json:"path"`
}

// QueryFor returns the rewritten query when one exists, otherwise original.
func (d RouteDecision) QueryFor(original string) string {
	if d.ResolvedQuery != nil && strings.TrimSpace(*d.ResolvedQuery) != "" {
		return *d.ResolvedQuery
	}
	return original
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
