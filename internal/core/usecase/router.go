package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

const (
	fastPathConfidence     = 0.9
	slowPathConfidence     = 0.8
	unrecognisedConfidence = 0.6
	fallbackConfidence     = 0.5

	defaultRewriteHistoryTurns = 6
	defaultClassifyTimeout     = 5 * time.Second
)

const classificationPrompt = `You are a query classifier for a personal knowledge base assistant. Classify the user's query into ONE of these categories:

KNOWLEDGE - Questions seeking information that would be found in documents (facts, details, explanations, "what is", "how does", "explain", etc.)
SUMMARY - Requests to summarize, recap or give an overview of a document or topic
COMPARISON - Requests to compare two or more things or explain their differences
FOLLOW_UP - Continuations of the previous answer that still need the documents ("and the second step?", "what else does it say")
META - Questions about the system itself, what documents exist, capabilities, or how the assistant works ("what documents", "what do you have", "list my files", "what can you do")
GREETING - Greetings, thanks, small talk, casual conversation ("hello", "hi", "thanks", "bye", "how are you")
CLARIFICATION - Query is too vague or ambiguous to process meaningfully (single words like "details", "more", "explain", or unclear references)
OUT_OF_SCOPE - Requests for actions outside capabilities like writing code, sending emails, browsing web, calculations, or tasks unrelated to the knowledge base

User Query: %q

Respond with ONLY the category name, nothing else.`

const rewritePrompt = `Rewrite the user's latest question so it can be understood without the conversation.
Replace pronouns and vague references ("it", "that one", "the document", "the second one") with what they refer to in the conversation.
Keep the meaning and language of the question. If nothing needs replacing, return the question unchanged.
Respond with ONLY the rewritten question.`

type RouterOptions struct {
	ClassifyTimeout     time.Duration
	RewriteHistoryTurns int
	// Rules defaults to the embedded table.
	Rules    *RouterRules
	Logger   *slog.Logger
	Observer ports.RetrievalObserver
}

// QueryRouter classifies user queries and resolves references to earlier turns.
type QueryRouter struct {
	chat         ports.ChatProvider
	rules        *RouterRules
	timeout      time.Duration
	historyTurns int
	logger       *slog.Logger
	observer     ports.RetrievalObserver
}

// NewQueryRouter accepts a nil chat provider; the router then relies on the
// fast path and falls back to KNOWLEDGE.
func NewQueryRouter(chat ports.ChatProvider, opts RouterOptions) (*QueryRouter, error) {
	rules := opts.Rules
	if rules == nil {
		var err error
		rules, err = DefaultRouterRules()
		if err != nil {
			return nil, err
		}
	}
	if opts.ClassifyTimeout <= 0 {
		opts.ClassifyTimeout = defaultClassifyTimeout
	}
	if opts.RewriteHistoryTurns <= 0 {
		opts.RewriteHistoryTurns = defaultRewriteHistoryTurns
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryRouter{
		chat:         chat,
		rules:        rules,
		timeout:      opts.ClassifyTimeout,
		historyTurns: opts.RewriteHistoryTurns,
		logger:       logger,
		observer:     observerOrNoop(opts.Observer),
	}, nil
}

func (r *QueryRouter) Classify(ctx context.Context, query string, history []domain.ChatMessage) domain.RouteDecision {
	decision := r.classify(ctx, query, history)
	r.observer.ObserveRoute(decision)
	return decision
}

func (r *QueryRouter) classify(ctx context.Context, query string, history []domain.ChatMessage) domain.RouteDecision {
	if strings.TrimSpace(query) == "" {
		return domain.RouteDecision{Intent: domain.IntentClarification, Confidence: fastPathConfidence, Path: domain.RouteFast}
	}
	if intent, rule, ok := r.rules.Match(query); ok {
		r.logger.Debug("route_fast_path", "rule", rule, "intent", intent)
		return domain.RouteDecision{Intent: intent, Confidence: fastPathConfidence, Path: domain.RouteFast}
	}

	var resolved *string
	effective := query
	if rewritten, ok := r.rewrite(ctx, query, history); ok {
		resolved = &rewritten
		effective = rewritten
	}

	if r.chat == nil {
		return domain.RouteDecision{Intent: domain.IntentKnowledge, Confidence: fallbackConfidence, ResolvedQuery: resolved, Path: domain.RouteFallback}
	}

	callCtx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	answer, err := r.chat.Complete(callCtx, []domain.ChatMessage{
		{Role: "user", Content: fmt.Sprintf(classificationPrompt, effective)},
	}, ports.ChatOptions{Temperature: 0, MaxTokens: 20})
	if err != nil {
		r.logger.Warn("route_classify_failed", "error", err)
		return domain.RouteDecision{Intent: domain.IntentKnowledge, Confidence: fallbackConfidence, ResolvedQuery: resolved, Path: domain.RouteFallback}
	}

	intent, ok := parseIntentResponse(answer)
	if !ok {
		r.logger.Warn("route_unrecognised_intent", "response", truncate(answer, 80))
		return domain.RouteDecision{Intent: domain.IntentKnowledge, Confidence: unrecognisedConfidence, ResolvedQuery: resolved, Path: domain.RouteSlow}
	}
	return domain.RouteDecision{Intent: intent, Confidence: slowPathConfidence, ResolvedQuery: resolved, Path: domain.RouteSlow}
}

// rewrite reports false when nothing changed or the provider could not help.
func (r *QueryRouter) rewrite(ctx context.Context, query string, history []domain.ChatMessage) (string, bool) {
	if r.chat == nil || len(history) == 0 || !r.rules.IsReferential(query) {
		return "", false
	}
	if len(history) > r.historyTurns {
		history = history[len(history)-r.historyTurns:]
	}

	var conversation strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&conversation, "%s: %s\n", msg.Role, strings.TrimSpace(msg.Content))
	}
	messages := []domain.ChatMessage{
		{Role: "system", Content: rewritePrompt},
		{Role: "user", Content: fmt.Sprintf("Conversation:\n%s\nLatest question: %s", conversation.String(), query)},
	}

	callCtx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	answer, err := r.chat.Complete(callCtx, messages, ports.ChatOptions{Temperature: 0, MaxTokens: 200})
	if err != nil {
		r.logger.Warn("route_rewrite_failed", "error", err)
		return "", false
	}
	rewritten := strings.Trim(strings.TrimSpace(answer), "\"")
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" || strings.EqualFold(rewritten, strings.TrimSpace(query)) {
		return "", false
	}
	return rewritten, true
}

// parseIntentResponse tries an exact match first, then the first intent name
// contained in the response.
func parseIntentResponse(raw string) (domain.Intent, bool) {
	if intent, ok := domain.ParseIntent(raw); ok {
		return intent, true
	}
	normalized := strings.ToUpper(raw)
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	for _, intent := range domain.Intents {
		if strings.Contains(normalized, string(intent)) {
			return intent, true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
