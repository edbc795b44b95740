package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

type chatFake struct {
	mu        sync.Mutex
	calls     int
	responses []string
	err       error
	block     bool
	prompts   [][]domain.ChatMessage
}

func (f *chatFake) Complete(ctx context.Context, messages []domain.ChatMessage, _ ports.ChatOptions) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, messages)
	idx := f.calls - 1
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return "", nil
}

func newTestRouter(t *testing.T, chat ports.ChatProvider) *QueryRouter {
	t.Helper()
	router, err := NewQueryRouter(chat, RouterOptions{ClassifyTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewQueryRouter() error = %v", err)
	}
	return router
}

func TestQueryRouterGreetingFastPath(t *testing.T) {
	chat := &chatFake{}
	router := newTestRouter(t, chat)

	decision := router.Classify(context.Background(), "hi there", nil)
	if decision.Intent != domain.IntentGreeting {
		t.Fatalf("expected GREETING, got %s", decision.Intent)
	}
	if decision.Confidence != 0.9 {
		t.Fatalf("expected confidence 0.9, got %v", decision.Confidence)
	}
	if decision.Path != domain.RouteFast {
		t.Fatalf("expected fast path, got %s", decision.Path)
	}
	if chat.calls != 0 {
		t.Fatalf("expected no provider calls, got %d", chat.calls)
	}
}

func TestQueryRouterFastPathRules(t *testing.T) {
	router := newTestRouter(t, nil)
	cases := map[string]domain.Intent{
		"compare X and Y":                        domain.IntentComparison,
		"What is the difference between A and B": domain.IntentComparison,
		"Summarize the onboarding guide":         domain.IntentSummary,
		"list my documents":                      domain.IntentMeta,
		"how many files do you have?":            domain.IntentMeta,
		"Hello!":                                 domain.IntentGreeting,
		"thanks a lot":                           domain.IntentGreeting,
		"more":                                   domain.IntentClarification,
		"details?":                               domain.IntentClarification,
		"   ":                                    domain.IntentClarification,
	}
	for query, want := range cases {
		decision := router.Classify(context.Background(), query, nil)
		if decision.Intent != want {
			t.Fatalf("Classify(%q) = %s, want %s", query, decision.Intent, want)
		}
		if decision.Path != domain.RouteFast {
			t.Fatalf("Classify(%q) path = %s, want fast", query, decision.Path)
		}
	}
}

func TestQueryRouterGreetingPrefixDoesNotSwallowQuestion(t *testing.T) {
	chat := &chatFake{responses: []string{"KNOWLEDGE"}}
	router := newTestRouter(t, chat)

	decision := router.Classify(context.Background(), "hey what is the refund policy", nil)
	if decision.Path != domain.RouteSlow {
		t.Fatalf("expected slow path, got %s", decision.Path)
	}
	if chat.calls != 1 {
		t.Fatalf("expected one provider call, got %d", chat.calls)
	}
}

func TestQueryRouterRewritesReferentialQuery(t *testing.T) {
	chat := &chatFake{responses: []string{
		"What are the trade-offs of Option B?",
		"KNOWLEDGE",
	}}
	router := newTestRouter(t, chat)
	history := []domain.ChatMessage{
		{Role: "user", Content: "Which deployment options are there?"},
		{Role: "assistant", Content: "There are two: Option A uses a single VM, Option B uses Kubernetes."},
	}

	decision := router.Classify(context.Background(), "what about the second one", history)
	if decision.ResolvedQuery == nil {
		t.Fatalf("expected resolved query")
	}
	if !strings.Contains(*decision.ResolvedQuery, "Option B") {
		t.Fatalf("expected rewrite to mention Option B, got %q", *decision.ResolvedQuery)
	}
	if decision.Intent != domain.IntentKnowledge || decision.Confidence != 0.8 {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if chat.calls != 2 {
		t.Fatalf("expected rewrite and classify calls, got %d", chat.calls)
	}
	classifyPrompt := chat.prompts[1][0].Content
	if !strings.Contains(classifyPrompt, "Option B") {
		t.Fatalf("expected classification over rewritten query, got %q", classifyPrompt)
	}
	if decision.QueryFor("what about the second one") != *decision.ResolvedQuery {
		t.Fatalf("QueryFor should prefer the rewrite")
	}
}

func TestQueryRouterRewriteUsesTrailingHistory(t *testing.T) {
	chat := &chatFake{responses: []string{"same", "KNOWLEDGE"}}
	router, err := NewQueryRouter(chat, RouterOptions{RewriteHistoryTurns: 2})
	if err != nil {
		t.Fatalf("NewQueryRouter() error = %v", err)
	}
	history := []domain.ChatMessage{
		{Role: "user", Content: "turn-1"},
		{Role: "assistant", Content: "turn-2"},
		{Role: "user", Content: "turn-3"},
	}
	router.Classify(context.Background(), "tell me about it in detail", history)

	prompt := chat.prompts[0][1].Content
	if strings.Contains(prompt, "turn-1") || !strings.Contains(prompt, "turn-3") {
		t.Fatalf("expected only trailing history in prompt, got %q", prompt)
	}
}

func TestQueryRouterRewriteNoOpGuard(t *testing.T) {
	chat := &chatFake{responses: []string{"  WHAT DOES IT COST  ", "KNOWLEDGE"}}
	router := newTestRouter(t, chat)
	history := []domain.ChatMessage{{Role: "user", Content: "tell me about the pro plan"}}

	decision := router.Classify(context.Background(), "what does it cost", history)
	if decision.ResolvedQuery != nil {
		t.Fatalf("expected no resolved query, got %q", *decision.ResolvedQuery)
	}
}

func TestQueryRouterSkipsRewriteWithoutHistoryOrReference(t *testing.T) {
	chat := &chatFake{responses: []string{"KNOWLEDGE"}}
	router := newTestRouter(t, chat)

	decision := router.Classify(context.Background(), "what does it cost", nil)
	if decision.ResolvedQuery != nil || chat.calls != 1 {
		t.Fatalf("expected only classification call, got calls=%d decision=%+v", chat.calls, decision)
	}

	chat = &chatFake{responses: []string{"KNOWLEDGE"}}
	router = newTestRouter(t, chat)
	history := []domain.ChatMessage{{Role: "user", Content: "hello"}}
	router.Classify(context.Background(), "how do refunds work for annual plans", history)
	if chat.calls != 1 {
		t.Fatalf("expected no rewrite for self-contained query, got %d calls", chat.calls)
	}
}

func TestQueryRouterFallbackWithoutProvider(t *testing.T) {
	router := newTestRouter(t, nil)

	decision := router.Classify(context.Background(), "how do refunds work for annual plans", nil)
	if decision.Intent != domain.IntentKnowledge {
		t.Fatalf("expected KNOWLEDGE, got %s", decision.Intent)
	}
	if decision.Confidence > 0.5 {
		t.Fatalf("expected low confidence, got %v", decision.Confidence)
	}
	if decision.Path != domain.RouteFallback {
		t.Fatalf("expected fallback path, got %s", decision.Path)
	}
}

func TestQueryRouterFallbackOnProviderError(t *testing.T) {
	router := newTestRouter(t, &chatFake{err: errors.New("upstream down")})

	decision := router.Classify(context.Background(), "how do refunds work for annual plans", nil)
	if decision.Intent != domain.IntentKnowledge || decision.Confidence > 0.5 {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestQueryRouterFallbackOnTimeout(t *testing.T) {
	router, err := NewQueryRouter(&chatFake{block: true}, RouterOptions{ClassifyTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewQueryRouter() error = %v", err)
	}

	started := time.Now()
	decision := router.Classify(context.Background(), "how do refunds work for annual plans", nil)
	if time.Since(started) > time.Second {
		t.Fatalf("classify did not honour timeout")
	}
	if decision.Intent != domain.IntentKnowledge || decision.Path != domain.RouteFallback {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestQueryRouterUnrecognisedResponse(t *testing.T) {
	router := newTestRouter(t, &chatFake{responses: []string{"I am not sure"}})

	decision := router.Classify(context.Background(), "how do refunds work for annual plans", nil)
	if decision.Intent != domain.IntentKnowledge || decision.Confidence != 0.6 {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestParseIntentResponse(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.Intent
		ok   bool
	}{
		{raw: "SUMMARY", want: domain.IntentSummary, ok: true},
		{raw: "  meta\n", want: domain.IntentMeta, ok: true},
		{raw: "out-of-scope", want: domain.IntentOutOfScope, ok: true},
		{raw: "Category: COMPARISON.", want: domain.IntentComparison, ok: true},
		{raw: "This is OUT OF SCOPE", want: domain.IntentOutOfScope, ok: true},
		{raw: "follow up", want: domain.IntentFollowUp, ok: true},
		{raw: "banana", ok: false},
	}
	for _, tc := range cases {
		got, ok := parseIntentResponse(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseIntentResponse(%q) = %s,%v want %s,%v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseRouterRulesRejectsUnknownIntent(t *testing.T) {
	_, err := ParseRouterRules([]byte("rules:\n  - name: x\n    intent: NOPE\n    patterns: ['x']\n"))
	if !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
