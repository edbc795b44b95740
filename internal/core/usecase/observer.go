package usecase

import (
	"context"
	"time"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/core/ports"
)

const (
	RerankApplied  = "applied"
	RerankFallback = "fallback"
	RerankSkipped  = "skipped"
)

type noopObserver struct{}

func (noopObserver) ObserveSearch(string, time.Duration, int, error) {}
func (noopObserver) ObserveRoute(domain.RouteDecision)               {}
func (noopObserver) ObserveRerank(string)                            {}
func (noopObserver) ObserveIndex(string, int, error)                 {}

func observerOrNoop(o ports.RetrievalObserver) ports.RetrievalObserver {
	if o == nil {
		return noopObserver{}
	}
	return o
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
