package nats

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

var transientPublishErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrConnectionReconnecting,
	nats.ErrDisconnected,
	nats.ErrReconnectBufExceeded,
}

func classifyNATSError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case errors.Is(err, nats.ErrMaxPayload):
		// The command itself is too large; the connection is fine.
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err), isTransient(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

func isTransient(err error) bool {
	for _, target := range transientPublishErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// publishError maps a failed publish onto the domain error kinds the API reports.
func publishError(subject string, err error) error {
	if err == nil {
		return nil
	}
	operation := "publish " + subject
	switch {
	case domain.IsKind(err, domain.ErrTemporary):
		return err
	case errors.Is(err, nats.ErrMaxPayload):
		return domain.WrapError(domain.ErrInvalidInput, operation, errors.New("command exceeds the broker payload limit; send fewer chunks per request"))
	case classifyNATSError(err).Retryable:
		return domain.WrapError(domain.ErrTemporary, operation, err)
	default:
		return err
	}
}
