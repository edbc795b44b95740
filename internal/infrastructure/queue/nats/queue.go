package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
	"github.com/kirillkom/knowledge-retrieval/internal/infrastructure/resilience"
)

const workerGroup = "kr-workers"

// Queue carries index maintenance commands over core NATS subjects.
type Queue struct {
	conn          *nats.Conn
	indexSubject  string
	removeSubject string
	policy        *resilience.Policy
	logger        *slog.Logger
}

type Options struct {
	IndexSubject         string
	RemoveSubject        string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	Policy               *resilience.Policy
	Logger               *slog.Logger
}

func New(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("knowledge-retrieval"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newQueue(conn, options, logger), nil
}

func newQueue(conn *nats.Conn, options Options, logger *slog.Logger) *Queue {
	indexSubject := options.IndexSubject
	if indexSubject == "" {
		indexSubject = "knowledge.index"
	}
	removeSubject := options.RemoveSubject
	if removeSubject == "" {
		removeSubject = "knowledge.remove"
	}
	return &Queue{
		conn:          conn,
		indexSubject:  indexSubject,
		removeSubject: removeSubject,
		policy:        options.Policy,
		logger:        logger,
	}
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishIndex(ctx context.Context, cmd domain.IndexCommand) error {
	if len(cmd.Chunks) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "publish index", errors.New("no chunks"))
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now().UTC()
	}
	return q.publish(ctx, q.indexSubject, cmd)
}

func (q *Queue) PublishRemove(ctx context.Context, cmd domain.RemoveCommand) error {
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now().UTC()
	}
	return q.publish(ctx, q.removeSubject, cmd)
}

func (q *Queue) publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s command: %w", subject, err)
	}

	err = q.policy.Do(ctx, "nats.publish", func(_ context.Context) error {
		if err := q.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}, classifyNATSError)
	return publishError(subject, err)
}

func (q *Queue) SubscribeIndex(ctx context.Context, handler func(context.Context, domain.IndexCommand) error) error {
	return subscribe(ctx, q, q.indexSubject, handler)
}

func (q *Queue) SubscribeRemove(ctx context.Context, handler func(context.Context, domain.RemoveCommand) error) error {
	return subscribe(ctx, q, q.removeSubject, handler)
}

// subscribe blocks until ctx is done, then drains the subscription.
func subscribe[T any](ctx context.Context, q *Queue, subject string, handler func(context.Context, T) error) error {
	sub, err := q.conn.QueueSubscribe(subject, workerGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if err := dispatch(ctx, msg.Data, handler); err != nil {
			q.logger.Error("queue_handler_failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func dispatch[T any](ctx context.Context, data []byte, handler func(context.Context, T) error) error {
	var cmd T
	if err := json.Unmarshal(data, &cmd); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode command", err)
	}
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	return handler(handlerCtx, cmd)
}
