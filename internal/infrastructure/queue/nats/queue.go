package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/infrastructure/resilience"
)

const DefaultQueueGroup = "evidence-workers"

// QueryHandler serves one decoded query. A non-nil result is replied even
// when err is set.
type QueryHandler func(ctx context.Context, query domain.Query) (*domain.AggregatedResult, error)

type Queue struct {
	conn           *nats.Conn
	requestSubject string
	resultSubject  string
	queueGroup     string
	handlerTimeout time.Duration
	executor       *resilience.Executor
	logger         *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	QueueGroup           string
	HandlerTimeout       time.Duration
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, requestSubject, resultSubject string, options Options) (*Queue, error) {
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
	queueGroup := strings.TrimSpace(options.QueueGroup)
	if queueGroup == "" {
		queueGroup = DefaultQueueGroup
	}
	handlerTimeout := options.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = 30 * time.Second
	}

	conn, err := nats.Connect(
		url,
		nats.Name("evidence-router"),
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
	return &Queue{
		conn:           conn,
		requestSubject: requestSubject,
		resultSubject:  resultSubject,
		queueGroup:     queueGroup,
		handlerTimeout: handlerTimeout,
		executor:       options.ResilienceExecutor,
		logger:         logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) Connected() bool {
	return q.conn != nil && q.conn.IsConnected()
}

// PublishResult sends an aggregated result to the result subject. An empty
// result subject disables publication.
func (q *Queue) PublishResult(ctx context.Context, result *domain.AggregatedResult) error {
	if q.resultSubject == "" || result == nil {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return q.publish(ctx, q.resultSubject, payload)
}

// PublishQuery submits a query for asynchronous processing.
func (q *Queue) PublishQuery(ctx context.Context, query domain.Query) error {
	payload, err := json.Marshal(queryMessageFrom(query))
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}
	return q.publish(ctx, q.requestSubject, payload)
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeQueries blocks until ctx is done, serving queries from the
// request subject within the queue group.
func (q *Queue) SubscribeQueries(ctx context.Context, handler QueryHandler) error {
	sub, err := q.conn.QueueSubscribe(q.requestSubject, q.queueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		q.serve(ctx, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
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

func (q *Queue) serve(ctx context.Context, msg *nats.Msg, handler QueryHandler) {
	query, err := decodeQueryMessage(msg.Data)
	if err != nil {
		q.logger.Warn("query_message_invalid", "subject", msg.Subject, "error", err)
		q.reply(msg, nil, err)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, q.handlerTimeout)
	defer cancel()

	result, err := handler(handlerCtx, query)
	if err != nil {
		q.logger.Error("query_handler_failed", "query_id", query.ID, "error", err)
	}
	q.reply(msg, result, err)
}

func (q *Queue) reply(msg *nats.Msg, result *domain.AggregatedResult, handlerErr error) {
	if msg.Reply == "" {
		return
	}
	payload, err := encodeReply(result, handlerErr)
	if err != nil {
		q.logger.Error("query_reply_encode_failed", "error", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		q.logger.Warn("query_reply_failed", "reply", msg.Reply, "error", err)
	}
}
