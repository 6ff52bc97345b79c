package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/blociq/lease-pipeline/internal/infrastructure/resilience"
)

// ProcessRequest is the message body on the processing subject. An empty
// JobID asks the worker to claim whatever is next in line.
type ProcessRequest struct {
	JobID       string    `json:"job_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

type Queue struct {
	conn        *nats.Conn
	subject     string
	group       string
	concurrency int
	executor    *resilience.Executor
	log         *zerolog.Logger

	now func() time.Time
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	QueueGroup           string
	Concurrency          int
	ResilienceExecutor   *resilience.Executor
	Logger               *zerolog.Logger
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
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
	group := options.QueueGroup
	if group == "" {
		group = "lease-workers"
	}
	concurrency := options.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := options.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "nats").Str("subject", subject).Logger()

	conn, err := nats.Connect(
		url,
		nats.Name("lease-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("nats_disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info().Str("url", nc.ConnectedUrl()).Msg("nats_reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:        conn,
		subject:     subject,
		group:       group,
		concurrency: concurrency,
		executor:    options.ResilienceExecutor,
		log:         &l,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// DispatchProcess publishes one processing request.
func (q *Queue) DispatchProcess(ctx context.Context, jobID string) error {
	payload, err := encodeRequest(ProcessRequest{JobID: jobID, RequestedAt: q.now()})
	if err != nil {
		return err
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

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

// SubscribeProcessRequests runs handler for each request with at most
// Concurrency handlers in flight. It blocks until ctx is done, then drains
// the subscription and waits for running handlers.
func (q *Queue) SubscribeProcessRequests(ctx context.Context, handler func(context.Context, string) error) error {
	slots := make(chan struct{}, q.concurrency)
	var inflight sync.WaitGroup

	sub, err := q.conn.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		req, err := decodeRequest(msg.Data)
		if err != nil {
			q.log.Warn().Err(err).Int("bytes", len(msg.Data)).Msg("process_request_rejected")
			return
		}

		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		inflight.Add(1)
		go func() {
			defer func() {
				<-slots
				inflight.Done()
			}()
			if err := handler(ctx, req.JobID); err != nil {
				q.log.Error().Err(err).Str("job_id", req.JobID).Msg("process_handler_failed")
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	q.log.Info().Str("group", q.group).Int("concurrency", q.concurrency).Msg("subscribed")

	<-ctx.Done()
	drainErr := sub.Drain()
	inflight.Wait()
	if drainErr != nil {
		return fmt.Errorf("nats drain subscription: %w", drainErr)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeRequest(req ProcessRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode process request: %w", err)
	}
	return payload, nil
}

// decodeRequest also accepts a bare job id so operators can publish with
// the nats CLI.
func decodeRequest(data []byte) (ProcessRequest, error) {
	if len(data) == 0 {
		return ProcessRequest{}, nil
	}
	if data[0] != '{' {
		return ProcessRequest{JobID: string(data)}, nil
	}
	var req ProcessRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ProcessRequest{}, fmt.Errorf("decode process request: %w", err)
	}
	return req, nil
}
