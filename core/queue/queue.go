package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Job kinds
const (
	KindAnalysis      = "analysis"
	KindPreprocessing = "preprocessing"
)

// Message is the payload published for every job. Attempt and
// MaxAttempts are filled in on delivery.
type Message struct {
	Kind        string `json:"kind"`
	JobID       string `json:"job_id"`
	Attempt     int    `json:"-"`
	MaxAttempts int    `json:"-"`
}

// Final reports whether a failed handler gets no further delivery
func (m Message) Final() bool {
	return m.MaxAttempts == 0 || m.Attempt >= m.MaxAttempts
}

// Handler processes one delivered job. Returning an error wrapped with
// Permanent stops redelivery; any other error is retried with backoff.
type Handler func(ctx context.Context, msg Message) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config describes the stream and consumer
type Config struct {
	Stream     string
	Subject    string
	Queue      string
	MaxDeliver int
	AckWait    time.Duration
	RetryDelay time.Duration
}

// Connect dials NATS with reconnects enabled
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("inference-orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
}

// Client publishes and consumes jobs over a JetStream work queue
type Client struct {
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

// New binds to the job stream, creating it when missing
func New(nc *nats.Conn, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 3
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 10 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}
	c := &Client{js: js, cfg: cfg, logger: logger}
	if err := c.ensureStream(); err != nil {
		return nil, err
	}
	return c, nil
}

// JetStream returns the underlying context, shared with the breaker store
func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) ensureStream() error {
	_, err := c.js.StreamInfo(c.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", c.cfg.Stream, err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  []string{c.cfg.Subject + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.cfg.Stream, err)
	}
	c.logger.Info("created job stream", "stream", c.cfg.Stream, "subject", c.cfg.Subject+".>")
	return nil
}

// Enqueue publishes a job. Publishing the same job twice within the
// stream's duplicate window is a no-op.
func (c *Client) Enqueue(ctx context.Context, kind, jobID string) error {
	data, err := json.Marshal(Message{Kind: kind, JobID: jobID})
	if err != nil {
		return err
	}
	subject := c.cfg.Subject + "." + kind
	if _, err := c.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(kind+":"+jobID)); err != nil {
		return fmt.Errorf("failed to enqueue %s job %s: %w", kind, jobID, err)
	}
	c.logger.Debug("job enqueued", "kind", kind, "job_id", jobID, "subject", subject)
	return nil
}

// Subscribe starts consuming jobs with handlers keyed by kind. Every
// worker joins the same durable queue group, so a job goes to one worker.
func (c *Client) Subscribe(ctx context.Context, handlers map[string]Handler) (*nats.Subscription, error) {
	sub, err := c.js.QueueSubscribe(c.cfg.Subject+".>", c.cfg.Queue, func(msg *nats.Msg) {
		c.handle(ctx, msg, handlers)
	},
		nats.Durable(c.cfg.Queue),
		nats.ManualAck(),
		nats.AckWait(c.cfg.AckWait),
		nats.MaxDeliver(c.cfg.MaxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.cfg.Subject, err)
	}
	return sub, nil
}

func (c *Client) handle(ctx context.Context, msg *nats.Msg, handlers map[string]Handler) {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		c.logger.Error("dropping malformed job message", "subject", msg.Subject, "err", err)
		_ = msg.Term()
		return
	}
	logger := c.logger.With("kind", m.Kind, "job_id", m.JobID)

	handler, ok := handlers[m.Kind]
	if !ok {
		logger.Error("no handler for job kind")
		_ = msg.Term()
		return
	}

	var attempt uint64 = 1
	if md, err := msg.Metadata(); err == nil {
		attempt = md.NumDelivered
	}
	m.Attempt = int(attempt)
	m.MaxAttempts = c.cfg.MaxDeliver

	// a started job runs to completion even when the worker shuts down
	err := handler(context.WithoutCancel(ctx), m)
	switch {
	case err == nil:
		if aerr := msg.Ack(); aerr != nil {
			logger.Warn("failed to ack job", "err", aerr)
		}
	case IsPermanent(err):
		logger.Error("job failed permanently", "attempt", attempt, "err", err)
		_ = msg.Term()
	case attempt >= uint64(c.cfg.MaxDeliver):
		logger.Error("job failed, retries exhausted", "attempt", attempt, "err", err)
		_ = msg.Term()
	default:
		delay := Backoff(c.cfg.RetryDelay, attempt)
		logger.Warn("job failed, retrying", "attempt", attempt, "retry_in", delay, "err", err)
		_ = msg.NakWithDelay(delay)
	}
}

// maxBackoff caps the retry delay
const maxBackoff = time.Hour

// Backoff returns base * 2^(attempt-1), capped at one hour
func Backoff(base time.Duration, attempt uint64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := uint64(1); i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
