package client

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-travel-approvals/internal/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// JetStreamPublisher is the slice of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublisherConfig tunes IntentPublisher.
type PublisherConfig struct {
	SubjectPrefix    string
	RetryAttempts    int
	RetryInitialWait time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// IntentPublisher publishes engine intents to NATS JetStream for the
// notification, scheduling and purchase services.
//
// Subject convention: <prefix>.<intent_type>
//
// Publishing is non-fatal: errors are logged and never reach the caller, so a
// broker outage never interrupts an approval transition.
type IntentPublisher struct {
	js      JetStreamPublisher
	prefix  string
	retrier retry.Retry[*jetstream.PubAck]
	breaker circuitbreaker.CircuitBreaker[*jetstream.PubAck]
	log     *logger.Logger
	now     func() time.Time
}

// IntentMessage is the JSON schema published to NATS.
type IntentMessage struct {
	Type          service.IntentType `json:"type"`
	RequestID     string             `json:"request_id"`
	TargetUserIDs []string           `json:"target_user_ids,omitempty"`
	Payload       map[string]any     `json:"payload,omitempty"`
	PublishedAt   time.Time          `json:"published_at"`
}

// NewIntentPublisher creates a publisher over js. A nil js yields a publisher
// that drops every intent.
func NewIntentPublisher(js JetStreamPublisher, cfg PublisherConfig, log *logger.Logger) *IntentPublisher {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "approvals.intents"
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryInitialWait <= 0 {
		cfg.RetryInitialWait = 100 * time.Millisecond
	}
	if cfg.BreakerThreshold < 1 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	threshold := uint32(cfg.BreakerThreshold) // #nosec G115 -- bounded config value
	return &IntentPublisher{
		js:     js,
		prefix: cfg.SubjectPrefix,
		retrier: retry.New[*jetstream.PubAck](retry.Config{
			MaxAttempts:   cfg.RetryAttempts,
			InitialDelay:  cfg.RetryInitialWait,
			MaxDelay:      10 * cfg.RetryInitialWait,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
		}),
		breaker: circuitbreaker.New[*jetstream.PubAck](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    cfg.BreakerTimeout,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
		log: log.Component("intent_publisher"),
		now: time.Now,
	}
}

// Dispatch publishes a single intent.
func (p *IntentPublisher) Dispatch(ctx context.Context, intent service.Intent) {
	if p == nil || p.js == nil {
		return
	}

	data, err := json.Marshal(IntentMessage{
		Type:          intent.Type,
		RequestID:     intent.RequestID,
		TargetUserIDs: intent.TargetUserIDs,
		Payload:       intent.Payload,
		PublishedAt:   p.now().UTC(),
	})
	if err != nil {
		p.log.Warn().Err(err).Str("intent", string(intent.Type)).Msg("Failed to marshal intent")
		return
	}

	subject := p.Subject(intent.Type)
	_, err = p.breaker.Execute(ctx, func(ctx context.Context) (*jetstream.PubAck, error) {
		return p.retrier.Do(ctx, func(ctx context.Context) (*jetstream.PubAck, error) {
			return p.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID(intent, data)))
		})
	})
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", intent.RequestID).
			Msg("Failed to publish intent (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", intent.RequestID).
		Int("targets", len(intent.TargetUserIDs)).
		Msg("Intent published")
}

// Subject returns the NATS subject for an intent type.
func (p *IntentPublisher) Subject(t service.IntentType) string {
	return fmt.Sprintf("%s.%s", p.prefix, t)
}

// msgID lets JetStream drop duplicates when a publish is retried after the
// server already stored it.
func msgID(intent service.Intent, data []byte) string {
	h := fnv.New32a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%s:%s:%x", intent.RequestID, intent.Type, h.Sum32())
}

// ── Connection ───────────────────────────────────────────────────────────────

// Connection owns the NATS connection and its JetStream context.
type Connection struct {
	nc *nats.Conn
	JS jetstream.JetStream
}

// Connect dials url and makes sure stream captures every subject under prefix.
func Connect(ctx context.Context, url, stream, prefix string, wait time.Duration, log *logger.Logger) (*Connection, error) {
	nc, err := nats.Connect(url,
		nats.Name("be-travel-approvals"),
		nats.Timeout(wait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}

	return &Connection{nc: nc, JS: js}, nil
}

// Close drains the connection.
func (c *Connection) Close() {
	if c == nil || c.nc == nil {
		return
	}
	_ = c.nc.Drain()
}
