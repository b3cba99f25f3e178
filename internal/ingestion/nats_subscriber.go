package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"IrmaLedger/internal/core"
	"IrmaLedger/internal/event"
	"IrmaLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Inbound subjects:
//
//	irma.venue.<ASSET>.buy         IrmaBought
//	irma.venue.<ASSET>.sell        IrmaSold
//	irma.oracle.<ASSET>.inflation  OracleInflationReported
const (
	StreamVenue  = "IRMA_VENUE"
	StreamOracle = "IRMA_ORACLE"
	StreamOutput = "IRMA_OUTPUT"

	subjectVenue  = "irma.venue"
	subjectOracle = "irma.oracle"
)

// RawEvent is an inbound message before it has been typed
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
}

// SubjectConfig binds one durable consumer to a stream filter
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one consumer per stream. Buys and sells for an asset
// share a fill sequence, so they must come through the same ordered consumer.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: subjectVenue + ".>", ConsumerName: "ledger-venue", StreamName: StreamVenue},
		{Subject: subjectOracle + ".>", ConsumerName: "ledger-oracle", StreamName: StreamOracle},
	}
}

// VenueSubject returns the subject a venue publishes a fill on.
func VenueSubject(asset string, buy bool) string {
	side := "sell"
	if buy {
		side = "buy"
	}
	return fmt.Sprintf("%s.%s.%s", subjectVenue, asset, side)
}

// OracleSubject returns the subject an oracle publishes readings on.
func OracleSubject(asset string) string {
	return fmt.Sprintf("%s.%s.inflation", subjectOracle, asset)
}

// ResolveEventType maps an inbound subject to its event type name.
func ResolveEventType(subject string) (string, error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) != 4 || tokens[0] != "irma" {
		return "", fmt.Errorf("unrecognized subject %q", subject)
	}
	switch tokens[1] + "." + tokens[3] {
	case "venue.buy":
		return TypeIrmaBought, nil
	case "venue.sell":
		return TypeIrmaSold, nil
	case "oracle.inflation":
		return TypeOracleInflation, nil
	default:
		return "", fmt.Errorf("unrecognized subject %q", subject)
	}
}

// inboundMsg is the subset of jetstream.Msg the subscriber needs
type inboundMsg interface {
	Subject() string
	Data() []byte
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// NATSSubscriber feeds JetStream messages into the core loop. A message is acked
// only after the core has decided it: applied, rejected, or recognised as a
// duplicate.
type NATSSubscriber struct {
	js        jetstream.JetStream
	in        chan<- core.Submission
	gapDelay  time.Duration
	metrics   *observability.Metrics
	log       zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewNATSSubscriber(js jetstream.JetStream, in chan<- core.Submission, gapDelay time.Duration, metrics *observability.Metrics, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:       js,
		in:       in,
		gapDelay: gapDelay,
		metrics:  metrics,
		log:      log,
	}
}

// Subscribe creates durable consumers for all configured subjects.
// MaxAckPending=1 keeps delivery in stream order.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

func (ns *NATSSubscriber) handle(ctx context.Context, msg inboundMsg) {
	subject := msg.Subject()
	source := subjectSource(subject)

	evt, err := parseMessage(subject, msg.Data())
	if err != nil {
		// Poison message: redelivery would fail the same way.
		ns.log.Warn().Err(err).Str("subject", subject).Msg("dropping unparseable message")
		ns.count(source, "invalid")
		_ = msg.Term()
		return
	}

	out, err := core.Submit(ctx, ns.in, evt)
	switch {
	case err == nil:
		outcome := "applied"
		if out == nil {
			outcome = "duplicate"
		} else if out.Rejected() {
			outcome = "rejected"
		}
		ns.count(source, outcome)
		_ = msg.Ack()

	case errors.Is(err, core.ErrSequenceGap):
		// An earlier message is still in flight; retry after it lands.
		ns.count(source, "gap")
		_ = msg.NakWithDelay(ns.gapDelay)

	case errors.Is(err, core.ErrOutOfOrder):
		ns.log.Error().Err(err).Str("key", evt.IdempotencyKey()).Msg("terminating out-of-order message")
		ns.count(source, "out_of_order")
		_ = msg.Term()

	default:
		ns.log.Warn().Err(err).Str("key", evt.IdempotencyKey()).Msg("event not decided, redelivering")
		ns.count(source, "retry")
		_ = msg.Nak()
	}
}

func parseMessage(subject string, data []byte) (event.Event, error) {
	eventType, err := ResolveEventType(subject)
	if err != nil {
		return nil, err
	}
	return ParseRawEvent(RawEvent{Subject: subject, Data: data, Timestamp: time.Now()}, eventType)
}

func subjectSource(subject string) string {
	tokens := strings.SplitN(subject, ".", 3)
	if len(tokens) < 2 {
		return "unknown"
	}
	return tokens[1]
}

func (ns *NATSSubscriber) count(source, outcome string) {
	if ns.metrics != nil {
		ns.metrics.IngestMessages.WithLabelValues(source, outcome).Inc()
	}
}

// EnsureStreams creates the inbound and outbound JetStream streams.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      StreamVenue,
			Subjects:  []string{subjectVenue + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamOracle,
			Subjects:  []string{subjectOracle + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       StreamOutput,
			Subjects:   []string{subjectOutput + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS consumers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name(observability.ServiceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
