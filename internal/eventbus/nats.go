package eventbus

import (
	"CaseBattle/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// StreamName holds every published battle event.
	StreamName    = "BATTLE_EVENTS"
	subjectPrefix = "battles.events"
)

// NATSPublisher forwards envelopes to JetStream as a global subscriber.
// Subjects follow battles.events.{type}.{battle_id}; the message id makes
// retried publishes idempotent on the server side.
type NATSPublisher struct {
	js jetstream.JetStream
}

func NewNATSPublisher(js jetstream.JetStream) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// Subject returns the subject an envelope is published on.
func Subject(env event.Envelope) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, env.Type, env.BattleID)
}

// Deliver implements Subscriber.
func (p *NATSPublisher) Deliver(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		// Retrying cannot fix an unencodable payload.
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	msgID := fmt.Sprintf("%s-%d", env.BattleID, env.Sequence)
	if _, err := p.js.Publish(ctx, Subject(env), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

// EnsureStream creates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	logger.Info().Str("stream", StreamName).Msg("ensured outbound stream")
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream handle.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("casebattle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
