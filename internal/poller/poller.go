package poller

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	DefaultTopic   = "session-events"
	DefaultGroupID = "cart-store"

	EventLogout            = "logout"
	EventCheckoutCompleted = "checkout_completed"
)

type SessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// CartResetter empties a session's cart.
type CartResetter interface {
	Reset(ctx context.Context, sessionID string) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Poller consumes session lifecycle events and resets the matching carts.
type Poller struct {
	carts  CartResetter
	reader messageReader
	log    *zap.Logger
}

func NewPoller(carts CartResetter, log *zap.Logger, topic, groupID string, brokers ...string) *Poller {
	if topic == "" {
		topic = DefaultTopic
	}
	if groupID == "" {
		groupID = DefaultGroupID
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return newPoller(carts, reader, log)
}

func newPoller(carts CartResetter, reader messageReader, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{carts: carts, reader: reader, log: log}
}

func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.handleNext(ctx)
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.Warn("error closing kafka reader", zap.Error(err))
	}
}

func (p *Poller) handleNext(ctx context.Context) {
	m, err := p.reader.ReadMessage(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Warn("error reading message", zap.Error(err))
		}
		return
	}

	var event SessionEvent
	if errUnmarshal := json.Unmarshal(m.Value, &event); errUnmarshal != nil {
		p.log.Warn("error parsing session event", zap.Error(errUnmarshal), zap.Int64("offset", m.Offset))
		return
	}
	if event.SessionID == "" {
		p.log.Warn("session event without session_id", zap.Int64("offset", m.Offset))
		return
	}

	switch event.Type {
	case EventLogout, EventCheckoutCompleted:
		if errReset := p.carts.Reset(ctx, event.SessionID); errReset != nil {
			p.log.Error("failed to reset cart",
				zap.String("session_id", event.SessionID),
				zap.String("event", event.Type),
				zap.Error(errReset))
		}
	default:
		p.log.Debug("ignoring session event", zap.String("event", event.Type))
	}
}
