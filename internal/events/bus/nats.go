package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/swarmd/swarmd/internal/common/config"
	"github.com/swarmd/swarmd/internal/common/logger"
)

// NATSEventBus implements EventBus over a NATS connection. The event tag is
// used directly as the NATS subject, so subscription patterns map one-to-one.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig

	statsMu   sync.Mutex
	published int64
	perTag    map[string]int64
	subs      int
}

// NewNATSEventBus creates a new NATS event bus with reconnection logic.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	b := &NATSEventBus{
		logger: log.WithFields(zap.String("component", "event_bus")),
		config: cfg,
		perTag: make(map[string]int64),
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b.conn = conn
	log.Info("connected to NATS", zap.String("url", cfg.URL))
	return b, nil
}

// Publish sends an event on its tag subject.
func (b *NATSEventBus) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}
	if !Known(event.Tag) {
		return fmt.Errorf("unknown event tag %q", event.Tag)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.conn.Publish(string(event.Tag), data); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("tag", string(event.Tag)),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.statsMu.Lock()
	b.published++
	b.perTag[string(event.Tag)]++
	b.statsMu.Unlock()
	return nil
}

// Subscribe creates a subscription to a subject pattern.
func (b *NATSEventBus) Subscribe(pattern string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler error",
				zap.String("subject", msg.Subject),
				zap.String("tag", string(event.Tag)),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	// Bounded pending queue; NATS drops for slow consumers and surfaces the
	// condition through the error handler.
	_ = sub.SetPendingLimits(defaultInboxSize, -1)

	b.statsMu.Lock()
	b.subs++
	b.statsMu.Unlock()

	b.logger.Debug("subscribed", zap.String("pattern", pattern))
	return &natsSubscription{sub: sub}, nil
}

// Stats returns activity counters.
func (b *NATSEventBus) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	perTag := make(map[string]int64, len(b.perTag))
	for k, v := range b.perTag {
		perTag[k] = v
	}
	return Stats{
		Published:       b.published,
		SubscriberCount: b.subs,
		PerTag:          perTag,
	}
}

// Close closes the NATS connection.
func (b *NATSEventBus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// IsConnected returns connection status.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
