// Package mqtt ingests device readings published to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/config"
	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/couchcryptid/eews-aggregator/internal/eews"
	"github.com/couchcryptid/eews-aggregator/internal/observability"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	connectTimeout = 10 * time.Second
	qos            = 1
)

// Ingester stores one reading built from request fields.
type Ingester interface {
	IngestFields(ctx context.Context, source string, f domain.Fields) (domain.Reading, error)
}

// Subscriber consumes reading payloads from a topic filter. Payloads use
// the same JSON shape as the HTTP ingest endpoint; a payload without a
// device_id takes it from the second topic level, as in
// eews/<device_id>/readings.
type Subscriber struct {
	client   paho.Client
	topic    string
	ingester Ingester
	logger   *slog.Logger
	metrics  *observability.Metrics

	ctx       context.Context
	connected atomic.Bool
}

// NewSubscriber creates a Subscriber for the configured broker and topic.
// The connection is not opened until Start.
func NewSubscriber(cfg *config.Config, ingester Ingester, logger *slog.Logger, metrics *observability.Metrics) *Subscriber {
	clientID := cfg.MQTTClientID
	if clientID == "" {
		clientID = "eews-aggregator-" + uuid.NewString()
	}

	s := &Subscriber{
		topic:    cfg.MQTTTopic,
		ingester: ingester,
		logger:   logger,
		metrics:  metrics,
		ctx:      context.Background(),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})
	s.client = paho.NewClient(opts)
	return s
}

// Start connects and subscribes. Readings are ingested with ctx until Close.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = ctx

	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	if err := s.subscribe(); err != nil {
		s.client.Disconnect(250)
		return err
	}
	s.logger.Info("mqtt subscriber started", "topic", s.topic)
	return nil
}

// Close unsubscribes and disconnects.
func (s *Subscriber) Close() {
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
}

// onConnect restores the subscription after an automatic reconnect. The
// first connection is subscribed by Start.
func (s *Subscriber) onConnect(paho.Client) {
	if !s.connected.Swap(true) {
		return
	}
	if err := s.subscribe(); err != nil {
		s.logger.Error("mqtt resubscribe failed", "error", err)
	}
}

func (s *Subscriber) subscribe() error {
	token := s.client.Subscribe(s.topic, qos, s.handle)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt subscribe %s timed out", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", s.topic, err)
	}
	return nil
}

func (s *Subscriber) handle(_ paho.Client, msg paho.Message) {
	fields, err := domain.FieldsFromJSON(msg.Payload())
	if err != nil {
		s.metrics.IngestRejected.WithLabelValues(eews.SourceMQTT).Inc()
		s.logger.Warn("discarding malformed mqtt payload", "topic", msg.Topic(), "error", err)
		return
	}
	if strings.TrimSpace(fields["device_id"]) == "" {
		if id := deviceIDFromTopic(msg.Topic()); id != "" {
			fields["device_id"] = id
		}
	}

	if _, err := s.ingester.IngestFields(s.ctx, eews.SourceMQTT, fields); err != nil {
		s.logger.Warn("discarding mqtt reading", "topic", msg.Topic(), "error", err)
	}
}

// deviceIDFromTopic returns the second topic level, or "" when absent.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
