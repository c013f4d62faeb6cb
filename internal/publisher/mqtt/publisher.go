// internal/publisher/mqtt/publisher.go
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"lrm-service/internal/config"
	"lrm-service/internal/event"
)

const publishTimeout = 5 * time.Second

// client is the part of paho.Client the publisher needs.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Publisher forwards bus events to an MQTT broker. Measurements go to
// <prefix>/<device>/measurement, everything else to
// <prefix>/<device>/events/<type>.
type Publisher struct {
	client client
	prefix string
	qos    byte
	logger *zap.Logger
}

// New connects to the configured broker.
func New(cfg *config.MQTTConfig, logger *zap.Logger) (*Publisher, error) {
	logger = logger.With(zap.String("component", "mqtt-publisher"), zap.String("broker", cfg.Broker))

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("MQTT connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("MQTT connected")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := paho.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	return newPublisher(c, cfg.TopicPrefix, byte(cfg.QoS), logger), nil
}

func newPublisher(c client, prefix string, qos byte, logger *zap.Logger) *Publisher {
	return &Publisher{
		client: c,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		logger: logger,
	}
}

// Run publishes events until ctx is done or the channel is closed.
func (p *Publisher) Run(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(e); err != nil {
				p.logger.Warn("Failed to publish event",
					zap.String("event_type", e.Type),
					zap.String("source", e.Source),
					zap.Error(err),
				)
			}
		}
	}
}

// Publish sends one event and waits for the broker acknowledgement the QoS
// level calls for.
func (p *Publisher) Publish(e event.Event) error {
	topic, payload, err := p.message(e)
	if err != nil {
		return err
	}

	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	p.logger.Info("MQTT publisher closed")
}

func (p *Publisher) message(e event.Event) (string, []byte, error) {
	device := e.Source
	if name, _ := e.Data["name"].(string); name != "" {
		device = name
	}

	var (
		topic   string
		payload []byte
		err     error
	)
	if e.Type == event.TypeMeasurement && e.Measurement != nil {
		if e.Measurement.Name != "" {
			device = e.Measurement.Name
		}
		topic = p.prefix + "/" + device + "/measurement"
		payload, err = json.Marshal(e.Measurement)
	} else {
		topic = p.prefix + "/" + device + "/events/" + e.Type
		payload, err = json.Marshal(e)
	}
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return topic, payload, nil
}
