// Package mqtt implements the outbound MQTT publisher used by the notify
// task handler.
package mqtt

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/taskworks/backend/internal/config"
	"github.com/taskworks/backend/internal/ports"
)

// publisher implements ports.Publisher using a single Paho client with
// auto-reconnect.
type publisher struct {
	client mqttlib.Client
	cfg    *config.MQTTConfig
	logger ports.Logger

	isConnected atomic.Bool
}

// NewPublisher creates and connects a publisher against cfg.MQTT.Broker.
func NewPublisher(cfg *config.Config, logger ports.Logger) (ports.Publisher, error) {
	p := &publisher{
		cfg:    &cfg.MQTT,
		logger: logger.WithFields(ports.Field{Key: "component", Value: "mqtt-publisher"}),
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		hostname, _ := os.Hostname()
		clientID = fmt.Sprintf("%s-%s-%s", cfg.App.Name, hostname, uuid.New().String()[:8])
	}

	opts := mqttlib.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.MQTT.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetProtocolVersion(4) // MQTT 3.1.1
	opts.SetOnConnectHandler(func(_ mqttlib.Client) {
		p.isConnected.Store(true)
		p.logger.Info("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqttlib.Client, err error) {
		p.isConnected.Store(false)
		p.logger.Warn("mqtt connection lost", ports.Field{Key: "error", Value: err})
	})

	p.client = mqttlib.NewClient(opts)

	token := p.client.Connect()
	if ok := token.WaitTimeout(cfg.MQTT.ConnectTimeout); !ok {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.MQTT.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.MQTT.Broker, err)
	}

	return p, nil
}

// Publish sends payload to topic, bounded by the configured write timeout
// and the caller's context.
func (p *publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)

	wait := p.cfg.WriteTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < wait {
			wait = until
		}
	}
	if ok := token.WaitTimeout(wait); !ok {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	return token.Error()
}

// IsConnected reports whether the underlying client currently has a broker
// connection.
func (p *publisher) IsConnected() bool {
	return p.isConnected.Load() && p.client.IsConnected()
}

// Disconnect flushes and closes the connection.
func (p *publisher) Disconnect(timeout time.Duration) {
	ms := uint(timeout / time.Millisecond)
	p.client.Disconnect(ms)
	p.isConnected.Store(false)
}
