package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig selects a broker topic.
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Topic          string        `mapstructure:"topic"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// mqttClient is the subset of mqtt.Client used by MQTTSource.
type mqttClient interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSource receives from an MQTT topic with manual acknowledgement. MQTT has
// no negative acknowledgement: a nacked QoS 1 message stays unacknowledged and
// is redelivered when the persistent session reconnects.
type MQTTSource struct {
	client mqttClient
	cfg    MQTTConfig
	logger *zap.Logger
}

// NewMQTTSource builds a source with a persistent session and auto-ack disabled.
func NewMQTTSource(cfg MQTTConfig, logger *zap.Logger) *MQTTSource {
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetAutoAckDisabled(true)
	// Handlers block while the batcher applies backpressure.
	opts.SetOrderMatters(false)
	return newMQTTSource(mqtt.NewClient(opts), cfg, logger)
}

func newMQTTSource(client mqttClient, cfg MQTTConfig, logger *zap.Logger) *MQTTSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &MQTTSource{client: client, cfg: cfg, logger: logger.With(zap.String("client_id", cfg.ClientID))}
}

// Receive implements Source. It subscribes and blocks until ctx ends.
func (s *MQTTSource) Receive(ctx context.Context, handler Handler) error {
	if err := wait(s.client.Connect(), s.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
	}
	defer s.client.Disconnect(250)

	token := s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		handler(ctx, NewMessage(strconv.Itoa(int(m.MessageID())), m.Payload(), map[string]string{"topic": m.Topic()}, m.Ack, func() {
			s.logger.Debug("mqtt message left unacknowledged", zap.Uint16("message_id", m.MessageID()))
		}))
	})
	if err := wait(token, s.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", s.cfg.Topic, err)
	}
	s.logger.Info("receiving from mqtt", zap.String("broker", s.cfg.Broker), zap.String("topic", s.cfg.Topic))

	<-ctx.Done()
	if err := wait(s.client.Unsubscribe(s.cfg.Topic), 10*time.Second); err != nil {
		s.logger.Warn("mqtt unsubscribe failed", zap.Error(err))
	}
	return nil
}

func wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}
