// internal/mqttclient/mqttclient.go
package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sua-org/camfeed/internal/keylock"
	"github.com/sua-org/camfeed/internal/logging"
)

// PubSub é o que o resto do código usa do broker. *Client implementa; os
// testes usam um fake em memória.
type PubSub interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topics ...string) error
}

var ErrNoRetained = errors.New("no retained message")

// retainedLocks serializa GetRetained por tópico: o paho guarda um handler
// por filtro e o Unsubscribe de uma leitura derrubaria a outra.
var retainedLocks = keylock.New()

type Client struct {
	client mqtt.Client
	logger *slog.Logger
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
}

func ConfigFromEnv(defaultClientID string) Config {
	return Config{
		Host:     getenv("MQTT_HOST", "localhost"),
		Port:     getenvInt("MQTT_PORT", 1883),
		Username: os.Getenv("MQTT_USERNAME"),
		Password: os.Getenv("MQTT_PASSWORD"),
		ClientID: getenv("MQTT_CLIENT_ID", defaultClientID),
	}
}

func NewClientFromEnv(defaultClientID string, logger *slog.Logger) (*Client, error) {
	return NewClient(ConfigFromEnv(defaultClientID), logger)
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	logger = logging.WithComponent(logger, "mqtt")
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected", "broker", broker, "client_id", cfg.ClientID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("connection lost", "broker", broker, "error", err)
	})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	return &Client{client: cli, logger: logger}, nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) Unsubscribe(topics ...string) error {
	token := c.client.Unsubscribe(topics...)
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// GetRetained assina topic só para ler a mensagem retida e desassina em
// seguida. Sem mensagem até o fim do ctx devolve ErrNoRetained.
func GetRetained(ctx context.Context, ps PubSub, topic string) ([]byte, error) {
	unlock := retainedLocks.Lock(topic)
	defer unlock()

	got := make(chan []byte, 1)
	err := ps.Subscribe(topic, 1, func(_ string, payload []byte) {
		select {
		case got <- append([]byte(nil), payload...):
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	defer ps.Unsubscribe(topic)

	select {
	case payload := <-got:
		return payload, nil
	case <-ctx.Done():
		return nil, ErrNoRetained
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			return x
		}
	}
	return def
}
