// Package mqttbus connects to an MQTT broker and publishes JSON events.
package mqttbus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// ClientID prefix; a random suffix keeps replicas from kicking each other off.
	ClientID string

	MaxRetries int
	Logger     logrus.FieldLogger
}

// Connect dials the broker with exponential backoff and disconnects when ctx
// is done.
func Connect(ctx context.Context, cfg Config) (mqtt.Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	addr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(addr)
	opts.SetUsername(cfg.User)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID + "-" + uuid.NewString()[:8])
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			cfg.Logger.WithError(token.Error()).Warn("failed to connect to MQTT broker")
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.MaxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}
	cfg.Logger.WithField("broker", addr).Info("connected to MQTT broker")

	go func() {
		<-ctx.Done()
		Close(client)
	}()
	return client, nil
}

// Close disconnects, giving in-flight messages 250ms.
func Close(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
