package mqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 10 * time.Second
	// disconnectQuiesce is how long (ms) Disconnect waits for outstanding work.
	disconnectQuiesce uint = 250
)

// Options describes the broker a Publisher talks to.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	// ClientIDPrefix is combined with a random UUID for every connection
	ClientIDPrefix string
	// Timeout bounds connect+publish of a single call (default 10s)
	Timeout time.Duration
}

// Publisher performs single best-effort publishes. Every call opens its own
// connection, sends one QoS 0 message and disconnects; nothing is retried or queued.
type Publisher struct {
	opts Options
	log  *zap.Logger
}

// NewPublisher creates a Publisher for the given broker
func NewPublisher(opts Options, log *zap.Logger) *Publisher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ClientIDPrefix == "" {
		opts.ClientIDPrefix = "emqtt"
	}

	return &Publisher{
		opts: opts,
		log:  log,
	}
}

// Broker returns the broker URL in paho notation
func (p *Publisher) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", p.opts.Host, p.opts.Port)
}

// Publish sends payload to topic
func (p *Publisher) Publish(ctx context.Context, topic, payload string) error {
	const op = errors.Op("mqtt_publish")

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	co := paho.NewClientOptions().
		AddBroker(p.Broker()).
		SetClientID(p.opts.ClientIDPrefix + "-" + uuid.NewString()).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(p.opts.Timeout)

	if p.opts.Username != "" {
		co.SetUsername(p.opts.Username)
		co.SetPassword(p.opts.Password)
	}

	client := paho.NewClient(co)

	p.log.Info("publishing",
		zap.String("topic", topic),
		zap.String("payload", payload),
		zap.String("broker", p.Broker()),
	)

	err := wait(ctx, client.Connect())
	if err != nil {
		return errors.E(op, errors.Errorf("connect %s: %v", p.Broker(), err))
	}
	defer client.Disconnect(disconnectQuiesce)

	err = wait(ctx, client.Publish(topic, 0, false, payload))
	if err != nil {
		return errors.E(op, errors.Errorf("publish to %s: %v", topic, err))
	}

	return nil
}

// wait blocks until the token completes or ctx expires
func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
