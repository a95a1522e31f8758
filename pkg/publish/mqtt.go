// Package publish forwards session events (committed weights, status changes)
// to an MQTT broker
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fako1024/bitscale/pkg/ledger"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/session"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultTopicPrefix = "bitscale"
	defaultQueueSize   = 64
	publishTimeout     = 5 * time.Second
	disconnectQuiesce  = 250
)

// Config denotes the broker settings
type Config struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	QueueSize   int    `yaml:"queue_size"`
}

// Validate checks the broker settings
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.New("no mqtt broker specified")
	}
	if c.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", c.QoS)
	}
	return nil
}

// CommitEvent denotes the payload published for a committed weight
type CommitEvent struct {
	ID     string    `json:"id"`
	Grams  int       `json:"grams"`
	At     time.Time `json:"at"`
	Source string    `json:"source"`
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Publisher denotes an MQTT sink for session events
type Publisher struct {
	client mqtt.Client
	cfg    Config

	mu        sync.RWMutex
	connected bool

	queue   chan message
	publish func(msg message) error

	stopCh   chan struct{}
	stopOnce sync.Once

	logger scale.Logger
}

// New instantiates a new publisher. The connection is established via Connect()
func New(cfg Config, logger scale.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := newPublisher(cfg, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		p.logger.Infof("connected to mqtt broker `%s`", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warnf("lost connection to mqtt broker: %s", err)
	})

	p.client = mqtt.NewClient(opts)
	p.publish = p.publishMQTT

	return p, nil
}

// Connect establishes the connection to the broker, waiting for the initial
// connection while respecting ctx and Disconnect()
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return errors.New("publisher stopped")
	default:
	}

	if p.IsConnected() {
		return nil
	}

	// With ConnectRetry enabled the client keeps retrying internally
	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return errors.New("publisher stopped")
		default:
		}
	}
}

// Run publishes queued events until ctx is done or the publisher is stopped
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case msg := <-p.queue:
			if err := p.publish(msg); err != nil {
				p.logger.Debugf("failed to publish to `%s`: %s", msg.topic, err)
			}
		}
	}
}

// PublishCommit queues a committed weight for publishing
func (p *Publisher) PublishCommit(entry ledger.Entry) {
	payload, err := CommitPayload(entry)
	if err != nil {
		p.logger.Errorf("failed to encode commit: %s", err)
		return
	}
	p.enqueue(message{topic: p.WeightsTopic(), payload: payload})
}

// PublishStatus queues a status update for publishing (retained)
func (p *Publisher) PublishStatus(snapshot session.Snapshot) {
	payload, err := StatusPayload(snapshot)
	if err != nil {
		p.logger.Errorf("failed to encode status: %s", err)
		return
	}
	p.enqueue(message{topic: p.StatusTopic(), retained: true, payload: payload})
}

// WeightsTopic returns the topic committed weights are published to
func (p *Publisher) WeightsTopic() string {
	return p.cfg.TopicPrefix + "/weights"
}

// StatusTopic returns the topic status updates are published to
func (p *Publisher) StatusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

// IsConnected returns whether the publisher is connected to the broker
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client != nil && p.client.IsConnected()
}

// Disconnect stops the publisher and closes the connection. Safe to call
// multiple times
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	if p.client != nil {
		p.client.Disconnect(disconnectQuiesce)
	}

	p.setConnected(false)
	p.logger.Infof("disconnected from mqtt broker")
}

// CommitPayload encodes a committed weight
func CommitPayload(entry ledger.Entry) ([]byte, error) {
	return json.Marshal(CommitEvent{
		ID:     entry.ID.String(),
		Grams:  entry.Grams,
		At:     entry.At,
		Source: string(entry.Source),
	})
}

// StatusPayload encodes a status update (without the ledger entries)
func StatusPayload(snapshot session.Snapshot) ([]byte, error) {
	snapshot.Entries = nil
	return json.Marshal(snapshot)
}

////////////////////////////////////////////////////////////////////////////////

func newPublisher(cfg Config, logger scale.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = &scale.NullLogger{}
	}

	return &Publisher{
		cfg:    cfg,
		queue:  make(chan message, cfg.QueueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

func (p *Publisher) enqueue(msg message) {
	select {
	case p.queue <- msg:
	default:
		p.logger.Warnf("publish queue full, dropping message for `%s`", msg.topic)
	}
}

func (p *Publisher) publishMQTT(msg message) error {
	if !p.IsConnected() {
		return errors.New("mqtt client not connected")
	}

	token := p.client.Publish(msg.topic, p.cfg.QoS, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debugf("published %d bytes to `%s`", len(msg.payload), msg.topic)
	return nil
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

var _ session.Sink = (*Publisher)(nil)
