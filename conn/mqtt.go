package conn

import (
	"crypto/tls"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures an MQTT-backed Connection, grounded in
// transport/mqtt.Config from the teacher's broker transport.
type MQTTConfig struct {
	// Broker is the MQTT broker URL (e.g. "tcp://broker.example.com:1883").
	Broker string
	// Username/Password for MQTT authentication. Leave empty if not required.
	Username, Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. A random one is generated if empty.
	ClientID string
	// PublishTopic is the topic this end publishes outbound bytes to.
	PublishTopic string
	// SubscribeTopic is the topic this end receives inbound bytes from.
	// Two Connections paired end-to-end cross their Publish/Subscribe topics.
	SubscribeTopic string
	// Logger for connection events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// MQTTConnection implements Connection over a pair of MQTT topics, giving
// the fabric a long-haul/NAT-traversing route option alongside TCP and
// serial. Received message payloads are appended to an inbox and drained
// through the same put-back queue a byte-stream Connection uses, since the
// Connection contract is an opaque stream rather than a framed channel.
type MQTTConnection struct {
	putBackQueue

	cfg MQTTConfig
	log *slog.Logger

	mu     sync.Mutex
	client paho.Client
	inbox  []byte
}

// NewMQTTConnection creates an MQTT-backed Connection. Open() connects and
// subscribes lazily.
func NewMQTTConnection(cfg MQTTConfig) *MQTTConnection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTConnection{cfg: cfg, log: logger.WithGroup("conn.mqtt")}
}

func (c *MQTTConnection) Open() bool {
	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "iac-" + randomTopicSuffix(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetCleanSession(true).
		SetOrderMatters(true)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		c.onMessage(msg)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		c.log.Debug("connect timeout", "broker", c.cfg.Broker)
		return false
	}
	if token.Error() != nil {
		c.log.Debug("connect failed", "broker", c.cfg.Broker, "error", token.Error())
		return false
	}

	subToken := client.Subscribe(c.cfg.SubscribeTopic, 0, func(_ paho.Client, msg paho.Message) {
		c.onMessage(msg)
	})
	if !subToken.WaitTimeout(10*time.Second) || subToken.Error() != nil {
		client.Disconnect(250)
		return false
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return true
}

func (c *MQTTConnection) onMessage(msg paho.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbox = append(c.inbox, msg.Payload()...)
}

func (c *MQTTConnection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Disconnect(250)
		c.client = nil
	}
	c.clear()
	c.inbox = nil
}

func (c *MQTTConnection) Read(dst []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.read(dst)
	if n < len(dst) {
		m := copy(dst[n:], c.inbox)
		c.inbox = c.inbox[m:]
		n += m
	}
	return n
}

func (c *MQTTConnection) Write(src []byte) int {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return 0
	}
	token := client.Publish(c.cfg.PublishTopic, 0, false, src)
	if !token.WaitTimeout(10 * time.Second) {
		return 0
	}
	if token.Error() != nil {
		c.log.Debug("publish failed", "error", token.Error())
		return 0
	}
	return len(src)
}

func (c *MQTTConnection) Flush() bool {
	return true
}

func (c *MQTTConnection) Clear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
	c.inbox = nil
	return true
}

func (c *MQTTConnection) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available() + len(c.inbox)
}

func (c *MQTTConnection) PutBack(src []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putBack(src)
}

func randomTopicSuffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
