package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/peakshave/core/agent"
	"github.com/kilianp07/peakshave/core/logger"
	coremon "github.com/kilianp07/peakshave/core/monitoring"
	coremqtt "github.com/kilianp07/peakshave/core/mqtt"
	infralog "github.com/kilianp07/peakshave/infra/logger"
)

// localPrefix marks pseudo topics that are never subscribed on the broker.
const localPrefix = "$local/"

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker     string      `json:"broker"`
	ClientID   string      `json:"client_id"`
	Username   string      `json:"username"`
	Password   string      `json:"password"`
	UseTLS     bool        `json:"use_tls"`
	ClientCert string      `json:"client_cert"`
	ClientKey  string      `json:"client_key"`
	CABundle   string      `json:"ca_bundle"`
	AuthMethod string      `json:"auth_method"`
	QoS        byte        `json:"qos"`
	LWTTopic   string      `json:"lwt_topic"`
	LWTPayload string      `json:"lwt_payload"`
	LWTQoS     byte        `json:"lwt_qos"`
	LWTRetain  bool        `json:"lwt_retain"`
	MaxRetries int         `json:"max_retries"`
	BackoffMS  int         `json:"backoff_ms"`
	TimeoutMS  int         `json:"timeout_ms"`
	TLSConfig  *tls.Config `json:"-"`
}

// SetDefaults fills unset fields. Every agent message is published with QoS 1.
func (c *Config) SetDefaults() {
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 5000
	}
}

// Validate checks the fields required to connect.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.New("mqtt.broker is required")
	}
	if c.QoS > 2 || c.LWTQoS > 2 {
		return fmt.Errorf("invalid qos %d", c.QoS)
	}
	switch c.AuthMethod {
	case "", "username_password", "certificate", "both":
	default:
		return fmt.Errorf("unknown auth_method %q", c.AuthMethod)
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient implements core/mqtt.Client on top of Eclipse Paho. Broker
// subscriptions are replayed on every reconnection.
type PahoClient struct {
	cli        pahoClient
	log        logger.Logger
	qos        byte
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration

	mu        sync.Mutex
	handlers  map[string][]coremqtt.Handler
	connected bool
}

var _ coremqtt.Client = (*PahoClient)(nil)

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the MQTT broker.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := infralog.New("mqtt_client")
	pc := &PahoClient{
		log:        log,
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		handlers:   make(map[string][]coremqtt.Handler),
	}

	opts.OnConnect = pc.onConnect
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		pc.mu.Lock()
		pc.connected = false
		pc.mu.Unlock()
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	pc.cli = c
	token := c.Connect()
	if !token.WaitTimeout(pc.timeout) {
		return nil, fmt.Errorf("connect %s: timeout after %s", cfg.Broker, pc.timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	opts.SetCleanSession(true)
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS || cfg.AuthMethod == "certificate" {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificate found in %s", c.CABundle)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *PahoClient) onConnect(c paho.Client) {
	p.log.Infof("MQTT connected")
	p.mu.Lock()
	p.connected = true
	topics := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		if !strings.HasPrefix(t, localPrefix) {
			topics = append(topics, t)
		}
	}
	p.mu.Unlock()
	for _, t := range topics {
		if token := c.Subscribe(t, p.qos, p.route); token.Wait() && token.Error() != nil {
			p.log.Errorf("resubscribe %s: %v", t, token.Error())
			coremon.CaptureException(token.Error(), map[string]string{"module": "mqtt", "topic": t})
		}
	}
	p.dispatch(agent.ConnectedTopic, nil)
}

func (p *PahoClient) route(_ paho.Client, msg paho.Message) {
	p.dispatch(msg.Topic(), msg.Payload())
}

func (p *PahoClient) dispatch(topic string, payload []byte) {
	p.mu.Lock()
	hs := append([]coremqtt.Handler(nil), p.handlers[topic]...)
	p.mu.Unlock()
	for _, h := range hs {
		h(topic, payload)
	}
}

// Subscribe registers h for topic. Local topics stay in process; the
// connected handler fires at once when the client is already connected.
func (p *PahoClient) Subscribe(topic string, h coremqtt.Handler) error {
	p.mu.Lock()
	p.handlers[topic] = append(p.handlers[topic], h)
	connected := p.connected
	p.mu.Unlock()

	if strings.HasPrefix(topic, localPrefix) {
		if topic == agent.ConnectedTopic && connected {
			h(topic, nil)
		}
		return nil
	}
	if !connected {
		return nil
	}
	token := p.cli.Subscribe(topic, p.qos, p.route)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	p.log.Debugf("subscribed to %s", topic)
	return nil
}

// Publish sends payload on topic, retrying with exponential backoff.
func (p *PahoClient) Publish(topic string, payload []byte) error {
	if p.cli == nil {
		return coremqtt.ErrNotConnected
	}
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, p.qos, false, payload)
		if !token.WaitTimeout(p.timeout) {
			publishErr = fmt.Errorf("publish %s: timeout", topic)
		} else {
			publishErr = token.Error()
		}
		if publishErr == nil {
			p.log.Debugf("published %d bytes on %s", len(payload), topic)
			return nil
		}
		p.log.Errorf("publish attempt %d on %s failed: %v", attempt+1, topic, publishErr)
		if attempt < p.maxRetries {
			time.Sleep(p.backoff * time.Duration(1<<attempt))
		}
	}
	coremon.CaptureException(publishErr, map[string]string{"module": "mqtt", "topic": topic})
	return fmt.Errorf("publish %s: %w", topic, publishErr)
}

// Close gracefully closes the MQTT connection.
func (p *PahoClient) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
	return nil
}
