// Package metering publishes usage events to an MQTT broker so
// downstream billing and analytics consumers can meter model calls
// without sitting on the request path. Publishing is fire-and-forget:
// a broker outage is logged and the event dropped, never surfaced to
// the orchestration caller.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection.
package metering

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/steward-ai/steward/pkg/buildinfo"
)

// Event is one metered model call.
type Event struct {
	RequestID        string    `json:"request_id"`
	SubjectID        string    `json:"subject_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	ToolCalls        int       `json:"tool_calls"`
	Timestamp        time.Time `json:"timestamp"`
}

// Options configures the broker connection.
type Options struct {
	// Broker is the broker URL (mqtt://, mqtts:// or ssl:// scheme).
	Broker string

	// Topic receives one JSON event per model call.
	Topic string

	// ClientID identifies this instance to the broker. Defaults to
	// "steward-" + the buildinfo version.
	ClientID string

	Username string
	Password string

	// Logger receives connection and publish diagnostics.
	Logger *slog.Logger
}

// Publisher manages the MQTT connection and publishes usage events.
// A nil *Publisher is a valid no-op sink.
type Publisher struct {
	opts   Options
	topic  string
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin connection management.
func New(opts Options) *Publisher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ClientID == "" {
		opts.ClientID = "steward-" + buildinfo.Version
	}
	return &Publisher{
		opts:   opts,
		topic:  opts.Topic,
		logger: opts.Logger,
	}
}

// Start connects to the broker. autopaho keeps retrying in the
// background after transient failures; Start only fails on
// configuration errors. The connection lives until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.opts.Broker)
	if err != nil {
		return fmt.Errorf("parse metering broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.opts.Username,
		ConnectPassword: []byte(p.opts.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("metering connected to broker", "broker", p.opts.Broker)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("metering connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.opts.ClientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("metering connect: %w", err)
	}
	p.cm = cm
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop(ctx context.Context) error {
	if p == nil || p.cm == nil {
		return nil
	}
	return p.cm.Disconnect(ctx)
}

// Publish sends one usage event. Failures are logged and swallowed;
// metering never disturbs the call being metered.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil || p.cm == nil {
		return
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("metering marshal event", "error", err)
		return
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.topic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("metering publish failed",
			"topic", p.topic, "request_id", ev.RequestID, "error", err)
		return
	}

	p.logger.Debug("metering event published",
		"topic", p.topic, "request_id", ev.RequestID, "tokens", ev.TotalTokens)
}
