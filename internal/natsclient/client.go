// Package natsclient wraps the NATS connection and the JetStream stream and
// consumer lifecycle used by both sides of the processing protocol.
package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/config"
)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to NATS and initialises a JetStream context.
func NewClient(cfg config.NATSConfig, logger *zap.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnectAttempts),
		nats.RetryOnFailedConnect(true),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", cfg.URL))
	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// Publish publishes a message and waits for the JetStream acknowledgment.
func (c *Client) Publish(subject string, data []byte) error {
	_, err := c.JS.Publish(subject, data)
	return err
}

// Close drains and closes the underlying NATS connection. Drain flushes
// pending JetStream publish acknowledgments and outstanding deliveries
// before closing; Close alone would drop in-flight messages.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}
