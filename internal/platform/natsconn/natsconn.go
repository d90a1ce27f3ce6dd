// Package natsconn provides the shared NATS connection factory used by the
// learner's event publisher and catalog consumer.
package natsconn

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/coursecraft/internal/platform/config"
)

// Options configures the NATS connection.
// Zero values fall back to env vars or built-in defaults.
type Options struct {
	URL           string
	Name          string
	MaxReconnects int           // default from NATS_MAX_RECONNECTS or 5
	ReconnectWait time.Duration // default from NATS_RECONNECT_WAIT or 2s
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = config.EnvString("NATS_URL", nats.DefaultURL)
	}
	if o.Name == "" {
		o.Name = "coursecraft-learner"
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = config.EnvInt("NATS_MAX_RECONNECTS", 5)
	}
	if o.ReconnectWait == 0 {
		o.ReconnectWait = config.EnvDuration("NATS_RECONNECT_WAIT", 2*time.Second)
	}
	return o
}

// Connect dials NATS once and fails fast; reconnects only apply after the
// first successful connection.
func Connect(opts Options) (*nats.Conn, error) {
	opts = opts.withDefaults()
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(false),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s (max_reconnects=%d, wait=%s): %w",
			opts.URL, opts.MaxReconnects, opts.ReconnectWait, err)
	}
	return nc, nil
}

// JetStream returns a JetStream context for nc, or nil when nc is nil.
func JetStream(nc *nats.Conn) (nats.JetStreamContext, error) {
	if nc == nil {
		return nil, nil
	}
	return nc.JetStream()
}
