package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
)

// NATSConfig says where relay events are published.
type NATSConfig struct {
	URL           string
	Token         string
	SubjectPrefix string
}

// Enabled reports whether a NATS URL is configured.
func (c NATSConfig) Enabled() bool { return c.URL != "" }

// RunNATS connects the bus to JetStream and keeps it connected until ctx
// is cancelled. Connection attempts back off exponentially up to 30s.
// Events dispatched while disconnected are only handled locally.
func (b *Bus) RunNATS(ctx context.Context, cfg NATSConfig) error {
	for {
		nc, err := b.connectWithRetry(ctx, cfg)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			b.SetJetStream(nil, cfg.SubjectPrefix)
			_ = nc.Drain()
			return ctx.Err()
		case <-waitClosed(nc):
			b.log.Warn("nats connection closed, will reconnect")
			b.SetJetStream(nil, cfg.SubjectPrefix)
		}
	}
}

func (b *Bus) connectWithRetry(ctx context.Context, cfg NATSConfig) (*nats.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	var nc *nats.Conn
	op := func() error {
		var err error
		nc, err = b.connect(cfg)
		return err
	}
	notify := func(err error, wait time.Duration) {
		b.log.Warn("nats connect failed", "url", cfg.URL, "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return nc, nil
}

// connect establishes the NATS connection and makes sure the stream exists.
func (b *Bus) connect(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("proxybot"),
		nats.RetryOnFailedConnect(false),
		nats.MaxReconnects(10),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if err := EnsureStreams(js, cfg.SubjectPrefix); err != nil {
		nc.Close()
		return nil, err
	}

	b.SetJetStream(js, cfg.SubjectPrefix)
	b.log.Info("publishing relay events", "url", cfg.URL, "stream", StreamRelayEvents)
	return nc, nil
}

// waitClosed returns a channel that closes once nc has given up
// reconnecting.
func waitClosed(nc *nats.Conn) <-chan struct{} {
	ch := make(chan struct{})
	var once sync.Once
	done := func() { once.Do(func() { close(ch) }) }
	nc.SetClosedHandler(func(*nats.Conn) { done() })
	if nc.IsClosed() {
		done()
	}
	return ch
}
