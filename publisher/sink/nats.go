package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/binlogd/cfg"
	"github.com/maxpert/binlogd/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNatsSubject     = "binlogd.%{database}.%{table}"
	natsMaxPendingAsync    = 4096
	natsCloseFlushDeadline = 10 * time.Second
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.ProducerConfiguration) (publisher.Sink, error) {
		if config.Nats.URL == "" {
			return nil, fmt.Errorf("nats sink requires nats url")
		}
		return NewNatsSink(config.Nats.URL, config.Nats.Subject)
	})
}

// NatsSink publishes rows to JetStream with async acknowledgements
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
	streams *xsync.MapOf[string, struct{}]

	done    chan struct{}
	once    sync.Once
	pending sync.WaitGroup
}

// NewNatsSink creates a new NATS JetStream sink
func NewNatsSink(url, subject string) (*NatsSink, error) {
	if subject == "" {
		subject = DefaultNatsSubject
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc, jetstream.WithPublishAsyncMaxPending(natsMaxPendingAsync))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{
		nc:      nc,
		js:      js,
		subject: subject,
		streams: xsync.NewMapOf[string, struct{}](),
		done:    make(chan struct{}),
	}, nil
}

// SendAsync publishes without waiting for the ack; a goroutine resolves the
// completer when JetStream answers.
func (n *NatsSink) SendAsync(ctx context.Context, row *publisher.Row, c *publisher.Completer) error {
	subject := ResolveTopic(n.subject, row)
	if err := n.ensureStream(ctx, subject); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    row.Payload,
		Header:  nats.Header{"key": []string{row.Key()}},
	}

	future, err := n.js.PublishMsgAsync(msg)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		select {
		case <-future.Ok():
			c.MarkCompleted()
		case err := <-future.Err():
			c.Fail(fmt.Errorf("jetstream ack for %s: %w", subject, err))
		case <-n.done:
		}
	}()
	return nil
}

func (n *NatsSink) ensureStream(ctx context.Context, subject string) error {
	if _, ok := n.streams.Load(subject); ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	streamName := sanitizeStreamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	n.streams.Store(subject, struct{}{})
	return nil
}

// Close waits briefly for outstanding acks, then closes the connection.
// Rows still unacknowledged are left incomplete.
func (n *NatsSink) Close() error {
	n.once.Do(func() {
		select {
		case <-n.js.PublishAsyncComplete():
		case <-time.After(natsCloseFlushDeadline):
			log.Warn().Int("pending", n.js.PublishAsyncPending()).Msg("Closing NATS sink with unacknowledged messages")
		}
		close(n.done)
		n.pending.Wait()
		n.nc.Close()
	})
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
func sanitizeStreamName(subject string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, subject)
}
