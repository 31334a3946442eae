package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/maxpert/binlogd/cfg"
	"github.com/maxpert/binlogd/publisher"
)

func init() {
	publisher.RegisterSink("stdout", func(cfg.ProducerConfiguration) (publisher.Sink, error) {
		return NewWriterSink(os.Stdout), nil
	})
}

// WriterSink writes one payload per line and completes synchronously
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) SendAsync(_ context.Context, row *publisher.Row, c *publisher.Completer) error {
	s.mu.Lock()
	_, err := fmt.Fprintf(s.w, "%s\n", row.Payload)
	s.mu.Unlock()

	if err != nil {
		c.Fail(err)
		return nil
	}
	c.MarkCompleted()
	return nil
}

func (s *WriterSink) Close() error {
	return nil
}
