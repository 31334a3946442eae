// Package sink holds the producer destinations. Every sink registers itself
// with publisher.RegisterSink under its producer type.
package sink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maxpert/binlogd/publisher"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryInterval = 100 * time.Millisecond
	DefaultRetryMax      = 5 * time.Second
	defaultSerialBacklog = 1024
)

// ErrSinkClosed is returned by SendAsync after Close
var ErrSinkClosed = errors.New("sink is closed")

// ResolveTopic expands %{database}, %{table} and %{type} in a topic template
func ResolveTopic(template string, row *publisher.Row) string {
	if !strings.Contains(template, "%{") {
		return template
	}
	return strings.NewReplacer(
		"%{database}", row.Database,
		"%{table}", row.Table,
		"%{type}", row.Type,
	).Replace(template)
}

func newBackOff(ctx context.Context, retries int, initial time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = DefaultRetryMax
	b.MaxElapsedTime = 0
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

type sendFunc func(ctx context.Context, row *publisher.Row) error

type serialJob struct {
	row       *publisher.Row
	completer *publisher.Completer
}

// serialSender delivers rows one at a time from a single goroutine, retrying
// each with exponential backoff before reporting failure. Rows still queued
// at Close are never completed, so the checkpoint stays behind them.
type serialSender struct {
	name     string
	send     sendFunc
	retries  int
	interval time.Duration

	jobs   chan serialJob
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

func newSerialSender(name string, send sendFunc, retries int) *serialSender {
	ctx, cancel := context.WithCancel(context.Background())
	s := &serialSender{
		name:     name,
		send:     send,
		retries:  retries,
		interval: DefaultRetryInterval,
		jobs:     make(chan serialJob, defaultSerialBacklog),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *serialSender) enqueue(ctx context.Context, row *publisher.Row, c *publisher.Completer) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	select {
	case s.jobs <- serialJob{row: row, completer: c}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSinkClosed
	}
}

func (s *serialSender) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.jobs:
			s.deliver(job)
		}
	}
}

func (s *serialSender) deliver(job serialJob) {
	attempt := 0
	op := func() error {
		attempt++
		return s.send(s.ctx, job.row)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("sink", s.name).
			Uint64("row_id", job.row.ID).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Send failed, retrying")
	}

	err := backoff.RetryNotify(op, newBackOff(s.ctx, s.retries, s.interval), notify)
	if err == nil {
		job.completer.MarkCompleted()
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	job.completer.Fail(err)
}

func (s *serialSender) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.wg.Wait()
}
