package sink

import (
	"context"
	"sync"

	"github.com/maxpert/binlogd/publisher"
)

// MockSink records rows for tests. With AutoComplete every row is acked on
// send; otherwise the test resolves rows with Ack and Fail.
type MockSink struct {
	AutoComplete bool
	SendErr      error

	mu         sync.Mutex
	rows       []*publisher.Row
	completers []*publisher.Completer
	closed     bool
}

func (m *MockSink) SendAsync(_ context.Context, row *publisher.Row, c *publisher.Completer) error {
	m.mu.Lock()
	if m.SendErr != nil {
		m.mu.Unlock()
		return m.SendErr
	}
	m.rows = append(m.rows, row)
	m.completers = append(m.completers, c)
	m.mu.Unlock()

	if m.AutoComplete {
		c.MarkCompleted()
	}
	return nil
}

// Rows returns a copy of everything sent so far
func (m *MockSink) Rows() []*publisher.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*publisher.Row(nil), m.rows...)
}

// Ack completes the i-th sent row
func (m *MockSink) Ack(i int) {
	m.completer(i).MarkCompleted()
}

// Fail fails the i-th sent row
func (m *MockSink) Fail(i int, err error) {
	m.completer(i).Fail(err)
}

func (m *MockSink) completer(i int) *publisher.Completer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completers[i]
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset clears all recorded rows
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = nil
	m.completers = nil
}
