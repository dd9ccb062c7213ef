package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"locstream/internal/domain"
)

// Letter is a record that could not be processed, kept for inspection.
type Letter struct {
	Raw       []byte
	Key       []byte
	Err       error
	Partition domain.PartitionID
	Offset    int64
	At        time.Time
}

// Reason returns the error text carried with the letter.
func (l Letter) Reason() string {
	if l.Err == nil {
		return ""
	}
	return l.Err.Error()
}

// Sink receives undecodable records. Send must not return before the letter
// is stored; callers do not commit past a letter whose Send failed.
type Sink interface {
	Send(ctx context.Context, l Letter) error
}

// MemorySink keeps letters in memory.
type MemorySink struct {
	mu      sync.Mutex
	letters []Letter
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Send(_ context.Context, l Letter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.Raw = append([]byte(nil), l.Raw...)
	m.letters = append(m.letters, l)
	return nil
}

func (m *MemorySink) Letters() []Letter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Letter(nil), m.letters...)
}

// LogSink writes letters to the log. It is the default when no external
// sink is configured.
type LogSink struct {
	log logr.Logger
}

func NewLogSink(log logr.Logger) *LogSink {
	return &LogSink{log: log.WithName("deadletter")}
}

func (s *LogSink) Send(_ context.Context, l Letter) error {
	s.log.Error(l.Err, "dead-lettered record",
		"partition", l.Partition, "offset", l.Offset, "bytes", len(l.Raw), "raw", l.Raw)
	return nil
}
