// Package audit records one entry per dispatched message.
//
// Recording is fire-and-forget: Sink.Record never blocks the session and
// never reports an error. Lost entries are counted, not retried.
package audit

import (
	"sync"
	"time"
)

// DefaultSubject is the bus subject BusSink publishes to.
const DefaultSubject = "audit.dispatch"

// Entry describes the outcome of one dispatch.
type Entry struct {
	Identity      string    `json:"identity"`
	ConnectionID  string    `json:"connection_id,omitempty"`
	MessageTypeID int       `json:"message_type_id"`
	CorrelationID string    `json:"correlation_id"`
	Outcome       string    `json:"outcome"`
	DurationMS    float64   `json:"duration_ms"`
	Timestamp     time.Time `json:"timestamp"`

	// Signature is set when the sink has a Signer.
	Signature string `json:"signature,omitempty"`
}

// NewEntry fills the timing fields from start.
func NewEntry(identity string, messageTypeID int, correlationID, outcome string, start time.Time) Entry {
	return Entry{
		Identity:      identity,
		MessageTypeID: messageTypeID,
		CorrelationID: correlationID,
		Outcome:       outcome,
		DurationMS:    float64(time.Since(start).Microseconds()) / 1000,
		Timestamp:     start.UTC(),
	}
}

// Sink accepts audit entries.
type Sink interface {
	Record(Entry)
}

// NopSink discards entries.
type NopSink struct{}

func (NopSink) Record(Entry) {}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *MemorySink) Record(e Entry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
