package audit

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/gatekit/bus"
	"github.com/vinayprograms/gatekit/logging"
)

// BusSinkConfig configures a BusSink.
type BusSinkConfig struct {
	// Subject defaults to DefaultSubject.
	Subject string

	// QueueSize bounds entries waiting to be published. Default: 1024
	QueueSize int

	// Signer, when set, signs every entry before publishing.
	Signer *Signer

	// OnDrop is called for every entry lost to a full queue or a failed
	// publish.
	OnDrop func()

	Logger *logging.Logger
}

// BusSink publishes entries as JSON from a background goroutine.
type BusSink struct {
	bus     bus.Bus
	subject string
	signer  *Signer
	onDrop  func()
	logger  *logging.Logger

	mu     sync.RWMutex
	queue  chan Entry
	closed bool
	done   chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

func NewBusSink(b bus.Bus, cfg BusSinkConfig) *BusSink {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	s := &BusSink{
		bus:     b,
		subject: cfg.Subject,
		signer:  cfg.Signer,
		onDrop:  cfg.OnDrop,
		logger:  cfg.Logger.WithComponent("audit"),
		queue:   make(chan Entry, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record queues e. It drops e when the queue is full or the sink is closed.
func (s *BusSink) Record(e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop()
		return
	}
	select {
	case s.queue <- e:
	default:
		s.drop()
	}
}

func (s *BusSink) run() {
	defer close(s.done)
	for e := range s.queue {
		if s.signer != nil {
			s.signer.Sign(&e)
		}
		data, err := json.Marshal(e)
		if err == nil {
			err = s.bus.Publish(s.subject, data)
		}
		if err != nil {
			s.drop()
			s.logger.Warn("audit publish failed", map[string]interface{}{
				"error":          err,
				"correlation_id": e.CorrelationID,
			})
			continue
		}
		s.published.Add(1)
	}
}

func (s *BusSink) drop() {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
}

// Close stops accepting entries and waits until the queue is drained.
func (s *BusSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

func (s *BusSink) Published() int64 { return s.published.Load() }
func (s *BusSink) Dropped() int64   { return s.dropped.Load() }
