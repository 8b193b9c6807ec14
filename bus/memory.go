package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus. Delivery is best effort: a full
// subscriber buffer drops the message and bumps Dropped.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	plain  map[string][]*memorySub
	queues map[string]map[string][]*memorySub
	next   map[string]int // round-robin cursor per subject/queue
	closed atomic.Bool

	inboxMu sync.Mutex
	inboxes map[string]chan *Message

	dropped atomic.Int64
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	queue   string
	ch      chan *Message
	once    sync.Once
}

func NewMemoryBus(cfg Config) *MemoryBus {
	return &MemoryBus{
		config:  cfg.withDefaults(),
		plain:   make(map[string][]*memorySub),
		queues:  make(map[string]map[string][]*memorySub),
		next:    make(map[string]int),
		inboxes: make(map[string]chan *Message),
	}
}

// Dropped reports messages lost to full subscriber buffers.
func (b *MemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Data: data}
	if b.answerInbox(msg) {
		return nil
	}
	b.deliver(msg)
	return nil
}

// deliver fans msg to plain subscribers and one member per queue group.
// It reports whether anyone was subscribed.
func (b *MemoryBus) deliver(msg *Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	for _, sub := range b.plain[msg.Subject] {
		found = true
		b.offer(sub, msg)
	}
	for queue, members := range b.queues[msg.Subject] {
		if len(members) == 0 {
			continue
		}
		found = true
		cursor := msg.Subject + "\x00" + queue
		i := b.next[cursor] % len(members)
		b.next[cursor] = i + 1
		b.offer(members[i], msg)
	}
	return found
}

func (b *MemoryBus) offer(sub *memorySub, msg *Message) {
	select {
	case sub.ch <- msg:
	default:
		b.dropped.Add(1)
	}
}

func (b *MemoryBus) answerInbox(msg *Message) bool {
	b.inboxMu.Lock()
	ch, ok := b.inboxes[msg.Subject]
	if ok {
		delete(b.inboxes, msg.Subject)
	}
	b.inboxMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *MemoryBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		bus:     b,
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
	}
	if queue == "" {
		b.plain[subject] = append(b.plain[subject], sub)
	} else {
		if b.queues[subject] == nil {
			b.queues[subject] = make(map[string][]*memorySub)
		}
		b.queues[subject][queue] = append(b.queues[subject][queue], sub)
	}
	return sub, nil
}

// Request returns ErrNoResponders immediately when nobody listens on subject.
func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	inbox := "_INBOX." + uuid.NewString()
	replyCh := make(chan *Message, 1)
	b.inboxMu.Lock()
	b.inboxes[inbox] = replyCh
	b.inboxMu.Unlock()

	forget := func() {
		b.inboxMu.Lock()
		delete(b.inboxes, inbox)
		b.inboxMu.Unlock()
	}

	if !b.deliver(&Message{Subject: subject, Data: data, Reply: inbox}) {
		forget()
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		forget()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	var subs []*memorySub
	for _, list := range b.plain {
		subs = append(subs, list...)
	}
	for _, groups := range b.queues {
		for _, list := range groups {
			subs = append(subs, list...)
		}
	}
	b.plain = make(map[string][]*memorySub)
	b.queues = make(map[string]map[string][]*memorySub)
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	b.mu.Unlock()
	return nil
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.queue == "" {
		b.plain[s.subject] = without(b.plain[s.subject], s)
	} else if groups := b.queues[s.subject]; groups != nil {
		groups[s.queue] = without(groups[s.queue], s)
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}

func without(list []*memorySub, target *memorySub) []*memorySub {
	out := list[:0:0]
	for _, sub := range list {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}
