// Package bus fans cockpit events out to the subscribers of a subject
// (a site id or a quick-test id). A Bus is owned by the process root and
// passed explicitly; there is no package-level registry.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/getsafe360/saas-app/internal/otel"
	"github.com/getsafe360/saas-app/internal/persistence"
)

const defaultBufferSize = 64

var ErrClosed = errors.New("bus closed")

// Relay is the shared store that carries events between instances.
type Relay interface {
	AppendRelay(ctx context.Context, origin, subject string, build func(revision int64) ([]byte, error)) (int64, error)
	RelayAfter(ctx context.Context, afterSeq int64, excludeOrigin string, limit int) ([]persistence.RelayRow, error)
	RelayHead(ctx context.Context) (int64, error)
}

type Config struct {
	BufferSize int
	// Relay, when set, allocates revisions and forwards events to other instances.
	Relay        Relay
	InstanceID   string
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Now          func() time.Time
}

type Subscription struct {
	id      uint64
	subject string
	ch      chan Event
	closed  bool
}

// C delivers events in publish order. It is closed when the subscription
// ends, including when the bus drops a subscriber that fell behind.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Subject() string {
	return s.subject
}

type subject struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
}

type Bus struct {
	cfg     Config
	encMode cbor.EncMode
	decMode cbor.DecMode

	mu        sync.Mutex
	subjects  map[string]*subject
	nextID    uint64
	closed    bool
	// revisions outlives the sink sets so a subject's counter never restarts
	// when its last subscriber leaves.
	revisions map[string]int64
}

func New(cfg Config) (*Bus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Relay != nil && cfg.InstanceID == "" {
		return nil, fmt.Errorf("relay requires an instance id")
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &Bus{
		cfg:      cfg,
		encMode:  enc,
		decMode:  dec,
		subjects:  make(map[string]*subject),
		revisions: make(map[string]int64),
	}, nil
}

// Subscribe registers a sink for subjectID. On a closed bus the returned
// subscription's channel is already closed.
func (b *Bus) Subscribe(subjectID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		subject: subjectID,
		ch:      make(chan Event, b.cfg.BufferSize),
	}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	s, ok := b.subjects[subjectID]
	if !ok {
		s = &subject{subs: make(map[uint64]*Subscription)}
		b.subjects[subjectID] = s
	}
	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	return sub
}

// Unsubscribe is idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	s, ok := b.subjects[sub.subject]
	if !ok {
		b.mu.Unlock()
		return
	}
	s.mu.Lock()
	b.removeLocked(sub.subject, s, sub)
	s.mu.Unlock()
	b.mu.Unlock()
}

// removeLocked requires s.mu. The subject entry goes away with its last
// subscriber; b.mu must be held when that is possible.
func (b *Bus) removeLocked(name string, s *subject, sub *Subscription) {
	if _, ok := s.subs[sub.id]; !ok {
		return
	}
	delete(s.subs, sub.id)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	if len(s.subs) == 0 && b.subjects[name] == s {
		delete(b.subjects, name)
	}
}

// Publish stamps ev and delivers it to every current subscriber of subjectID
// in publish order. With no subscribers the event is dropped; there is no
// replay. With a relay configured the event is also handed to other instances.
func (b *Bus) Publish(ctx context.Context, subjectID string, ev Event) (Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ev, ErrClosed
	}
	var rev int64
	if b.cfg.Relay == nil {
		b.revisions[subjectID]++
		rev = b.revisions[subjectID]
	}
	s := b.subjects[subjectID]
	if s != nil {
		s.mu.Lock()
	}
	b.mu.Unlock()

	var stamped Event
	if b.cfg.Relay == nil {
		stamped = Stamp(ev, rev, b.cfg.Now())
	} else {
		_, err := b.cfg.Relay.AppendRelay(ctx, b.cfg.InstanceID, subjectID, func(rev int64) ([]byte, error) {
			stamped = Stamp(ev, rev, b.cfg.Now())
			return b.encMode.Marshal(stamped)
		})
		if err != nil {
			if s != nil {
				s.mu.Unlock()
			}
			return ev, fmt.Errorf("relay publish: %w", err)
		}
	}
	if s == nil {
		b.cfg.Metrics.Published(ctx, ev.Type)
		return stamped, nil
	}
	dropped := b.deliverLocked(s, stamped)
	s.mu.Unlock()

	b.cfg.Metrics.Published(ctx, ev.Type)
	if len(dropped) > 0 {
		b.pruneDropped(subjectID, s, dropped)
		for range dropped {
			b.cfg.Metrics.Dropped(ctx)
		}
		b.cfg.Logger.Warn("bus dropped slow subscribers", "subject", subjectID, "count", len(dropped))
	}
	return stamped, nil
}

// deliverLocked requires s.mu. Subscribers whose buffer is full are closed
// and returned so the caller can unlink them.
func (b *Bus) deliverLocked(s *subject, ev Event) []*Subscription {
	var dropped []*Subscription
	for _, sub := range s.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.closed = true
			close(sub.ch)
			dropped = append(dropped, sub)
		}
	}
	return dropped
}

func (b *Bus) pruneDropped(name string, s *subject, dropped []*Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range dropped {
		b.removeLocked(name, s, sub)
	}
}

// Run relays events written by other instances until ctx is done. Without a
// relay it only waits.
func (b *Bus) Run(ctx context.Context) error {
	if b.cfg.Relay == nil {
		<-ctx.Done()
		return nil
	}
	head, err := b.cfg.Relay.RelayHead(ctx)
	if err != nil {
		return fmt.Errorf("relay head: %w", err)
	}
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		head = b.pollRelay(ctx, head)
	}
}

func (b *Bus) pollRelay(ctx context.Context, head int64) int64 {
	for {
		rows, err := b.cfg.Relay.RelayAfter(ctx, head, b.cfg.InstanceID, 256)
		if err != nil {
			if ctx.Err() == nil {
				b.cfg.Logger.Warn("relay poll failed", "error", err)
			}
			return head
		}
		for _, row := range rows {
			head = row.Seq
			var ev Event
			if err := b.decMode.Unmarshal(row.Payload, &ev); err != nil {
				b.cfg.Logger.Warn("relay row undecodable", "seq", row.Seq, "error", err)
				continue
			}
			b.deliverRemote(ctx, row.Subject, ev)
		}
		if len(rows) < 256 {
			return head
		}
	}
}

func (b *Bus) deliverRemote(ctx context.Context, subjectID string, ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	s := b.subjects[subjectID]
	if s == nil {
		b.mu.Unlock()
		return
	}
	s.mu.Lock()
	b.mu.Unlock()
	dropped := b.deliverLocked(s, ev)
	s.mu.Unlock()
	if len(dropped) > 0 {
		b.pruneDropped(subjectID, s, dropped)
		for range dropped {
			b.cfg.Metrics.Dropped(ctx)
		}
	}
}

// Close ends every subscription. Later publishes fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, s := range b.subjects {
		s.mu.Lock()
		for _, sub := range s.subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		s.subs = nil
		s.mu.Unlock()
		delete(b.subjects, name)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subjects {
		s.mu.Lock()
		n += len(s.subs)
		s.mu.Unlock()
	}
	return n
}

// HasSubscribers reports whether subjectID currently has any sink.
func (b *Bus) HasSubscribers(subjectID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subjects[subjectID]
	return ok
}
