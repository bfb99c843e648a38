package events

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ctxaudit/auditcore/internal/metrics"
	"github.com/ctxaudit/auditcore/internal/store"
)

// Sink receives every published event regardless of session. The websocket
// hub implements this.
type Sink interface {
	BroadcastEvent(Event)
}

// Publisher assigns sequence numbers, persists events, and fans them out.
type Publisher struct {
	store *store.Store

	mu    sync.Mutex
	seqs  map[string]int64
	subs  map[string]map[*Subscription]struct{}
	sinks []Sink
}

// NewPublisher creates a publisher backed by the given store.
func NewPublisher(st *store.Store) *Publisher {
	return &Publisher{
		store: st,
		seqs:  make(map[string]int64),
		subs:  make(map[string]map[*Subscription]struct{}),
	}
}

// AddSink registers a firehose sink. Must be called before serving traffic.
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Publish assigns the next sequence number for the session, persists the
// event, and wakes subscribers. Publishing after a terminal event is a
// programming error and is dropped with a warning.
func (p *Publisher) Publish(ev Event) (Event, error) {
	p.mu.Lock()

	seq, ok := p.seqs[ev.SessionID]
	if !ok {
		// Resume numbering from the persisted log so a restarted server
		// never reuses a sequence. Settled sessions have no counter entry;
		// the log's tail tells us whether the stream already ended.
		persisted, err := p.store.LatestSequence(ev.SessionID)
		if err != nil {
			p.mu.Unlock()
			return ev, err
		}
		if persisted > 0 {
			tail, err := p.store.ListEvents(ev.SessionID, persisted-1, 1, nil)
			if err != nil {
				p.mu.Unlock()
				return ev, err
			}
			if len(tail) > 0 && Terminal(tail[0].Type) {
				p.mu.Unlock()
				log.Warn().
					Str("session", ev.SessionID).
					Str("type", ev.Type).
					Msg("Dropping event published after terminal event")
				return ev, nil
			}
		}
		seq = persisted
	}
	seq++
	ev.Sequence = seq

	// Persist before releasing the lock: a later sequence must never reach
	// the log before an earlier one, or replaying subscribers would skip it.
	payload, err := ev.Encode()
	if err != nil {
		p.mu.Unlock()
		return ev, err
	}
	if err := p.store.AppendEvent(&store.EventRecord{
		SessionID: ev.SessionID,
		Sequence:  ev.Sequence,
		Type:      ev.Type,
		Agent:     ev.Agent,
		Payload:   payload,
		CreatedAt: ev.Timestamp,
	}); err != nil {
		p.mu.Unlock()
		return ev, err
	}
	if Terminal(ev.Type) {
		// The stream is over; drop the counter so settled sessions cost no
		// memory. Late publishes re-seed from the log and see the terminal
		// tail above.
		delete(p.seqs, ev.SessionID)
	} else {
		p.seqs[ev.SessionID] = seq
	}

	sinks := p.sinks
	subs := make([]*Subscription, 0, len(p.subs[ev.SessionID]))
	for sub := range p.subs[ev.SessionID] {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	metrics.Get().RecordEvent(ev.Type)

	for _, sub := range subs {
		sub.wake()
	}
	for _, s := range sinks {
		s.BroadcastEvent(ev)
	}
	return ev, nil
}

// Subscription is one subscriber's ordered view of a session stream.
type Subscription struct {
	ch     chan Event
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Events returns the delivery channel. It is closed after the terminal
// event has been delivered or the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscriber. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Subscribe returns a subscription delivering all events of the session with
// sequence > fromSeq, in order and without gaps. Events published before the
// call are replayed from the persisted log.
func (p *Publisher) Subscribe(sessionID string, fromSeq int64) *Subscription {
	sub := &Subscription{
		ch:     make(chan Event, 64),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.subs[sessionID] == nil {
		p.subs[sessionID] = make(map[*Subscription]struct{})
	}
	p.subs[sessionID][sub] = struct{}{}
	total := p.totalSubsLocked()
	p.mu.Unlock()
	metrics.Get().SetStreamSubscribers(total)

	go p.pump(sessionID, fromSeq, sub)
	return sub
}

// pump drives one subscriber from the persisted log. The in-memory signal is
// only a wakeup; ordering and completeness come from the store.
func (p *Publisher) pump(sessionID string, fromSeq int64, sub *Subscription) {
	defer func() {
		p.mu.Lock()
		delete(p.subs[sessionID], sub)
		total := p.totalSubsLocked()
		p.mu.Unlock()
		metrics.Get().SetStreamSubscribers(total)
		close(sub.ch)
	}()

	last := fromSeq
	for {
		records, err := p.store.ListEvents(sessionID, last, 256, nil)
		if err != nil {
			log.Error().Err(err).Str("session", sessionID).Msg("Event replay failed")
			return
		}

		for _, rec := range records {
			var ev Event
			if err := json.Unmarshal(rec.Payload, &ev); err != nil {
				log.Error().Err(err).
					Str("session", sessionID).
					Int64("sequence", rec.Sequence).
					Msg("Corrupt event payload in log")
				continue
			}
			select {
			case sub.ch <- ev:
				last = rec.Sequence
			case <-sub.done:
				return
			}
			if Terminal(ev.Type) {
				return
			}
		}

		if len(records) == 256 {
			// More may be waiting; keep draining before we block.
			continue
		}

		select {
		case <-sub.signal:
		case <-sub.done:
			return
		}
	}
}

func (p *Publisher) totalSubsLocked() int {
	total := 0
	for _, subs := range p.subs {
		total += len(subs)
	}
	return total
}

// SubscriberCount reports active subscribers for a session.
func (p *Publisher) SubscriberCount(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[sessionID])
}
