package store

import (
	"sync"
)

type event struct {
	snap *Snapshot
	err  error
}

// Subscriber delivers snapshots for one subscription on its own goroutine, so
// a slow callback never blocks writers. Every snapshot is a full value, which
// lets queued snapshots collapse into the newest one without losing anything.
type Subscriber struct {
	path     string
	onChange func(Snapshot)
	onError  func(error)

	mu     sync.Mutex
	queue  []event
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	closed bool
}

func NewSubscriber(path string, onChange func(Snapshot), onError func(error)) *Subscriber {
	s := &Subscriber{
		path:     path,
		onChange: onChange,
		onError:  onError,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Subscriber) Path() string { return s.path }

// Deliver queues snap, replacing a snapshot that is still waiting.
func (s *Subscriber) Deliver(snap Snapshot) {
	s.push(event{snap: &snap})
}

// Fail queues err for the error callback.
func (s *Subscriber) Fail(err error) {
	s.push(event{err: err})
}

// Stop ends delivery. Events still queued are dropped.
func (s *Subscriber) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscriber) push(ev event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if n := len(s.queue); ev.snap != nil && n > 0 && s.queue[n-1].snap != nil {
		s.queue[n-1] = ev
	} else {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			switch {
			case ev.snap != nil && s.onChange != nil:
				s.onChange(*ev.snap)
			case ev.err != nil && s.onError != nil:
				s.onError(ev.err)
			}
		}
	}
}

// Subscribers is the set of live subscriptions of one store.
type Subscribers struct {
	mu  sync.RWMutex
	set map[*Subscriber]struct{}
}

func NewSubscribers() *Subscribers {
	return &Subscribers{set: make(map[*Subscriber]struct{})}
}

func (r *Subscribers) Add(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set[s] = struct{}{}
}

func (r *Subscribers) Remove(s *Subscriber) {
	r.mu.Lock()
	delete(r.set, s)
	r.mu.Unlock()
	s.Stop()
}

// Affected returns the subscribers whose value can change when any of paths
// is written.
func (r *Subscribers) Affected(paths ...string) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscriber
	for s := range r.set {
		for _, p := range paths {
			if Related(s.path, p) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func (r *Subscribers) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.set)
}

// Close stops every subscription. Events still queued are dropped and no
// callback runs afterwards.
func (r *Subscribers) Close() {
	r.mu.Lock()
	subs := r.set
	r.set = make(map[*Subscriber]struct{})
	r.mu.Unlock()

	for s := range subs {
		s.Stop()
	}
}
