package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"agreementflow/workflow"
)

// Source hands out subscriptions. *Hub satisfies it.
type Source interface {
	Subscribe(ctx context.Context, agreementID string) *Subscription
}

// Fetcher loads the authoritative state.
type Fetcher interface {
	GetFlow(ctx context.Context, agreementID string) (workflow.FlowState, error)
}

type FetchFunc func(ctx context.Context, agreementID string) (workflow.FlowState, error)

func (f FetchFunc) GetFlow(ctx context.Context, agreementID string) (workflow.FlowState, error) {
	return f(ctx, agreementID)
}

// Session keeps one watcher's view of an agreement consistent. On every
// (re)connect it subscribes first, then fetches the authoritative state once,
// then replaces its view with each newer broadcast. A lost stream is never
// reported to the caller; the session reconnects with backoff.
type Session struct {
	agreementID string
	source      Source
	fetcher     Fetcher
	onChange    func(workflow.FlowState)
	minBackoff  time.Duration
	maxBackoff  time.Duration

	mu    sync.RWMutex
	state workflow.FlowState
	ready bool
}

type SessionOption func(*Session)

// WithOnChange registers a callback invoked from Run's goroutine each time
// the view is replaced.
func WithOnChange(fn func(workflow.FlowState)) SessionOption {
	return func(s *Session) { s.onChange = fn }
}

func WithBackoff(initial, ceiling time.Duration) SessionOption {
	return func(s *Session) {
		s.minBackoff = initial
		s.maxBackoff = ceiling
	}
}

func NewSession(agreementID string, source Source, fetcher Fetcher, opts ...SessionOption) *Session {
	s := &Session{
		agreementID: agreementID,
		source:      source,
		fetcher:     fetcher,
		minBackoff:  100 * time.Millisecond,
		maxBackoff:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current view and whether it has been loaded yet.
func (s *Session) State() (workflow.FlowState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return workflow.FlowState{}, false
	}
	return s.state.Clone(), true
}

// Run keeps the view synchronized until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		connected := s.follow(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = s.minBackoff
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// follow runs one connection. It reports whether the initial fetch succeeded.
func (s *Session) follow(ctx context.Context) bool {
	sub := s.source.Subscribe(ctx, s.agreementID)
	defer sub.Close()

	state, err := s.fetcher.GetFlow(ctx, s.agreementID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("realtime session %s: fetch: %v", s.agreementID, err)
		}
		return false
	}
	s.replace(state)

	for {
		select {
		case <-ctx.Done():
			return true
		case next, ok := <-sub.C():
			if !ok {
				return true
			}
			s.replace(next)
		}
	}
}

func (s *Session) replace(state workflow.FlowState) {
	s.mu.Lock()
	if s.ready && state.Version <= s.state.Version {
		s.mu.Unlock()
		return
	}
	s.state = state.Clone()
	s.ready = true
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(state)
	}
}
