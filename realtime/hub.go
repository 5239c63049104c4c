// Package realtime fans committed flow states out to watching sessions.
// Every message is a full FlowState; receivers replace their view with it.
package realtime

import (
	"context"
	"sync"

	"agreementflow/workflow"
)

// Hub keeps the per-agreement subscriber sets.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers interest in one agreement. The subscription is released
// by Close or when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, agreementID string) *Subscription {
	sub := &Subscription{
		hub:         h,
		agreementID: agreementID,
		ch:          make(chan workflow.FlowState, 1),
		done:        make(chan struct{}),
		lastVersion: -1,
	}

	h.mu.Lock()
	set, ok := h.subs[agreementID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[agreementID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

// Publish offers state to every subscriber of its agreement.
func (h *Hub) Publish(state workflow.FlowState) {
	h.mu.Lock()
	set := h.subs[state.AgreementID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.offer(state)
	}
}

// Subscribers reports how many live subscriptions watch agreementID.
func (h *Hub) Subscribers(agreementID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[agreementID])
}

// Disconnect closes every subscription on agreementID, as a dropped stream
// would. Sessions are expected to resubscribe and re-fetch.
func (h *Hub) Disconnect(agreementID string) {
	h.mu.Lock()
	set := h.subs[agreementID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.Close()
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.agreementID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.agreementID)
	}
}

// Subscription is a stream of states for one agreement. It holds at most one
// undelivered state: a newer state replaces an unread older one, and states
// not newer than the last offered version are dropped.
type Subscription struct {
	hub         *Hub
	agreementID string
	ch          chan workflow.FlowState
	done        chan struct{}

	mu          sync.Mutex
	closed      bool
	lastVersion int64
}

// C delivers states in increasing version order. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan workflow.FlowState { return s.ch }

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) AgreementID() string { return s.agreementID }

func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	s.mu.Unlock()

	s.hub.remove(s)
}

func (s *Subscription) offer(state workflow.FlowState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || state.Version <= s.lastVersion {
		return
	}
	s.lastVersion = state.Version

	select {
	case <-s.ch:
	default:
	}
	s.ch <- state.Clone()
}
