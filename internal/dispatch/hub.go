package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"mirage/pkg/model"
)

var ErrHubClosed = errors.New("dispatch: hub closed")

// Dispatcher accepts actions for publication.
type Dispatcher interface {
	Dispatch(Action)
}

// Hub fans actions out to subscribers in-process. Subscribers that fall
// behind lose actions rather than stalling the engine.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed atomic.Bool
}

type subscription struct {
	ch     chan Action
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub() *Hub {
	return &Hub{subs: map[int]*subscription{}}
}

// Dispatch stamps and publishes the action to every subscriber.
func (h *Hub) Dispatch(action Action) {
	if h.closed.Load() {
		return
	}
	if action.Timestamp == (model.Timestamp{}) {
		action.Timestamp = model.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- action:
		case <-sub.ctx.Done():
		default:
			// Subscriber buffer full; drop for this subscriber.
		}
	}
}

// Subscribe registers a buffered subscriber. The channel closes when the
// context is cancelled, the unsubscribe function runs, or the hub closes.
func (h *Hub) Subscribe(ctx context.Context, bufSize int) (<-chan Action, func(), error) {
	if h.closed.Load() {
		return nil, nil, ErrHubClosed
	}
	if bufSize <= 0 {
		bufSize = 64
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:     make(chan Action, bufSize),
		ctx:    subCtx,
		cancel: cancel,
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			cancel()
			close(sub.ch)
		})
	}

	go func() {
		<-subCtx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe, nil
}

// Close drops all subscribers and refuses further dispatches.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for id, sub := range h.subs {
		subs = append(subs, sub)
		delete(h.subs, id)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}
