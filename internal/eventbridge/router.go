package eventbridge

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers bridge events to run-specific subscribers with buffering,
// deduplication, and bounded channel semantics. Batch jobs retry publishing,
// so the same event id may arrive more than once.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	forward      []EventProcessor
	logger       *zap.Logger
}

// Subscription represents an active run subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger *zap.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RouterWithForward hands every non-duplicate event to p before it is
// delivered to subscribers.
func RouterWithForward(p EventProcessor) RouterOption {
	return func(r *Router) {
		if p != nil {
			r.forward = append(r.forward, p)
		}
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent event IDs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for events of one run.
func (r *Router) Subscribe(runID string) Subscription {
	run := normalizeRun(runID)
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []Event
	r.mu.Lock()
	if r.subscribers[run] == nil {
		r.subscribers[run] = map[*subscriber]struct{}{}
	}
	r.subscribers[run][sub] = struct{}{}
	if existing := r.backlog[run]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(r.backlog, run)
	}
	r.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(run, sub)
		},
	}
}

// HandleEvent satisfies the EventProcessor interface. It returns the first
// error of the forward processors.
func (r *Router) HandleEvent(event Event) error {
	return r.Route(event)
}

// Route forwards the event and delivers it to subscribers, or buffers it when
// no subscriber exists.
func (r *Router) Route(event Event) error {
	if event.EventID != "" && r.isDuplicate(event.EventID) {
		return nil
	}
	var firstErr error
	for _, p := range r.forward {
		if err := p.HandleEvent(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	run := normalizeRun(event.RunID)
	if run == "" {
		return firstErr
	}
	r.mu.RLock()
	subs := r.snapshotSubscribers(run)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferEvent(run, event)
		return firstErr
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
	return firstErr
}

func (r *Router) snapshotSubscribers(run string) []*subscriber {
	live := r.subscribers[run]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(run string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[run]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, run)
		}
	}
	sub.close()
}

func (r *Router) bufferEvent(run string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[run]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		r.logger.Debug("backlog drop", zap.String("run", run), zap.Int("limit", r.backlogLimit))
	}
	queue = append(queue, event)
	r.backlog[run] = queue
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

func normalizeRun(runID string) string {
	return strings.TrimSpace(runID)
}

type subscriber struct {
	ch      chan Event
	logger  *zap.Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger *zap.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

func (s *subscriber) deliver(event Event) {
	if s.isClosed() {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
		oldest := <-s.ch
		if shouldDropOldest(oldest, event) {
			s.logDrop(oldest, "queue overflow")
			s.ch <- event
		} else {
			s.ch <- oldest
			s.logDrop(event, "queue overflow:incoming")
		}
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	s.logger.Debug("dropped event", zap.String("type", event.Type), zap.String("node", event.Node), zap.String("reason", reason))
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.closeMu.Unlock()
}

func (s *subscriber) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func shouldDropOldest(oldest, incoming Event) bool {
	oldestCritical := isCriticalEvent(oldest.Type)
	incomingCritical := isCriticalEvent(incoming.Type)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

func isCriticalEvent(kind string) bool {
	return strings.ToLower(strings.TrimSpace(kind)) == TypeFinished
}

func isPreferredDrop(kind string) bool {
	return strings.ToLower(strings.TrimSpace(kind)) == TypeProgress
}
