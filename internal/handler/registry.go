package handler

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"pairing-widget/internal/bucketing"
	"pairing-widget/internal/pairing"
	"pairing-widget/internal/scheduler"
	"pairing-widget/internal/trust"
	"pairing-widget/internal/util"
)

var ErrWidgetNotFound = errors.New("widget not found")

// Widget is one browser's widget instance.
type Widget struct {
	ID         string
	Controller *pairing.Controller
	// Trust is nil when no hostname is known for the widget.
	Trust *trust.Monitor

	lastSeen time.Time
}

// Close stops every timer the widget owns.
func (w *Widget) Close() {
	w.Controller.Close()
	if w.Trust != nil {
		w.Trust.Close()
	}
}

// WidgetFactory builds the components of a new widget. hostname is the host
// the widget was first requested for.
type WidgetFactory func(id, hostname string) *Widget

type registryShard struct {
	mu      sync.Mutex
	widgets map[string]*Widget
}

// Registry holds live widgets, sharded by widget id.
type Registry struct {
	factory WidgetFactory
	buckets *bucketing.BucketingManager
	shards  []*registryShard
	clock   scheduler.Clock
	idle    time.Duration
	logger  *zap.Logger
}

func NewRegistry(factory WidgetFactory, shards int, idle time.Duration, clock scheduler.Clock, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = scheduler.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bm := bucketing.NewBucketingManager(shards)
	r := &Registry{
		factory: factory,
		buckets: bm,
		shards:  make([]*registryShard, bm.Buckets()),
		clock:   clock,
		idle:    idle,
		logger:  logger,
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{widgets: make(map[string]*Widget)}
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	return r.shards[r.buckets.GetBucket(id)]
}

// Get returns the widget for id and marks it as recently used.
func (r *Registry) Get(id string) (*Widget, error) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[id]
	if !ok {
		return nil, ErrWidgetNotFound
	}
	w.lastSeen = r.clock.Now()
	return w, nil
}

// GetOrCreate returns the widget for id, creating it if needed.
func (r *Registry) GetOrCreate(id, hostname string) *Widget {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.widgets[id]; ok {
		w.lastSeen = r.clock.Now()
		return w
	}
	w := r.factory(id, hostname)
	w.ID = id
	w.lastSeen = r.clock.Now()
	s.widgets[id] = w
	r.logger.Debug("Widget created", util.String("widget_id", id))
	return w
}

// Len returns the number of live widgets.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.widgets)
		s.mu.Unlock()
	}
	return n
}

// Sweep closes and drops widgets idle for longer than the idle timeout.
func (r *Registry) Sweep() int {
	if r.idle <= 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-r.idle)

	var evicted []*Widget
	for _, s := range r.shards {
		s.mu.Lock()
		for id, w := range s.widgets {
			if w.lastSeen.Before(cutoff) {
				evicted = append(evicted, w)
				delete(s.widgets, id)
			}
		}
		s.mu.Unlock()
	}
	for _, w := range evicted {
		w.Close()
	}
	if len(evicted) > 0 {
		r.logger.Info("Evicted idle widgets", util.Int("count", len(evicted)))
	}
	return len(evicted)
}

// StartSweeper runs Sweep every interval until the task is stopped.
func (r *Registry) StartSweeper(interval time.Duration) scheduler.Task {
	return r.clock.Every(interval, false, func() { r.Sweep() })
}

// CloseAll closes and drops every widget.
func (r *Registry) CloseAll() {
	for _, s := range r.shards {
		s.mu.Lock()
		widgets := s.widgets
		s.widgets = make(map[string]*Widget)
		s.mu.Unlock()
		for _, w := range widgets {
			w.Close()
		}
	}
}
