package subsystem

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Base provides the bookkeeping shared by concrete subsystems: a scoped
// logger, a metrics map, the last error and a running flag.
type Base struct {
	name      string
	kind      Kind
	running   bool
	lastRun   time.Time
	lastError error
	metrics   map[string]any
	logger    zerolog.Logger
	mu        sync.Mutex
}

// NewBase creates a Base for the named subsystem.
func NewBase(name string, kind Kind, logger zerolog.Logger) *Base {
	return &Base{
		name:    name,
		kind:    kind,
		logger:  logger.With().Str("subsystem", name).Logger(),
		metrics: make(map[string]any),
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Kind() Kind { return b.kind }

// Logger returns the subsystem-scoped logger.
func (b *Base) Logger() *zerolog.Logger { return &b.logger }

// SetRunning records the running flag and, when starting, the start time.
func (b *Base) SetRunning(running bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = running
	if running {
		b.lastRun = time.Now()
	}
}

func (b *Base) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// StartedAt returns when the subsystem last started.
func (b *Base) StartedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRun
}

func (b *Base) SetLastError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastError = err
}

func (b *Base) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

// UpdateMetric sets one metric value.
func (b *Base) UpdateMetric(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics[key] = value
}

// Metrics returns a copy of the collected metrics.
func (b *Base) Metrics() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	dest := make(map[string]any, len(b.metrics))
	for k, v := range b.metrics {
		dest[k] = v
	}
	return dest
}
