package threatintel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lucid-vigil/warden/pkg/config"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/rs/zerolog"
)

// ApplyFunc applies a batch of validated updates.
type ApplyFunc func(ctx context.Context, batch []ThreatUpdate)

// Ingestor is a bounded queue between feeds and the store. When full it
// either blocks the producer or evicts the oldest queued update.
type Ingestor struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	notFull   *sync.Cond
	queue     []ThreatUpdate
	capacity  int
	policy    string
	batchSize int
	closed    bool

	validator *Validator
	apply     ApplyFunc
	onDrop    func(ThreatUpdate)
	logger    zerolog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
}

// IngestStats is a snapshot of ingestion counters.
type IngestStats struct {
	Queued   int   `json:"queued"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Dropped  int64 `json:"dropped"`
}

// NewIngestor creates an ingestor. onDrop is called for every update evicted
// under the drop_oldest policy.
func NewIngestor(cfg config.IngestionConfig, validator *Validator, apply ApplyFunc, onDrop func(ThreatUpdate), logger zerolog.Logger) *Ingestor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	in := &Ingestor{
		capacity:  cfg.QueueSize,
		policy:    cfg.Policy,
		batchSize: cfg.BatchSize,
		validator: validator,
		apply:     apply,
		onDrop:    onDrop,
		logger:    logger.With().Str("component", "ingestor").Logger(),
	}
	in.notEmpty = sync.NewCond(&in.mu)
	in.notFull = sync.NewCond(&in.mu)
	return in
}

// Submit validates u and queues it. Under the block policy Submit waits for
// room until ctx is done.
func (in *Ingestor) Submit(ctx context.Context, u ThreatUpdate) error {
	if err := in.validator.Validate(&u); err != nil {
		in.rejected.Add(1)
		in.logger.Warn().Err(err).Str("update_id", u.ID).Str("source", u.Source).Msg("Threat update rejected")
		return err
	}

	var evicted []ThreatUpdate
	in.mu.Lock()
	if len(in.queue) >= in.capacity && !in.closed {
		if in.policy == config.PolicyDropOldest {
			evicted = append(evicted, in.queue[0])
			in.queue = append(in.queue[:0], in.queue[1:]...)
			in.dropped.Add(1)
		} else if err := in.waitForRoom(ctx); err != nil {
			in.mu.Unlock()
			return err
		}
	}
	if in.closed {
		in.mu.Unlock()
		return werrors.ErrShuttingDown
	}
	in.queue = append(in.queue, u)
	in.accepted.Add(1)
	in.notEmpty.Signal()
	in.mu.Unlock()

	if in.onDrop != nil {
		for _, e := range evicted {
			in.onDrop(e)
		}
	}
	return nil
}

// waitForRoom blocks on notFull until there is space, the ingestor closes or
// ctx ends. Called with mu held.
func (in *Ingestor) waitForRoom(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		in.mu.Lock()
		in.notFull.Broadcast()
		in.mu.Unlock()
	})
	defer stop()
	for len(in.queue) >= in.capacity && !in.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		in.notFull.Wait()
	}
	return nil
}

// Run drains the queue in batches until ctx is done or Close is called.
func (in *Ingestor) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, in.Close)
	defer stop()

	for {
		batch, ok := in.next()
		if !ok {
			return
		}
		in.apply(ctx, batch)
	}
}

func (in *Ingestor) next() ([]ThreatUpdate, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for len(in.queue) == 0 && !in.closed {
		in.notEmpty.Wait()
	}
	if len(in.queue) == 0 {
		return nil, false
	}
	n := min(len(in.queue), in.batchSize)
	batch := make([]ThreatUpdate, n)
	copy(batch, in.queue[:n])
	in.queue = append(in.queue[:0], in.queue[n:]...)
	in.notFull.Broadcast()
	return batch, true
}

// Close stops accepting updates. Queued updates are still drained by Run.
func (in *Ingestor) Close() {
	in.mu.Lock()
	in.closed = true
	in.notEmpty.Broadcast()
	in.notFull.Broadcast()
	in.mu.Unlock()
}

// Stats returns ingestion counters.
func (in *Ingestor) Stats() IngestStats {
	in.mu.Lock()
	queued := len(in.queue)
	in.mu.Unlock()
	return IngestStats{
		Queued:   queued,
		Accepted: in.accepted.Load(),
		Rejected: in.rejected.Load(),
		Dropped:  in.dropped.Load(),
	}
}
