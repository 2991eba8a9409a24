package dataloader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
	"github.com/tsawler/go-meanteacher/logging"
	"github.com/tsawler/go-meanteacher/structures"
)

// StreamConfig holds configuration for a StreamLoader
type StreamConfig struct {
	Name          string            // Used in logs and errors
	Stream        structures.Stream // Stamped on every batch
	BatchSize     int               // Records per batch
	Workers       int               // Mapping goroutines (default: 2)
	PrefetchDepth int               // Ready batches buffered ahead of the consumer (default: 2)
	Shuffle       bool              // Reshuffle the dataset every epoch
	Seed          int64
	Logger        *logging.Logger
}

// StreamLoader produces an infinite sequence of batches from a dataset.
// An epoch-wise sampler assigns indices to batches in order, a pool of
// workers maps the records concurrently and a reorder stage emits batches
// strictly in sampler order into a bounded prefetch queue.
type StreamLoader struct {
	dataset Dataset
	mapper  Mapper
	cfg     StreamConfig
	logger  *logging.Logger

	out    chan structures.Batch
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	err       error
	closing   atomic.Bool
	closeOnce sync.Once

	produced atomic.Uint64
	consumed atomic.Uint64
	epoch    atomic.Int64
}

type job struct {
	seq     uint64
	indices []int
}

type mapped struct {
	seq   uint64
	batch structures.Batch
}

// NewStreamLoader starts a loader. The pipeline runs until Close is called,
// ctx is cancelled or a record fails to map.
func NewStreamLoader(ctx context.Context, dataset Dataset, mapper Mapper, cfg StreamConfig) (*StreamLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyStream, cfg.Name)
	}
	if mapper == nil {
		return nil, fmt.Errorf("mapper cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 2
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Stream.String()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &StreamLoader{
		dataset: dataset,
		mapper:  mapper,
		cfg:     cfg,
		logger:  cfg.Logger.WithComponent("dataloader").With("stream", cfg.Name),
		out:     make(chan structures.Batch, cfg.PrefetchDepth),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	jobs := make(chan job)
	results := make(chan mapped, cfg.Workers)
	// Bounds the batches in flight between the sampler and the queue.
	tokens := make(chan struct{}, cfg.Workers+cfg.PrefetchDepth)

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		return l.sample(ctx, jobs, tokens)
	})
	for i := 0; i < cfg.Workers; i++ {
		workerID := i
		p.Go(func(ctx context.Context) error {
			return l.work(ctx, workerID, jobs, results)
		})
	}
	p.Go(func(ctx context.Context) error {
		return l.reorder(ctx, results, tokens)
	})

	go func() {
		err := p.Wait()
		l.finish(err)
		close(l.out)
		close(l.done)
	}()

	l.logger.Debug("stream loader started",
		"records", dataset.Len(), "batch_size", cfg.BatchSize, "workers", cfg.Workers)
	return l, nil
}

func (l *StreamLoader) sample(ctx context.Context, jobs chan<- job, tokens chan struct{}) error {
	rng := rand.New(rand.NewSource(l.cfg.Seed))
	n := l.dataset.Len()
	perm := l.permutation(rng, n)
	pos := 0

	for seq := uint64(0); ; seq++ {
		select {
		case tokens <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		indices := make([]int, l.cfg.BatchSize)
		for i := range indices {
			if pos == n {
				perm = l.permutation(rng, n)
				pos = 0
				l.epoch.Add(1)
			}
			indices[i] = perm[pos]
			pos++
		}

		select {
		case jobs <- job{seq: seq, indices: indices}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *StreamLoader) permutation(rng *rand.Rand, n int) []int {
	if l.cfg.Shuffle {
		return rng.Perm(n)
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	return perm
}

func (l *StreamLoader) work(ctx context.Context, id int, jobs <-chan job, results chan<- mapped) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-jobs:
			batch, err := l.mapBatch(j)
			if err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			select {
			case results <- mapped{seq: j.seq, batch: batch}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (l *StreamLoader) mapBatch(j job) (structures.Batch, error) {
	batch := structures.Batch{Stream: l.cfg.Stream, Records: make([]structures.Record, len(j.indices))}
	for i, idx := range j.indices {
		// Per-record seeds keep augmentation independent of worker scheduling.
		seed := l.cfg.Seed*1_000_003 + int64(j.seq)*int64(l.cfg.BatchSize) + int64(i)
		rec, err := l.mapper.Map(l.dataset.Get(idx), rand.New(rand.NewSource(seed)))
		if err != nil {
			return structures.Batch{}, fmt.Errorf("failed to map record %d of %s: %w", idx, l.cfg.Name, err)
		}
		batch.Records[i] = rec
	}
	return batch, nil
}

func (l *StreamLoader) reorder(ctx context.Context, results <-chan mapped, tokens <-chan struct{}) error {
	pending := make(map[uint64]structures.Batch)
	var next uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-results:
			pending[r.seq] = r.batch
		}

		for {
			batch, ok := pending[next]
			if !ok {
				break
			}
			select {
			case l.out <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
			delete(pending, next)
			<-tokens
			next++
			l.produced.Add(1)
		}
	}
}

func (l *StreamLoader) finish(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing.Load() && errors.Is(err, context.Canceled) {
		return
	}
	l.err = err
	if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("stream loader stopped", "error", err)
	}
}

// Next returns the next batch in sampler order
func (l *StreamLoader) Next(ctx context.Context) (structures.Batch, error) {
	select {
	case batch, ok := <-l.out:
		if !ok {
			return structures.Batch{}, l.stopErr()
		}
		l.consumed.Add(1)
		return batch, nil
	case <-ctx.Done():
		return structures.Batch{}, ctx.Err()
	}
}

func (l *StreamLoader) stopErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return fmt.Errorf("data loader %s: %w", l.cfg.Name, l.err)
	}
	return ErrClosed
}

// Close stops the pipeline and waits for its goroutines to exit
func (l *StreamLoader) Close() error {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		l.cancel()
		<-l.done
		l.logger.Debug("stream loader closed", "batches", l.produced.Load())
	})
	return nil
}

// Stats returns statistics about the loader
func (l *StreamLoader) Stats() StreamStats {
	return StreamStats{
		Name:            l.cfg.Name,
		Stream:          l.cfg.Stream,
		BatchSize:       l.cfg.BatchSize,
		BatchesProduced: l.produced.Load(),
		BatchesConsumed: l.consumed.Load(),
		QueuedBatches:   len(l.out),
		QueueCapacity:   cap(l.out),
		Workers:         l.cfg.Workers,
		Epoch:           int(l.epoch.Load()),
	}
}

// StreamStats provides statistics about a StreamLoader
type StreamStats struct {
	Name            string
	Stream          structures.Stream
	BatchSize       int
	BatchesProduced uint64
	BatchesConsumed uint64
	QueuedBatches   int
	QueueCapacity   int
	Workers         int
	Epoch           int
}
