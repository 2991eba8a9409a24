package dataloader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tsawler/go-meanteacher/structures"
)

type prepared struct {
	input structures.StepInput
	err   error
}

// DualStream zips a labeled and an unlabeled Source into step inputs.
// A background goroutine assembles the next step while the current one is
// being trained on; each stream is read strictly in order. Either source may
// be nil, in which case the step input has arity 1.
type DualStream struct {
	labeled   Source
	unlabeled Source

	steps  chan prepared
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
	closeErr  error
}

// NewDualStream starts prefetching from the given sources. The DualStream
// owns the sources and closes them on Close.
func NewDualStream(ctx context.Context, labeled, unlabeled Source) (*DualStream, error) {
	if labeled == nil && unlabeled == nil {
		return nil, fmt.Errorf("dual stream needs at least one source")
	}

	ctx, cancel := context.WithCancel(ctx)
	d := &DualStream{
		labeled:   labeled,
		unlabeled: unlabeled,
		steps:     make(chan prepared),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go d.prefetch(ctx)
	return d, nil
}

// Arity returns the number of batches in every step input
func (d *DualStream) Arity() int {
	if d.labeled != nil && d.unlabeled != nil {
		return 2
	}
	return 1
}

// prefetch holds at most one assembled step while waiting for the consumer.
func (d *DualStream) prefetch(ctx context.Context) {
	defer close(d.done)
	defer close(d.steps)

	for {
		input, err := d.assemble(ctx)
		select {
		case d.steps <- prepared{input: input, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			d.mu.Lock()
			d.err = err
			d.mu.Unlock()
			return
		}
	}
}

func (d *DualStream) assemble(ctx context.Context) (structures.StepInput, error) {
	input := make(structures.StepInput, 0, 2)
	if d.labeled != nil {
		b, err := d.labeled.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch labeled batch: %w", err)
		}
		b.Stream = structures.Labeled
		input = append(input, b)
	}
	if d.unlabeled != nil {
		b, err := d.unlabeled.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch unlabeled batch: %w", err)
		}
		b.Stream = structures.Unlabeled
		input = append(input, b)
	}
	return input, nil
}

// Next returns the next step input
func (d *DualStream) Next(ctx context.Context) (structures.StepInput, error) {
	select {
	case p, ok := <-d.steps:
		if !ok {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.err != nil {
				return nil, d.err
			}
			return nil, ErrClosed
		}
		return p.input, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops prefetching and closes both sources
func (d *DualStream) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		<-d.done

		var errs []error
		for _, s := range []Source{d.labeled, d.unlabeled} {
			if s == nil {
				continue
			}
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
