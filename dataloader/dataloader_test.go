package dataloader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/tsawler/go-meanteacher/structures"
	"github.com/tsawler/go-meanteacher/tensor"
)

func makeRecords(n int) Records {
	records := make(Records, n)
	for i := range records {
		records[i] = structures.Record{ID: strconv.Itoa(i), FileName: fmt.Sprintf("img_%d.png", i)}
	}
	return records
}

// identityMapper sleeps a random amount so workers finish out of order
var identityMapper = MapperFunc(func(rec structures.Record, rng *rand.Rand) (structures.Record, error) {
	time.Sleep(time.Duration(rng.Intn(300)) * time.Microsecond)
	return rec, nil
})

func TestSplitBatchSize(t *testing.T) {
	tests := []struct {
		total     int
		ratio     [2]float64
		labeled   int
		unlabeled int
	}{
		{32, [2]float64{1, 1}, 32, 32},
		{32, [2]float64{4, 1}, 32, 8},
		{32, [2]float64{0, 1}, 0, 32},
		{32, [2]float64{1, 0}, 32, 0},
		{10, [2]float64{1, 3}, 3, 10},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%v", tt.total, tt.ratio), func(t *testing.T) {
			l, u, err := SplitBatchSize(tt.total, tt.ratio)
			if err != nil {
				t.Fatalf("SplitBatchSize failed: %v", err)
			}
			if l != tt.labeled || u != tt.unlabeled {
				t.Errorf("Expected %d/%d, got %d/%d", tt.labeled, tt.unlabeled, l, u)
			}
		})
	}

	if _, _, err := SplitBatchSize(32, [2]float64{0, 0}); err == nil {
		t.Error("Expected error for all-zero ratio")
	}
	if _, _, err := SplitBatchSize(32, [2]float64{-1, 1}); err == nil {
		t.Error("Expected error for negative ratio")
	}
	if _, _, err := SplitBatchSize(0, [2]float64{1, 1}); err == nil {
		t.Error("Expected error for zero total")
	}
}

func TestStreamLoaderOrder(t *testing.T) {
	ctx := context.Background()
	loader, err := NewStreamLoader(ctx, makeRecords(10), identityMapper, StreamConfig{
		BatchSize: 3, Workers: 4, PrefetchDepth: 2, Stream: structures.Unlabeled,
	})
	if err != nil {
		t.Fatalf("NewStreamLoader failed: %v", err)
	}
	defer loader.Close()

	// Without shuffling the sampler walks 0..9 repeatedly.
	for b := 0; b < 12; b++ {
		batch, err := loader.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch.Stream != structures.Unlabeled || batch.Len() != 3 {
			t.Fatalf("Unexpected batch %+v", batch)
		}
		for i, rec := range batch.Records {
			want := strconv.Itoa((b*3 + i) % 10)
			if rec.ID != want {
				t.Fatalf("batch %d record %d: expected %s, got %s", b, i, want, rec.ID)
			}
		}
	}

	stats := loader.Stats()
	if stats.BatchesConsumed != 12 || stats.Epoch < 3 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.QueueCapacity != 2 || stats.Workers != 4 {
		t.Errorf("Unexpected queue configuration %+v", stats)
	}
}

func TestStreamLoaderShuffleIsSeeded(t *testing.T) {
	read := func() []string {
		ctx := context.Background()
		loader, err := NewStreamLoader(ctx, makeRecords(20), identityMapper, StreamConfig{
			BatchSize: 5, Workers: 3, Shuffle: true, Seed: 42,
		})
		if err != nil {
			t.Fatalf("NewStreamLoader failed: %v", err)
		}
		defer loader.Close()

		var ids []string
		for i := 0; i < 4; i++ {
			b, err := loader.Next(ctx)
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			ids = append(ids, b.IDs()...)
		}
		return ids
	}

	first, second := read(), read()
	seen := make(map[string]bool)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Same seed produced different orders at %d: %s vs %s", i, first[i], second[i])
		}
		seen[first[i]] = true
	}
	if len(seen) != 20 {
		t.Errorf("Expected one full epoch of 20 distinct records, got %d", len(seen))
	}
}

func TestStreamLoaderErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := NewStreamLoader(ctx, Records{}, identityMapper, StreamConfig{BatchSize: 1}); !errors.Is(err, ErrEmptyStream) {
		t.Errorf("Expected ErrEmptyStream, got %v", err)
	}
	if _, err := NewStreamLoader(ctx, makeRecords(2), identityMapper, StreamConfig{BatchSize: 0}); err == nil {
		t.Error("Expected error for zero batch size")
	}

	boom := errors.New("corrupt image")
	failing := MapperFunc(func(rec structures.Record, _ *rand.Rand) (structures.Record, error) {
		if rec.ID == "3" {
			return rec, boom
		}
		return rec, nil
	})
	loader, err := NewStreamLoader(ctx, makeRecords(5), failing, StreamConfig{BatchSize: 1, Workers: 1, PrefetchDepth: 1})
	if err != nil {
		t.Fatalf("NewStreamLoader failed: %v", err)
	}
	defer loader.Close()

	var got error
	for i := 0; i < 10 && got == nil; i++ {
		_, got = loader.Next(ctx)
	}
	if !errors.Is(got, boom) {
		t.Errorf("Expected mapper error to propagate, got %v", got)
	}
}

func TestStreamLoaderClose(t *testing.T) {
	ctx := context.Background()
	loader, err := NewStreamLoader(ctx, makeRecords(4), identityMapper, StreamConfig{BatchSize: 2})
	if err != nil {
		t.Fatalf("NewStreamLoader failed: %v", err)
	}
	if _, err := loader.Next(ctx); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if err := loader.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	loader.Close()

	// Batches queued before Close may still drain; afterwards Next reports closure.
	var err2 error
	for i := 0; i < 10 && err2 == nil; i++ {
		_, err2 = loader.Next(ctx)
	}
	if !errors.Is(err2, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err2)
	}
}

func TestDualStream(t *testing.T) {
	ctx := context.Background()

	t.Run("two streams", func(t *testing.T) {
		l, _ := NewStreamLoader(ctx, makeRecords(6), identityMapper, StreamConfig{BatchSize: 2})
		u, _ := NewStreamLoader(ctx, makeRecords(9), identityMapper, StreamConfig{BatchSize: 3})
		d, err := NewDualStream(ctx, l, u)
		if err != nil {
			t.Fatalf("NewDualStream failed: %v", err)
		}
		defer d.Close()

		if d.Arity() != 2 {
			t.Errorf("Expected arity 2, got %d", d.Arity())
		}
		for step := 0; step < 5; step++ {
			input, err := d.Next(ctx)
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			labeled, unlabeled, err := input.Split()
			if err != nil {
				t.Fatalf("Split failed: %v", err)
			}
			if labeled.Stream != structures.Labeled || unlabeled == nil || unlabeled.Stream != structures.Unlabeled {
				t.Fatal("Streams not stamped")
			}
			if labeled.Len() != 2 || unlabeled.Len() != 3 {
				t.Fatalf("Expected sizes 2/3, got %d/%d", labeled.Len(), unlabeled.Len())
			}
			if want := strconv.Itoa((step * 2) % 6); labeled.Records[0].ID != want {
				t.Errorf("step %d: labeled stream out of order: expected %s, got %s", step, want, labeled.Records[0].ID)
			}
			if want := strconv.Itoa((step * 3) % 9); unlabeled.Records[0].ID != want {
				t.Errorf("step %d: unlabeled stream out of order: expected %s, got %s", step, want, unlabeled.Records[0].ID)
			}
		}
	})

	t.Run("single stream", func(t *testing.T) {
		l, _ := NewStreamLoader(ctx, makeRecords(3), identityMapper, StreamConfig{BatchSize: 1})
		d, err := NewDualStream(ctx, l, nil)
		if err != nil {
			t.Fatalf("NewDualStream failed: %v", err)
		}
		defer d.Close()

		input, err := d.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if input.Arity() != 1 || d.Arity() != 1 {
			t.Errorf("Expected arity 1, got %d", input.Arity())
		}
	})

	t.Run("no streams", func(t *testing.T) {
		if _, err := NewDualStream(ctx, nil, nil); err == nil {
			t.Error("Expected error without sources")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		d, _ := NewDualStream(ctx, blockingSource{}, nil)
		defer d.Close()

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if _, err := d.Next(cctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline error, got %v", err)
		}
	})
}

// blockingSource never produces a batch
type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (structures.Batch, error) {
	<-ctx.Done()
	return structures.Batch{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

func TestBuildTrainLoader(t *testing.T) {
	ctx := context.Background()
	opts := TrainLoaderOptions{TotalBatchSize: 4, Ratio: [2]float64{1, 1}, Workers: 2, PrefetchDepth: 1}

	t.Run("both streams", func(t *testing.T) {
		d, err := BuildTrainLoader(ctx, opts, makeRecords(8), makeRecords(8), identityMapper, identityMapper)
		if err != nil {
			t.Fatalf("BuildTrainLoader failed: %v", err)
		}
		defer d.Close()

		input, err := d.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if input.Arity() != 2 || input[0].Len() != 4 || input[1].Len() != 4 {
			t.Errorf("Unexpected step input shape")
		}
	})

	t.Run("zero unlabeled ratio omits the stream", func(t *testing.T) {
		o := opts
		o.Ratio = [2]float64{1, 0}
		d, err := BuildTrainLoader(ctx, o, makeRecords(8), makeRecords(8), identityMapper, identityMapper)
		if err != nil {
			t.Fatalf("BuildTrainLoader failed: %v", err)
		}
		defer d.Close()
		if d.Arity() != 1 {
			t.Errorf("Expected arity 1, got %d", d.Arity())
		}
	})

	t.Run("zero labeled ratio is rejected", func(t *testing.T) {
		o := opts
		o.Ratio = [2]float64{0, 1}
		if _, err := BuildTrainLoader(ctx, o, makeRecords(8), makeRecords(8), identityMapper, identityMapper); err == nil {
			t.Error("Expected error for zero labeled ratio")
		}
	})

	t.Run("empty configured streams", func(t *testing.T) {
		if _, err := BuildTrainLoader(ctx, opts, Records{}, makeRecords(8), identityMapper, identityMapper); !errors.Is(err, ErrEmptyStream) {
			t.Errorf("Expected ErrEmptyStream for labeled, got %v", err)
		}
		if _, err := BuildTrainLoader(ctx, opts, makeRecords(8), Records{}, identityMapper, identityMapper); !errors.Is(err, ErrEmptyStream) {
			t.Errorf("Expected ErrEmptyStream for unlabeled, got %v", err)
		}
	})

	t.Run("no unlabeled datasets", func(t *testing.T) {
		d, err := BuildTrainLoader(ctx, opts, makeRecords(8), nil, identityMapper, identityMapper)
		if err != nil {
			t.Fatalf("BuildTrainLoader failed: %v", err)
		}
		defer d.Close()
		if d.Arity() != 1 {
			t.Errorf("Expected arity 1, got %d", d.Arity())
		}
	})
}

// fakeImages returns a gradient image of the given size for every path
type fakeImages struct {
	size, width, height int
}

func (f fakeImages) Load(path string) (*tensor.Tensor, int, int, error) {
	img := tensor.MustZeros(3, f.size, f.size)
	for i := range img.Data {
		img.Data[i] = float32(i%f.size) / float32(f.size)
	}
	return img, f.width, f.height, nil
}

func TestLabeledMapper(t *testing.T) {
	in := structures.NewInstances()
	in.Append(structures.Box{X1: 0, Y1: 0, X2: 50, Y2: 25}, 1, -1)
	rec := structures.Record{ID: "a", FileName: "a.png", Width: 100, Height: 50, Instances: in}

	t.Run("rescales annotations", func(t *testing.T) {
		m := LabeledMapper{Images: fakeImages{size: 10, width: 100, height: 50}}
		out, err := m.Map(rec, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		want := structures.Box{X1: 0, Y1: 0, X2: 5, Y2: 5}
		if out.Instances.Boxes[0] != want {
			t.Errorf("Expected %+v, got %+v", want, out.Instances.Boxes[0])
		}
		if rec.Instances.Boxes[0].X2 != 50 {
			t.Error("Map modified the dataset record")
		}
		if out.Width != 100 || out.Height != 50 || out.HasWeakView() {
			t.Errorf("Unexpected record %+v", out)
		}
	})

	t.Run("flip moves image and boxes together", func(t *testing.T) {
		m := LabeledMapper{Images: fakeImages{size: 10, width: 100, height: 50}, HFlipProb: 1}
		out, err := m.Map(rec, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		want := structures.Box{X1: 5, Y1: 0, X2: 10, Y2: 5}
		if out.Instances.Boxes[0] != want {
			t.Errorf("Expected %+v, got %+v", want, out.Instances.Boxes[0])
		}
		if out.Image.Data[0] != 0.9 {
			t.Errorf("Expected mirrored first pixel 0.9, got %v", out.Image.Data[0])
		}
	})
}

func TestUnlabeledMapper(t *testing.T) {
	in := structures.NewInstances()
	in.Append(structures.Box{X2: 1, Y2: 1}, 0, -1)
	rec := structures.Record{ID: "u", FileName: "u.png", Instances: in}

	m := UnlabeledMapper{Images: fakeImages{size: 8, width: 16, height: 16}, HFlipProb: 1, StrongJitter: 0.5}
	out, err := m.Map(rec, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	if out.Instances != nil {
		t.Error("Unlabeled records must not carry annotations")
	}
	if !out.HasWeakView() || out.Image == out.WeakImage {
		t.Fatal("Expected distinct weak and strong views")
	}
	if out.WeakImage.Data[0] != 0.875 {
		t.Errorf("Weak view should be flipped without jitter, got %v", out.WeakImage.Data[0])
	}
	if out.Image.Equal(out.WeakImage) {
		t.Error("Strong view should differ from the weak view")
	}
	if out.Width != 16 || out.Height != 16 {
		t.Errorf("Expected original size from the image source, got %dx%d", out.Width, out.Height)
	}
}
