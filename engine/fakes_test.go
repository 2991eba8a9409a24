package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-meanteacher/model"
	"github.com/tsawler/go-meanteacher/structures"
	"github.com/tsawler/go-meanteacher/tensor"
)

type forwardCall struct {
	mode  model.Mode
	batch structures.Batch
}

// fakeModel returns fixed losses whose backward adds the loss weight to the
// gradient of its single parameter "w". Inference echoes the annotations of
// annotated records and returns teacherScores for the others.
type fakeModel struct {
	mu            sync.Mutex
	params        *model.ParamSet
	supervised    map[string]float64
	unsupervised  map[string]float64
	teacherScores []float64

	forwards []forwardCall
	infers   []structures.Batch
}

func newFakeModel(w float32) *fakeModel {
	ps := model.NewParamSet()
	v, _ := tensor.Full([]int{1}, w)
	ps.Add("w", v)
	ps.AddBuffer("running_mean", tensor.MustZeros(1))
	return &fakeModel{
		params:        ps,
		supervised:    map[string]float64{"loss_cls": 2, "loss_box": 1},
		unsupervised:  map[string]float64{"loss_cls": 4, "loss_box": 0},
		teacherScores: []float64{0.95, 0.5, 0.85},
	}
}

func (m *fakeModel) Forward(_ context.Context, batch structures.Batch, mode model.Mode) (model.LossMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwards = append(m.forwards, forwardCall{mode: mode, batch: batch})

	values := m.supervised
	if mode == model.Unsupervised {
		values = m.unsupervised
	}
	p, _ := m.params.Get("w")
	out := make(model.LossMap, len(values))
	for k, v := range values {
		out[k] = model.NewLoss(v, func(weight float64) {
			p.Grad.Data[0] += float32(weight)
		})
	}
	return out, nil
}

func (m *fakeModel) Inference(_ context.Context, batch structures.Batch, _ bool) ([]structures.Predictions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infers = append(m.infers, batch)

	out := make([]structures.Predictions, batch.Len())
	for i, rec := range batch.Records {
		p := structures.Predictions{Source: structures.ROIHeads}
		if rec.Instances.Len() > 0 {
			for j, b := range rec.Instances.Boxes {
				p.Boxes = append(p.Boxes, b)
				p.Scores = append(p.Scores, 0.99)
				p.Classes = append(p.Classes, rec.Instances.Classes[j])
			}
		} else {
			for j, s := range m.teacherScores {
				x := float64(10 * j)
				p.Boxes = append(p.Boxes, structures.Box{X1: x, Y1: x, X2: x + 5, Y2: x + 5})
				p.Scores = append(p.Scores, s)
				p.Classes = append(p.Classes, j%2+1)
			}
		}
		out[i] = p
	}
	return out, nil
}

func (m *fakeModel) Parameters() *model.ParamSet {
	return m.params
}

func (m *fakeModel) weight() float32 {
	p, _ := m.params.Get("w")
	return p.Value.Data[0]
}

func labeledBatch(n int) structures.Batch {
	b := structures.Batch{Stream: structures.Labeled}
	for i := 0; i < n; i++ {
		in := structures.NewInstances()
		in.Append(structures.Box{X1: 1, Y1: 1, X2: 9, Y2: 9}, 0, -1)
		b.Records = append(b.Records, structures.Record{
			ID:        fmt.Sprintf("l%d", i),
			Image:     tensor.MustZeros(3, 4, 4),
			Instances: in,
		})
	}
	return b
}

func unlabeledBatch(n int) structures.Batch {
	b := structures.Batch{Stream: structures.Unlabeled}
	for i := 0; i < n; i++ {
		b.Records = append(b.Records, structures.Record{
			ID:        fmt.Sprintf("u%d", i),
			Image:     tensor.MustZeros(3, 4, 4),
			WeakImage: tensor.MustZeros(3, 4, 4),
		})
	}
	return b
}

// fakeLoader yields [labeled, unlabeled] forever
type fakeLoader struct {
	mu     sync.Mutex
	calls  int
	closed bool
	arity  int
}

func (l *fakeLoader) Next(ctx context.Context) (structures.StepInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.arity == 1 {
		return structures.StepInput{labeledBatch(2)}, nil
	}
	return structures.StepInput{labeledBatch(2), unlabeledBatch(2)}, nil
}

func (l *fakeLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func identityMapper(rec structures.Record, _ *rand.Rand) (structures.Record, error) {
	if rec.Image == nil {
		rec.Image = tensor.MustZeros(3, 4, 4)
	}
	return rec, nil
}
