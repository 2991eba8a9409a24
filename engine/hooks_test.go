package engine

import (
	"context"
	"slices"
	"testing"

	"github.com/spf13/afero"
	"github.com/tsawler/go-meanteacher/comm"
	"github.com/tsawler/go-meanteacher/evaluation"
)

func TestHookList(t *testing.T) {
	desc := func(name string) HookDescriptor {
		return HookDescriptor{Name: name, Kind: KindTimer, Hook: HookBase{}}
	}

	t.Run("Insert before anchor", func(t *testing.T) {
		l := NewHookList(desc("a"), desc("writer"))
		l.InsertBefore("writer", desc("b"), desc("c"))
		if got := l.Names(); !slices.Equal(got, []string{"a", "b", "c", "writer"}) {
			t.Errorf("Unexpected order %v", got)
		}
	})

	t.Run("Missing anchor appends", func(t *testing.T) {
		l := NewHookList(desc("a"))
		l.InsertBefore("writer", desc("b"))
		if got := l.Names(); !slices.Equal(got, []string{"a", "b"}) {
			t.Errorf("Unexpected order %v", got)
		}
	})

	t.Run("Lookup", func(t *testing.T) {
		l := NewHookList(desc("a"), desc("b"))
		if l.Index("b") != 1 || l.Index("x") != -1 {
			t.Error("Index returned the wrong position")
		}
		if _, ok := l.Get("x"); ok {
			t.Error("Get should fail for unknown names")
		}
		if l.Len() != 2 {
			t.Errorf("Expected 2 hooks, got %d", l.Len())
		}
	})
}

func TestEvalHookSchedule(t *testing.T) {
	tests := []struct {
		name     string
		period   int
		stopAt   int
		expected int
	}{
		{"Periodic and final", 2, 4, 2},
		{"Final only", 0, 4, 1},
		{"Aborted run skips final", 2, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTrainer(t, afero.NewMemMapFs(), testConfig(), comm.Single)
			calls := 0
			h := NewEvalHook(tt.period, func(context.Context) (map[string]evaluation.Results, error) {
				calls++
				return nil, nil
			})

			ctx := context.Background()
			for tr.iter = 0; tr.iter < tt.stopAt; tr.iter++ {
				if err := h.AfterStep(ctx, tr.Trainer); err != nil {
					t.Fatalf("AfterStep failed: %v", err)
				}
			}
			if tt.stopAt < tr.MaxIter() {
				tr.iter = tt.stopAt - 1
			}
			if err := h.AfterTrain(ctx, tr.Trainer); err != nil {
				t.Fatalf("AfterTrain failed: %v", err)
			}
			if calls != tt.expected {
				t.Errorf("Expected %d evaluations, got %d", tt.expected, calls)
			}
		})
	}
}

func TestBestCheckpointer(t *testing.T) {
	fs := afero.NewMemMapFs()
	tr := newTestTrainer(t, fs, testConfig(), comm.Single)
	h := NewBestCheckpointer(2, tr.Checkpointer(), "val/bbox/AP50", "val_model_best", (*Trainer).studentCheckpoint)

	savedIter := func() int {
		ck, err := tr.Checkpointer().Load("/out/val_model_best.json")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return ck.TrainingState.Iteration
	}

	t.Run("Missing metric", func(t *testing.T) {
		if err := h.check(tr.Trainer); err != nil {
			t.Fatalf("check failed: %v", err)
		}
		if _, _, ok := h.Best(); ok {
			t.Error("No best value expected without a metric")
		}
	})

	steps := []struct {
		iter     int
		value    float64
		bestIter int
	}{
		{1, 50, 1},
		{3, 50, 1}, // tie keeps the earlier save
		{5, 40, 1},
		{7, 60, 7},
	}
	for _, s := range steps {
		tr.iter = s.iter
		tr.Storage().SetIter(s.iter)
		tr.Storage().PutScalar("val/bbox/AP50", s.value, false)
		if err := h.check(tr.Trainer); err != nil {
			t.Fatalf("check failed: %v", err)
		}
		if got := savedIter(); got != s.bestIter {
			t.Errorf("Iter %d: expected best checkpoint from iter %d, got %d", s.iter, s.bestIter, got)
		}
	}

	if best, iter, _ := h.Best(); best != 60 || iter != 7 {
		t.Errorf("Expected best 60 at 7, got %v at %d", best, iter)
	}
	if _, err := tr.Checkpointer().LastCheckpoint(); err == nil {
		t.Error("Best checkpoints must not update last_checkpoint")
	}
}
