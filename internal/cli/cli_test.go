package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// executeCommand runs a command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

const toyConfig = `
OUTPUT_DIR: /out
DATASETS:
  TRAIN: [toy_train]
  UNLABELED: [toy_unlabeled]
  TEST: [toy_val]
  REGISTER:
    - {NAME: toy_train, JSON: /data/toy.json, IMAGE_ROOT: /data/img}
    - {NAME: toy_unlabeled, JSON: /data/toy.json, IMAGE_ROOT: /data/img}
    - {NAME: toy_val, JSON: /data/toy.json, IMAGE_ROOT: /data/img}
DATALOADER:
  NUM_WORKERS: 1
SOLVER:
  IMS_PER_BATCH: 4
  MAX_ITER: 3
  CHECKPOINT_PERIOD: 2
  WARMUP_ITERS: 0
LOG:
  PERIOD: 1
`

// writeToyDataset writes four 32x32 PNG images, each with one white square,
// and a COCO instances file describing them
func writeToyDataset(t *testing.T, fs afero.Fs) {
	t.Helper()

	type ann struct {
		ID         int       `json:"id"`
		ImageID    int       `json:"image_id"`
		BBox       []float64 `json:"bbox"`
		CategoryID int       `json:"category_id"`
	}
	type img struct {
		ID       int    `json:"id"`
		FileName string `json:"file_name"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	}
	var coco struct {
		Images      []img            `json:"images"`
		Annotations []ann            `json:"annotations"`
		Categories  []map[string]any `json:"categories"`
	}
	coco.Categories = []map[string]any{{"id": 1, "name": "square"}}

	for i := 0; i < 4; i++ {
		m := image.NewRGBA(image.Rect(0, 0, 32, 32))
		x := 4 + 4*i
		for y := 8; y < 20; y++ {
			for xx := x; xx < x+12; xx++ {
				m.Set(xx, y, color.White)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, m); err != nil {
			t.Fatalf("png encode: %v", err)
		}
		name := fmt.Sprintf("%d.png", i)
		if err := afero.WriteFile(fs, "/data/img/"+name, buf.Bytes(), 0o644); err != nil {
			t.Fatalf("write image: %v", err)
		}
		coco.Images = append(coco.Images, img{ID: i + 1, FileName: name, Width: 32, Height: 32})
		coco.Annotations = append(coco.Annotations, ann{ID: i + 1, ImageID: i + 1, BBox: []float64{float64(x), 8, 12, 12}, CategoryID: 1})
	}

	data, _ := json.Marshal(coco)
	if err := afero.WriteFile(fs, "/data/toy.json", data, 0o644); err != nil {
		t.Fatalf("write annotations: %v", err)
	}
	if err := afero.WriteFile(fs, "/cfg.yaml", []byte(toyConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestRootCommand(t *testing.T) {
	root := NewRootCommand(afero.NewMemMapFs())
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, expected := range []string{"train", "eval", "config"} {
		if !names[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestConfigCommand(t *testing.T) {
	t.Run("Prints resolved config", func(t *testing.T) {
		out, err := executeCommand(NewRootCommand(afero.NewMemMapFs()), "config", "SOLVER.BASE_LR", "0.02")
		if err != nil {
			t.Fatalf("config failed: %v", err)
		}
		if !strings.Contains(out, "BASE_LR: 0.02") {
			t.Errorf("expected override in output, got:\n%s", out)
		}
	})

	t.Run("Lists keys", func(t *testing.T) {
		out, err := executeCommand(NewRootCommand(afero.NewMemMapFs()), "config", "--keys")
		if err != nil {
			t.Fatalf("config --keys failed: %v", err)
		}
		for _, key := range []string{"EMA.ALPHA", "DOMAIN_ADAPT.TEACHER.THRESHOLD", "SOLVER.MAX_ITER"} {
			if !strings.Contains(out, key) {
				t.Errorf("expected key %s in output", key)
			}
		}
	})

	t.Run("Rejects odd overrides", func(t *testing.T) {
		if _, err := executeCommand(NewRootCommand(afero.NewMemMapFs()), "config", "EMA.ALPHA"); err == nil {
			t.Error("expected error for a key without value")
		}
	})

	t.Run("Rejects invalid values", func(t *testing.T) {
		if _, err := executeCommand(NewRootCommand(afero.NewMemMapFs()), "config", "EMA.ALPHA", "1.5"); err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestTrainAndEval(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeToyDataset(t, fs)

	if _, err := executeCommand(NewRootCommand(fs), "train", "-c", "/cfg.yaml", "--log-stderr"); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	for _, name := range []string{"config.yaml", "metrics.json", "model_0000001.json", "model_final.json", "model_teacher_final.json", "toy_val_model_best.json"} {
		if ok, _ := afero.Exists(fs, "/out/"+name); !ok {
			t.Errorf("expected /out/%s", name)
		}
	}

	t.Run("Resume completed run", func(t *testing.T) {
		if _, err := executeCommand(NewRootCommand(fs), "train", "-c", "/cfg.yaml", "--log-stderr", "--resume", "SOLVER.MAX_ITER", "4"); err != nil {
			t.Fatalf("resumed train failed: %v", err)
		}
	})

	for _, args := range [][]string{
		{"eval", "-c", "/cfg.yaml", "--log-stderr"},
		{"eval", "-c", "/cfg.yaml", "--log-stderr", "--teacher"},
		{"eval", "-c", "/cfg.yaml", "--log-stderr", "--teacher", "-w", "/out/model_teacher_final.json"},
	} {
		t.Run(strings.Join(args[3:], " "), func(t *testing.T) {
			out, err := executeCommand(NewRootCommand(fs), args...)
			if err != nil {
				t.Fatalf("eval failed: %v", err)
			}
			if !strings.Contains(out, "toy_val: bbox/AP50=") {
				t.Errorf("unexpected eval output: %q", out)
			}
		})
	}

	t.Run("Missing weights", func(t *testing.T) {
		if _, err := executeCommand(NewRootCommand(fs), "eval", "-c", "/cfg.yaml", "--log-stderr", "-w", "/out/missing.json"); err == nil {
			t.Error("expected error for a missing checkpoint")
		}
	})
}
