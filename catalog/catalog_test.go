package catalog

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/tsawler/go-meanteacher/structures"
)

const sampleCOCO = `{
  "images": [
    {"id": 7, "file_name": "a.jpg", "width": 100, "height": 50},
    {"id": 3, "file_name": "b.jpg", "width": 80, "height": 80}
  ],
  "annotations": [
    {"image_id": 7, "bbox": [10, 10, 20, 10], "category_id": 5, "iscrowd": 0},
    {"image_id": 7, "bbox": [0, 0, 5, 5], "category_id": 2, "iscrowd": 0},
    {"image_id": 7, "bbox": [0, 0, 50, 50], "category_id": 2, "iscrowd": 1},
    {"image_id": 3, "bbox": [1, 1, 0, 4], "category_id": 2, "iscrowd": 0}
  ],
  "categories": [
    {"id": 5, "name": "truck"},
    {"id": 2, "name": "car"}
  ]
}`

func newFS(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/ann/train.json", []byte(sampleCOCO), 0644); err != nil {
		t.Fatalf("failed to write annotations: %v", err)
	}
	return fs
}

func TestLoadCOCOJSON(t *testing.T) {
	records, meta, err := LoadCOCOJSON(newFS(t), "/ann/train.json", "/images")
	if err != nil {
		t.Fatalf("LoadCOCOJSON failed: %v", err)
	}

	if len(meta.ThingClasses) != 2 || meta.ThingClasses[0] != "car" || meta.ThingClasses[1] != "truck" {
		t.Errorf("Expected classes [car truck], got %v", meta.ThingClasses)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}

	a := records[0]
	if a.ImageID != 7 || a.FileName != "/images/a.jpg" || a.Width != 100 || a.Height != 50 {
		t.Errorf("Unexpected record %+v", a)
	}
	if a.Instances.Len() != 2 {
		t.Fatalf("Expected 2 non-crowd instances, got %d", a.Instances.Len())
	}
	if a.Instances.Classes[0] != 1 || a.Instances.Classes[1] != 0 {
		t.Errorf("Expected contiguous classes [1 0], got %v", a.Instances.Classes)
	}
	want := structures.Box{X1: 10, Y1: 10, X2: 30, Y2: 20}
	if a.Instances.Boxes[0] != want {
		t.Errorf("Expected box %+v, got %+v", want, a.Instances.Boxes[0])
	}
	if a.Instances.Scores != nil {
		t.Error("Human annotations should carry no scores")
	}

	if records[1].Instances.Len() != 0 {
		t.Error("Degenerate boxes should be dropped")
	}
}

func TestLoadCOCOJSONErrors(t *testing.T) {
	fs := newFS(t)
	if _, _, err := LoadCOCOJSON(fs, "/ann/missing.json", ""); err == nil {
		t.Error("Expected error for missing file")
	}

	afero.WriteFile(fs, "/ann/bad.json", []byte("{"), 0644)
	if _, _, err := LoadCOCOJSON(fs, "/ann/bad.json", ""); err == nil {
		t.Error("Expected error for invalid JSON")
	}

	afero.WriteFile(fs, "/ann/orphan.json", []byte(`{"images": [], "annotations": [{"image_id": 1, "bbox": [0,0,1,1], "category_id": 1}], "categories": [{"id": 1, "name": "x"}]}`), 0644)
	if _, _, err := LoadCOCOJSON(fs, "/ann/orphan.json", ""); err == nil {
		t.Error("Expected error for annotation on unknown image")
	}
}

func TestCatalog(t *testing.T) {
	c := New()
	fs := newFS(t)

	if err := c.RegisterCOCOInstances(fs, "train", "/ann/train.json", "/images"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := c.RegisterCOCOInstances(fs, "train", "/ann/train.json", "/images"); err == nil {
		t.Error("Expected error for duplicate name")
	}

	calls := 0
	c.Register("counted", func() ([]structures.Record, Metadata, error) {
		calls++
		return []structures.Record{{ID: "x"}}, Metadata{}, nil
	})
	c.Get("counted")
	c.Get("counted")
	if calls != 1 {
		t.Errorf("Expected loader to run once, ran %d times", calls)
	}

	meta, err := c.Metadata("train")
	if err != nil || meta.Name != "train" {
		t.Errorf("Unexpected metadata %+v (%v)", meta, err)
	}

	if _, err := c.Get("nope"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}

	all, err := c.Concat([]string{"train", "counted"})
	if err != nil || len(all) != 3 {
		t.Errorf("Expected 3 concatenated records, got %d (%v)", len(all), err)
	}

	if names := c.List(); len(names) != 2 || names[0] != "counted" {
		t.Errorf("Unexpected names %v", names)
	}

	records, _ := c.Get("train")
	if filtered := FilterEmpty(records); len(filtered) != 1 || filtered[0].ImageID != 7 {
		t.Errorf("FilterEmpty kept %d records", len(filtered))
	}
}
