package catalog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/tsawler/go-meanteacher/structures"
)

type cocoFile struct {
	Images []struct {
		ID       int64  `json:"id"`
		FileName string `json:"file_name"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
	} `json:"images"`
	Annotations []struct {
		ImageID    int64     `json:"image_id"`
		BBox       []float64 `json:"bbox"`
		CategoryID int       `json:"category_id"`
		IsCrowd    int       `json:"iscrowd"`
	} `json:"annotations"`
	Categories []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
}

// LoadCOCOJSON reads a COCO instances file. Category ids are mapped to
// contiguous class indices in ascending id order and crowd annotations are
// skipped. Records are returned in the order of the file's image list.
func LoadCOCOJSON(fs afero.Fs, jsonPath, imageRoot string) ([]structures.Record, Metadata, error) {
	data, err := afero.ReadFile(fs, jsonPath)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to read %s: %w", jsonPath, err)
	}

	var coco cocoFile
	if err := json.Unmarshal(data, &coco); err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to parse %s: %w", jsonPath, err)
	}

	sort.Slice(coco.Categories, func(i, j int) bool { return coco.Categories[i].ID < coco.Categories[j].ID })
	classOf := make(map[int]int, len(coco.Categories))
	meta := Metadata{JSONFile: jsonPath, ImageRoot: imageRoot}
	for i, cat := range coco.Categories {
		classOf[cat.ID] = i
		meta.ThingClasses = append(meta.ThingClasses, cat.Name)
	}

	records := make([]structures.Record, len(coco.Images))
	index := make(map[int64]int, len(coco.Images))
	for i, img := range coco.Images {
		if _, dup := index[img.ID]; dup {
			return nil, Metadata{}, fmt.Errorf("%s: duplicate image id %d", jsonPath, img.ID)
		}
		index[img.ID] = i
		records[i] = structures.Record{
			ID:        fmt.Sprintf("%d", img.ID),
			ImageID:   img.ID,
			FileName:  filepath.Join(imageRoot, img.FileName),
			Width:     img.Width,
			Height:    img.Height,
			Instances: structures.NewInstances(),
		}
	}

	for _, ann := range coco.Annotations {
		if ann.IsCrowd != 0 {
			continue
		}
		i, ok := index[ann.ImageID]
		if !ok {
			return nil, Metadata{}, fmt.Errorf("%s: annotation references unknown image %d", jsonPath, ann.ImageID)
		}
		class, ok := classOf[ann.CategoryID]
		if !ok {
			return nil, Metadata{}, fmt.Errorf("%s: annotation references unknown category %d", jsonPath, ann.CategoryID)
		}
		if len(ann.BBox) != 4 {
			return nil, Metadata{}, fmt.Errorf("%s: bbox must have 4 values, got %d", jsonPath, len(ann.BBox))
		}
		box := structures.BoxFromXYWH(ann.BBox[0], ann.BBox[1], ann.BBox[2], ann.BBox[3])
		if box.Empty() {
			continue
		}
		records[i].Instances.Append(box, class, -1)
	}

	return records, meta, nil
}

// RegisterCOCOInstances registers a dataset backed by a COCO instances file
func (c *Catalog) RegisterCOCOInstances(fs afero.Fs, name, jsonPath, imageRoot string) error {
	return c.Register(name, func() ([]structures.Record, Metadata, error) {
		return LoadCOCOJSON(fs, jsonPath, imageRoot)
	})
}
