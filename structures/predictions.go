package structures

import (
	"fmt"
	"strings"
)

// LabelType names the detection-head output representation a set of
// predictions came from.
type LabelType int

const (
	// ROIHeads predictions carry per-box class labels.
	ROIHeads LabelType = iota
	// RPN predictions are class-agnostic objectness proposals.
	RPN
)

func (lt LabelType) String() string {
	switch lt {
	case ROIHeads:
		return "roih"
	case RPN:
		return "rpn"
	default:
		return fmt.Sprintf("LabelType(%d)", int(lt))
	}
}

// ParseLabelType parses "roih" or "rpn"
func ParseLabelType(s string) (LabelType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "roih", "roi_heads":
		return ROIHeads, nil
	case "rpn", "proposals":
		return RPN, nil
	default:
		return 0, fmt.Errorf("unknown label type %q", s)
	}
}

// UnmarshalText lets config decoding parse label types
func (lt *LabelType) UnmarshalText(text []byte) error {
	parsed, err := ParseLabelType(string(text))
	if err != nil {
		return err
	}
	*lt = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (lt LabelType) MarshalText() ([]byte, error) {
	return []byte(lt.String()), nil
}

// Predictions is the raw output of a model for one image.
type Predictions struct {
	Boxes   []Box
	Scores  []float64
	Classes []int
	Source  LabelType
	// ImageWidth and ImageHeight give the coordinate space of Boxes.
	ImageWidth  int
	ImageHeight int
}

// Len returns the number of predicted boxes
func (p Predictions) Len() int {
	return len(p.Boxes)
}
