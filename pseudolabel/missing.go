package pseudolabel

import (
	"fmt"
	"strings"
)

// MissingTeacherPolicy decides what a step does with an unlabeled batch
// when no teacher is available to label it.
type MissingTeacherPolicy string

const (
	// SkipUnlabeled drops the unlabeled batch from the step
	SkipUnlabeled MissingTeacherPolicy = "skip"
	// ForwardUnlabeled runs the student on the unlabeled batch without
	// pseudo-labels and merges the resulting losses
	ForwardUnlabeled MissingTeacherPolicy = "forward"
)

// ParseMissingTeacherPolicy validates a configured policy name
func ParseMissingTeacherPolicy(s string) (MissingTeacherPolicy, error) {
	switch p := MissingTeacherPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case SkipUnlabeled, ForwardUnlabeled:
		return p, nil
	default:
		return "", fmt.Errorf("unknown missing-teacher policy %q (want %q or %q)", s, SkipUnlabeled, ForwardUnlabeled)
	}
}

// UnmarshalText lets config decoding parse policies
func (p *MissingTeacherPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseMissingTeacherPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (p MissingTeacherPolicy) MarshalText() ([]byte, error) {
	return []byte(p), nil
}
