package topo

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Label is a classifier verdict for a node.
type Label int

const (
	LabelKeep Label = iota
	LabelMerge
	LabelSplit
)

func (l Label) String() string {
	switch l {
	case LabelKeep:
		return "keep"
	case LabelMerge:
		return "merge"
	case LabelSplit:
		return "split"
	default:
		return fmt.Sprintf("label(%d)", int(l))
	}
}

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	return l >= LabelKeep && l <= LabelSplit
}

// ParseLabel accepts a label name.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep":
		return LabelKeep, nil
	case "merge":
		return LabelMerge, nil
	case "split":
		return LabelSplit, nil
	}
	return 0, fmt.Errorf("unknown label %q", s)
}

func (l Label) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts either a name or the classifier's integer class.
func (l *Label) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if !Label(n).Valid() {
			return fmt.Errorf("unknown label class %d", n)
		}
		*l = Label(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("label must be a string or integer: %w", err)
	}
	parsed, err := ParseLabel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Classification is a label with the classifier's confidence.
type Classification struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
}
