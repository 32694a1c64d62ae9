package stage

import (
	"fmt"
	"strings"

	"coverforge/internal/services"
)

// Kind identifies a pipeline stage.
type Kind string

const (
	KindSource   Kind = "source"
	KindSeparate Kind = "separate"
	KindConvert  Kind = "convert"
	KindEffects  Kind = "effects"
	KindMix      Kind = "mix"
	KindRender   Kind = "render"
)

var orderedKinds = []Kind{KindSource, KindSeparate, KindConvert, KindEffects, KindMix, KindRender}

// Kinds returns every stage in execution order.
func Kinds() []Kind {
	out := make([]Kind, len(orderedKinds))
	copy(out, orderedKinds)
	return out
}

// ParseKind validates a stage name.
func ParseKind(value string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(value)))
	if !k.Valid() {
		return "", services.Wrap(services.ErrValidation, "stage", "parse kind", fmt.Sprintf("unknown stage %q", value), nil)
	}
	return k, nil
}

func (k Kind) String() string { return string(k) }

// Valid reports whether k is a known stage.
func (k Kind) Valid() bool { return k.Index() >= 0 }

// Index returns the position of k in execution order, or -1.
func (k Kind) Index() int {
	for i, candidate := range orderedKinds {
		if candidate == k {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows k.
func (k Kind) Next() (Kind, bool) {
	idx := k.Index()
	if idx < 0 || idx+1 >= len(orderedKinds) {
		return "", false
	}
	return orderedKinds[idx+1], true
}

// State names the pipeline state reached once k has completed.
func (k Kind) State() string {
	switch k {
	case KindSource:
		return "Source Acquired"
	case KindSeparate:
		return "Separated"
	case KindConvert:
		return "Converted"
	case KindEffects:
		return "Effected"
	case KindMix:
		return "Mixed"
	case KindRender:
		return "Rendered"
	default:
		return "Unknown"
	}
}

// Output names produced by the separation stage and consumed downstream.
const (
	OutputVocals       = "vocals"
	OutputInstrumental = "instrumentals"
	OutputMainVocals   = "main_vocals"
	OutputBackupVocals = "backup_vocals"
)
