package pool

import (
	"fmt"
	"strings"
)

// Category is a closed set of work classes, each with its own worker pool.
//
// Keeping this a typed enum (rather than free-form strings) lets the
// manager preallocate one pool per category and makes switches exhaustive.
type Category int

const (
	CategoryFetch Category = iota
	CategoryExtract
	CategoryScore
	CategoryTranscribe
	CategoryFingerprint

	numCategories
)

func (c Category) String() string {
	switch c {
	case CategoryFetch:
		return "fetch"
	case CategoryExtract:
		return "extract"
	case CategoryScore:
		return "score"
	case CategoryTranscribe:
		return "transcribe"
	case CategoryFingerprint:
		return "fingerprint"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool { return c >= 0 && c < numCategories }

// Categories returns all known categories in declaration order.
func Categories() []Category {
	out := make([]Category, 0, numCategories)
	for c := Category(0); c < numCategories; c++ {
		out = append(out, c)
	}
	return out
}

// ParseCategory maps a config/CLI string to a Category.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fetch":
		return CategoryFetch, nil
	case "extract":
		return CategoryExtract, nil
	case "score":
		return CategoryScore, nil
	case "transcribe", "transcription":
		return CategoryTranscribe, nil
	case "fingerprint", "fingerprinting":
		return CategoryFingerprint, nil
	default:
		return 0, fmt.Errorf("unknown category %q", s)
	}
}

// ContextTier classifies the inference context length a pool operates with.
// It keys the per-context cache cost table in the resource limits.
type ContextTier int

const (
	ContextShort ContextTier = iota
	ContextMedium
	ContextLong
)

func (t ContextTier) String() string {
	switch t {
	case ContextShort:
		return "short"
	case ContextMedium:
		return "medium"
	case ContextLong:
		return "long"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}
