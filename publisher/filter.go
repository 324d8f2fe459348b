package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters change events by collection name patterns
type GlobFilter struct {
	collectionGlobs []glob.Glob
}

// NewGlobFilter compiles the patterns. No patterns match everything.
func NewGlobFilter(collectionPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		collectionGlobs: make([]glob.Glob, 0, len(collectionPatterns)),
	}

	for _, pattern := range collectionPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid collection pattern %q: %w", pattern, err)
		}
		filter.collectionGlobs = append(filter.collectionGlobs, g)
	}

	return filter, nil
}

// Match returns true if the collection matches any pattern
func (f *GlobFilter) Match(collection string) bool {
	if len(f.collectionGlobs) == 0 {
		return true
	}
	for _, g := range f.collectionGlobs {
		if g.Match(collection) {
			return true
		}
	}
	return false
}
