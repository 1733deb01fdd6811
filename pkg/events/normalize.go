package events

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// queryFlagSince is the first runner release that flags query commands
// explicitly. Older event logs need the flag inferred from the name.
var queryFlagSince = version.Must(version.NewVersion("12.0.0"))

// builtinQueries are the runner's built-in query commands.
var builtinQueries = map[string]struct{}{
	"get": {}, "find": {}, "contains": {}, "its": {}, "invoke": {},
	"root": {}, "title": {}, "url": {}, "location": {}, "hash": {},
	"window": {}, "document": {}, "focused": {}, "children": {},
	"closest": {}, "eq": {}, "filter": {}, "first": {}, "last": {},
	"next": {}, "nextAll": {}, "nextUntil": {}, "not": {}, "parent": {},
	"parents": {}, "parentsUntil": {}, "prev": {}, "prevAll": {},
	"prevUntil": {}, "siblings": {}, "shadow": {},
}

// Normalizer maps raw runner command objects onto Snapshots.
type Normalizer struct {
	inferQueries bool
}

// NewNormalizer returns a Normalizer for event logs produced by the given
// runner version. An empty version means "current".
func NewNormalizer(runnerVersion string) (*Normalizer, error) {
	if runnerVersion == "" {
		return &Normalizer{}, nil
	}

	v, err := version.NewVersion(runnerVersion)
	if err != nil {
		return nil, fmt.Errorf("parsing runner version %q: %w", runnerVersion, err)
	}

	return &Normalizer{inferQueries: v.LessThan(queryFlagSince)}, nil
}

// Normalize converts a raw command into a Snapshot. The next and
// currentAssertionCommand links are normalized one level deep: successors
// are resolved through the run buffer, not through nested objects.
func (n *Normalizer) Normalize(c *RawCommand) *Snapshot {
	return n.normalize(c, 1)
}

func (n *Normalizer) normalize(c *RawCommand, depth int) *Snapshot {
	if c == nil {
		return nil
	}

	f := c.flatten()

	s := &Snapshot{
		ID:    f.ID,
		Name:  f.Name,
		Args:  f.Args,
		Type:  CommandType(f.Type),
		State: State(f.State),
	}

	switch {
	case f.Query != nil:
		s.Query = *f.Query
	case n != nil && n.inferQueries:
		_, s.Query = builtinQueries[f.Name]
	}

	if depth > 0 {
		s.Next = n.normalize(f.Next, depth-1)
		s.CurrentAssertion = n.normalize(f.CurrentAssertionCommand, depth-1)
	}

	return s
}
