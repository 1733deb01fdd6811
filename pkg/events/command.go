package events

import (
	"slices"
)

// State is the lifecycle state of a command as reported by the runner.
type State string

const (
	StateQueued  State = "queued"
	StatePending State = "pending"
	StatePassed  State = "passed"
	StateFailed  State = "failed"
)

// CommandType is the chaining type the runner assigns to a command.
type CommandType string

const (
	CommandTypeParent    CommandType = "parent"
	CommandTypeChild     CommandType = "child"
	CommandTypeDual      CommandType = "dual"
	CommandTypeAssertion CommandType = "assertion"
)

// Kind is the classification used in reports. Queries are split out of
// their chaining type because only queries carry chained assertions.
type Kind string

const (
	KindQuery     Kind = "query"
	KindAssertion Kind = "assertion"
	KindChild     Kind = "child"
	KindParent    Kind = "parent"
	KindDual      Kind = "dual"
)

// commandFields are the attributes of a runner command object. Depending on
// the event they are found either on the object itself or nested under
// "attributes".
type commandFields struct {
	ID                      string      `json:"id,omitempty"`
	Name                    string      `json:"name,omitempty"`
	Args                    []any       `json:"args,omitempty"`
	Type                    string      `json:"type,omitempty"`
	Query                   *bool       `json:"query,omitempty"`
	State                   string      `json:"state,omitempty"`
	Next                    *RawCommand `json:"next,omitempty"`
	CurrentAssertionCommand *RawCommand `json:"currentAssertionCommand,omitempty"`
}

// RawCommand is the runner's live command object as serialized by the
// runner-side shim. Use Normalizer.Normalize to turn it into a Snapshot.
type RawCommand struct {
	commandFields

	Attributes *commandFields `json:"attributes,omitempty"`
}

// Snapshot is the canonical internal view of a runner command.
type Snapshot struct {
	ID    string
	Name  string
	Args  []any
	Type  CommandType
	Query bool
	State State

	// Next is the command the runner executes after this one. It is only
	// populated once the command has been linked into the run chain.
	Next *Snapshot

	// CurrentAssertion is the assertion chained onto a query that the
	// runner evaluates while retrying the query.
	CurrentAssertion *Snapshot
}

// IsAssertion reports whether the command is an assertion. Assertions never
// get their own start/end events.
func (s *Snapshot) IsAssertion() bool {
	return s.Type == CommandTypeAssertion
}

// Kind returns the report classification of the command.
func (s *Snapshot) Kind() Kind {
	switch {
	case s.Query:
		return KindQuery
	case s.Type == CommandTypeAssertion:
		return KindAssertion
	case s.Type == CommandTypeChild:
		return KindChild
	case s.Type == CommandTypeDual:
		return KindDual
	default:
		return KindParent
	}
}

// Merge returns s updated with every field that is set in o. It is used to
// fold later (post-execution) views of a command over earlier ones.
func (s Snapshot) Merge(o *Snapshot) Snapshot {
	if o == nil {
		return s
	}

	if o.ID != "" {
		s.ID = o.ID
	}

	if o.Name != "" {
		s.Name = o.Name
	}

	if o.Args != nil {
		s.Args = slices.Clone(o.Args)
	}

	if o.Type != "" {
		s.Type = o.Type
	}

	if o.Query {
		s.Query = true
	}

	if o.State != "" {
		s.State = o.State
	}

	if o.Next != nil {
		s.Next = o.Next
	}

	if o.CurrentAssertion != nil {
		s.CurrentAssertion = o.CurrentAssertion
	}

	return s
}

// flatten resolves the attribute/flat ambiguity of a raw command: nested
// attributes win over flat fields, flat fields fill the gaps.
func (c *RawCommand) flatten() commandFields {
	f := c.commandFields
	if c.Attributes == nil {
		return f
	}

	a := *c.Attributes

	if a.ID != "" {
		f.ID = a.ID
	}

	if a.Name != "" {
		f.Name = a.Name
	}

	if a.Args != nil {
		f.Args = a.Args
	}

	if a.Type != "" {
		f.Type = a.Type
	}

	if a.Query != nil {
		f.Query = a.Query
	}

	if a.State != "" && f.State == "" {
		f.State = a.State
	}

	if a.Next != nil {
		f.Next = a.Next
	}

	if a.CurrentAssertionCommand != nil {
		f.CurrentAssertionCommand = a.CurrentAssertionCommand
	}

	return f
}

// ID returns the command id wherever the runner put it.
func (c *RawCommand) ID() string {
	if c == nil {
		return ""
	}

	return c.flatten().ID
}
