package events

import (
	"encoding/json"
	"strings"
)

// RunnableType is the kind of runnable a command was declared in.
type RunnableType string

const (
	RunnableTest       RunnableType = "test"
	RunnableBeforeEach RunnableType = "before each"
	RunnableAfterEach  RunnableType = "after each"
	RunnableBefore     RunnableType = "before"
	RunnableAfter      RunnableType = "after"
)

// Runnable is the runner's currently active runnable (test body or hook).
type Runnable struct {
	Type     string `json:"type"`
	HookName string `json:"hookName,omitempty"`
}

// RunnableType maps the runnable onto the runnable types used in reports.
// A nil or unknown runnable is treated as the test body.
func (r *Runnable) RunnableType() RunnableType {
	if r == nil || r.Type != "hook" {
		return RunnableTest
	}

	name := strings.ToLower(strings.Trim(r.HookName, "\" "))

	switch {
	case strings.HasPrefix(name, "before each"):
		return RunnableBeforeEach
	case strings.HasPrefix(name, "after each"):
		return RunnableAfterEach
	case strings.HasPrefix(name, "before"):
		return RunnableBefore
	case strings.HasPrefix(name, "after"):
		return RunnableAfter
	default:
		return RunnableTest
	}
}

// Test is the runner's test object for one attempt.
type Test struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	CurrentRetry int     `json:"currentRetry"`
	Retries      int     `json:"retries"`
	Duration     float64 `json:"duration,omitempty"`
	State        State   `json:"state,omitempty"`
	File         string  `json:"file,omitempty"`
}

type invocationDetails struct {
	RelativeFile string `json:"relativeFile"`
}

// UnmarshalJSON accepts both the public and the underscored runner field
// names, and digs the spec file out of the invocation details. Retries of a
// test only carry invocation details on their parent.
func (t *Test) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                string             `json:"id"`
		Title             string             `json:"title"`
		CurrentRetry      *int               `json:"currentRetry"`
		UCurrentRetry     *int               `json:"_currentRetry"`
		Retries           *int               `json:"retries"`
		URetries          *int               `json:"_retries"`
		Duration          float64            `json:"duration"`
		State             State              `json:"state"`
		File              string             `json:"file"`
		InvocationDetails *invocationDetails `json:"invocationDetails"`
		Parent            *struct {
			InvocationDetails *invocationDetails `json:"invocationDetails"`
		} `json:"parent"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Test{
		ID:       raw.ID,
		Title:    raw.Title,
		Duration: raw.Duration,
		State:    raw.State,
		File:     raw.File,
	}

	t.CurrentRetry = firstInt(raw.CurrentRetry, raw.UCurrentRetry)
	t.Retries = firstInt(raw.Retries, raw.URetries)

	if t.File == "" {
		switch {
		case raw.InvocationDetails != nil:
			t.File = raw.InvocationDetails.RelativeFile
		case raw.Parent != nil && raw.Parent.InvocationDetails != nil:
			t.File = raw.Parent.InvocationDetails.RelativeFile
		}
	}

	return nil
}

func firstInt(values ...*int) int {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}

	return 0
}
