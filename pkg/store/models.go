package store

import "time"

// Suite is one audited spec run.
type Suite struct {
	ID         uint       `gorm:"primaryKey" json:"-"`
	SuiteID    string     `gorm:"not null;uniqueIndex" json:"suite_id"`
	Spec       string     `gorm:"index" json:"spec"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Denormalized verdict counts.
	TestsTotal  int `json:"tests_total"`
	TestsPassed int `json:"tests_passed"`
	TestsFailed int `json:"tests_failed"`
	TestsFlaky  int `json:"tests_flaky"`
	Excluded    int `json:"excluded"`

	Hostname string `json:"hostname,omitempty"`

	IndexedAt time.Time `json:"indexed_at"`
}

// Attempt is one run of one test.
type Attempt struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SuiteID    string    `gorm:"not null;uniqueIndex:idx_attempts_suite_test_retry" json:"suite_id"`
	TestID     string    `gorm:"not null;uniqueIndex:idx_attempts_suite_test_retry;index" json:"test_id"`
	RetryIndex int       `gorm:"not null;uniqueIndex:idx_attempts_suite_test_retry" json:"retry_index"`
	TestTitle  string    `gorm:"index" json:"test_title"`
	File       string    `json:"file,omitempty"`
	State      string    `json:"state"`
	RunStart   time.Time `json:"run_start"`
	DurationNs int64     `json:"duration_ns"`
	Slow       bool      `json:"slow"`

	Commands     int `json:"commands"`
	Failed       int `json:"failed"`
	NeverRun     int `json:"never_run"`
	SlowCommands int `json:"slow_commands"`
}

// Node is one reconstructed command of an attempt.
type Node struct {
	ID                  uint       `gorm:"primaryKey" json:"-"`
	AttemptID           uint       `gorm:"not null;index" json:"attempt_id"`
	CommandID           string     `gorm:"not null" json:"command_id"`
	Name                string     `json:"name"`
	Kind                string     `json:"kind"`
	Type                string     `json:"type,omitempty"`
	RunnableType        string     `json:"runnable_type"`
	State               string     `json:"state"`
	ArgsJSON            string     `gorm:"type:text" json:"args,omitempty"`
	EnqueuedAt          time.Time  `json:"enqueued_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	DurationNs          *int64     `json:"duration_ns,omitempty"`
	PreciseDurationNs   *int64     `json:"precise_duration_ns,omitempty"`
	InternalRetries     int        `json:"internal_retries"`
	QueueInsertionOrder int        `json:"queue_insertion_order"`
	ExecutionOrder      *int       `json:"execution_order,omitempty"`
	NestingLevel        int        `json:"nesting_level"`
	PrevCommandID       string     `json:"prev_command_id,omitempty"`
	NextCommandID       string     `json:"next_command_id,omitempty"`
	PrevQueuedCommandID string     `json:"prev_queued_command_id,omitempty"`
	Position            int        `json:"position"`
}

// TableName keeps the table name explicit; "nodes" is too generic.
func (Node) TableName() string {
	return "command_nodes"
}

// FlakyTest aggregates the flaky history of one test across suites.
type FlakyTest struct {
	TestID      string    `json:"test_id"`
	TestTitle   string    `json:"test_title"`
	File        string    `json:"file,omitempty"`
	Suites      int       `json:"suites"`
	FlakySuites int       `json:"flaky_suites"`
	LastFlakyAt time.Time `json:"last_flaky_at"`
}
