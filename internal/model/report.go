package model

import "time"

// TaskReport is a snapshot of a task's progress. Recipe tasks fill Step and
// Steps; tool tasks fill Instances.
type TaskReport struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Start       *time.Time             `json:"start,omitempty"`
	End         *time.Time             `json:"end,omitempty"`
	DurationMS  int64                  `json:"duration"`
	State       string                 `json:"state"`
	Error       string                 `json:"error,omitempty"`
	Step        string                 `json:"step,omitempty"`
	Steps       map[string]*TaskReport `json:"steps,omitempty"`
	Instances   []InstanceReport       `json:"instances,omitempty"`
	Result      any                    `json:"result,omitempty"`
	Log         []Event                `json:"log,omitempty"`
}

// InstanceReport is a snapshot of one supervised tool process execution.
type InstanceReport struct {
	ID         string     `json:"id"`
	Tool       string     `json:"tool"`
	Command    string     `json:"command,omitempty"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	DurationMS int64      `json:"duration"`
	State      string     `json:"state"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	Error      string     `json:"error,omitempty"`
	Result     any        `json:"result,omitempty"`
	Log        []string   `json:"log,omitempty"`
}
