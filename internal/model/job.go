package model

import "time"

// Job priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Order is a client's job submission.
type Order struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	ClientID   string         `json:"clientId"`
	RecipeID   string         `json:"recipeId"`
	Priority   string         `json:"priority,omitempty"`
	Parameters map[string]any `json:"parameters"`
}

// JobInfo summarizes a job for listings.
type JobInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	ClientID   string     `json:"clientId"`
	Priority   string     `json:"priority"`
	Submission time.Time  `json:"submission"`
	Recipe     RecipeInfo `json:"recipe"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	DurationMS int64      `json:"duration"`
	State      string     `json:"state"`
	Step       string     `json:"step,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// JobReport is the persisted progress record of a job.
type JobReport struct {
	JobInfo
	Parameters map[string]any         `json:"parameters"`
	Steps      map[string]*TaskReport `json:"steps"`
}

// ClientState buckets one client's jobs by activity.
type ClientState struct {
	Idle    []string `json:"idle"`
	Running []string `json:"running"`
}

// ToolInfo describes a configured tool and its current load.
type ToolInfo struct {
	Name         string `json:"name"`
	Executable   string `json:"executable"`
	Version      string `json:"version,omitempty"`
	MaxInstances int    `json:"maxInstances"`
	TimeoutS     int    `json:"timeoutSeconds"`
	Running      int    `json:"running"`
	Waiting      int    `json:"waiting"`
}

// ManagerState aggregates the job registry.
type ManagerState struct {
	Jobs    int                    `json:"jobs"`
	States  map[string]int         `json:"states"`
	Clients map[string]ClientState `json:"clients"`
	Tasks   []string               `json:"tasks"`
	Tools   []ToolInfo             `json:"tools"`
}
