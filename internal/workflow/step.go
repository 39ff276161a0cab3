package workflow

import (
	"maps"
	"slices"
	"time"
)

// StepStatus is the lifecycle state of one governance step.
// Valid transitions:
//
//	REQUESTED   -> ACTIVATING, INVALID, FAILED
//	ACTIVATING  -> IN_PROGRESS, INVALID, FAILED
//	IN_PROGRESS -> ACTIONED, INVALID, IGNORED, FAILED
//	ACTIONED, INVALID, IGNORED, FAILED -> (terminal)
//
// FAILED is reachable before IN_PROGRESS only when the step is disconnected
// before its service starts.
type StepStatus string

const (
	StatusRequested  StepStatus = "REQUESTED"
	StatusActivating StepStatus = "ACTIVATING"
	StatusInProgress StepStatus = "IN_PROGRESS"
	StatusActioned   StepStatus = "ACTIONED"
	StatusInvalid    StepStatus = "INVALID"
	StatusIgnored    StepStatus = "IGNORED"
	StatusFailed     StepStatus = "FAILED"
)

// stepStatuses lists statuses in the ordinal order of the
// GovernanceActionStatus enum.
var stepStatuses = []StepStatus{
	StatusRequested, StatusActivating, StatusInProgress,
	StatusActioned, StatusInvalid, StatusIgnored, StatusFailed,
}

var validTransitions = map[StepStatus]map[StepStatus]bool{
	StatusRequested: {
		StatusActivating: true,
		StatusInvalid:    true,
		StatusFailed:     true,
	},
	StatusActivating: {
		StatusInProgress: true,
		StatusInvalid:    true,
		StatusFailed:     true,
	},
	StatusInProgress: {
		StatusActioned: true,
		StatusInvalid:  true,
		StatusIgnored:  true,
		StatusFailed:   true,
	},
	StatusActioned: {},
	StatusInvalid:  {},
	StatusIgnored:  {},
	StatusFailed:   {},
}

// String returns the string representation of the StepStatus.
func (s StepStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized StepStatus value.
func (s StepStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true for ACTIONED, INVALID, IGNORED and FAILED.
func (s StepStatus) IsTerminal() bool {
	return s == StatusActioned || s == StatusInvalid || s == StatusIgnored || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to target is legal.
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	return validTransitions[s][target]
}

func (s StepStatus) ordinal() int {
	return slices.Index(stepStatuses, s)
}

// Step is one running or finished governance step: a GovernanceAction.
type Step struct {
	GUID            string
	QualifiedName   string
	ProcessName     string
	ProcessInstance string
	Key             string
	RequestType     string

	RequestParameters map[string]string
	RequestSources    []string
	ActionTargets     []string
	ReceivedGuards    []string

	// PredecessorGUID and SpawnGuard are empty for entry steps. SpawnGuard
	// is the label of the edge that selected this step.
	PredecessorGUID string
	SpawnGuard      string

	Status         StepStatus
	StartTime      time.Time
	CompletionTime time.Time

	OutputGuards         []string
	NewRequestParameters map[string]string
	NewActionTargets     []string
	Error                string
}

// Clone returns a deep copy of s.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := *s
	c.RequestParameters = maps.Clone(s.RequestParameters)
	c.RequestSources = slices.Clone(s.RequestSources)
	c.ActionTargets = slices.Clone(s.ActionTargets)
	c.ReceivedGuards = slices.Clone(s.ReceivedGuards)
	c.OutputGuards = slices.Clone(s.OutputGuards)
	c.NewRequestParameters = maps.Clone(s.NewRequestParameters)
	c.NewActionTargets = slices.Clone(s.NewActionTargets)
	return &c
}
