package domain

import "time"

// WorkerStatus tracks an execution environment through its lifecycle.
type WorkerStatus string

// Worker statuses.
const (
	WorkerCreated  WorkerStatus = "created"
	WorkerStarting WorkerStatus = "starting"
	WorkerRunning  WorkerStatus = "running"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
	WorkerFailed   WorkerStatus = "failed"
)

var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerCreated:  {WorkerStarting, WorkerFailed, WorkerStopping},
	WorkerStarting: {WorkerRunning, WorkerFailed, WorkerStopping},
	WorkerRunning:  {WorkerStopping, WorkerFailed},
	WorkerFailed:   {WorkerStopping},
	WorkerStopping: {WorkerStopped},
	WorkerStopped:  {},
}

// CanTransition reports whether the worker state machine allows s -> next.
func (s WorkerStatus) CanTransition(next WorkerStatus) bool {
	for _, allowed := range workerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether a worker in this state still holds resources.
func (s WorkerStatus) Live() bool {
	return s == WorkerCreated || s == WorkerStarting || s == WorkerRunning
}

// Worker is one provisioned execution environment backing a run.
type Worker struct {
	ID             string       `json:"id"`
	RunID          string       `json:"runId"`
	Port           int          `json:"port"`
	Status         WorkerStatus `json:"status"`
	StartTime      time.Time    `json:"startTime"`
	Error          string       `json:"error,omitempty"`
	LastHealthAt   *time.Time   `json:"lastHealthAt,omitempty"`
	HealthFailures int          `json:"healthFailures,omitempty"`
}
