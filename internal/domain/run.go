package domain

import (
	"errors"
	"time"
)

// RunStatus is the lifecycle state of an uploaded project.
type RunStatus string

// Run statuses in forward order.
const (
	RunQueued     RunStatus = "queued"
	RunExtracting RunStatus = "extracting"
	RunBuilding   RunStatus = "building"
	RunReady      RunStatus = "ready"
	RunFailed     RunStatus = "failed"
)

// Rank orders statuses by pipeline step; ready and failed share the last step.
func (s RunStatus) Rank() int {
	switch s {
	case RunQueued:
		return 0
	case RunExtracting:
		return 1
	case RunBuilding:
		return 2
	case RunReady, RunFailed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunReady || s == RunFailed
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s.Rank() >= 0
}

// CanTransition reports whether a run may move from s to next.
// Staying in place is allowed so partial updates can omit the status.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

// Run is one upload-to-preview lifecycle.
type Run struct {
	ID        string     `json:"id"`
	Status    RunStatus  `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ReadyAt   *time.Time `json:"readyAt,omitempty"`
	FailedAt  *time.Time `json:"failedAt,omitempty"`

	ArchivePath  string `json:"-"`
	ProjectDir   string `json:"-"`
	OriginalName string `json:"-"`
	SizeBytes    int64  `json:"-"`

	ProjectType  ProjectType  `json:"projectType,omitempty"`
	ProjectInfo  *ProjectInfo `json:"projectInfo,omitempty"`
	BuildCommand *string      `json:"buildCommand,omitempty"`
	StartCommand *string      `json:"startCommand,omitempty"`

	WorkerID   string `json:"workerId,omitempty"`
	WorkerPort int    `json:"workerPort,omitempty"`

	PreviewURL string `json:"previewUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

var (
	errPreviewWithoutReady = errors.New("preview url is only allowed on ready runs")
	errReadyWithoutPreview = errors.New("ready runs require a preview url")
	errErrorWithoutFailed  = errors.New("error is only allowed on failed runs")
	errFailedWithoutError  = errors.New("failed runs require an error message")
	errWorkerTooEarly      = errors.New("worker cannot be assigned before building")
)

// Validate checks the field/status invariants of a run snapshot.
func (r Run) Validate() error {
	if (r.PreviewURL != "") != (r.Status == RunReady) {
		if r.PreviewURL != "" {
			return errPreviewWithoutReady
		}
		return errReadyWithoutPreview
	}
	if (r.Error != "") != (r.Status == RunFailed) {
		if r.Error != "" {
			return errErrorWithoutFailed
		}
		return errFailedWithoutError
	}
	if r.WorkerID != "" && r.Status.Rank() < RunBuilding.Rank() {
		return errWorkerTooEarly
	}
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r Run) Clone() Run {
	out := r
	if r.ReadyAt != nil {
		t := *r.ReadyAt
		out.ReadyAt = &t
	}
	if r.FailedAt != nil {
		t := *r.FailedAt
		out.FailedAt = &t
	}
	if r.ProjectInfo != nil {
		info := r.ProjectInfo.Clone()
		out.ProjectInfo = &info
	}
	out.BuildCommand = cloneString(r.BuildCommand)
	out.StartCommand = cloneString(r.StartCommand)
	return out
}

// RunUpdate captures mutable fields for a run. Nil fields are left untouched.
type RunUpdate struct {
	Status       *RunStatus
	ReadyAt      *time.Time
	FailedAt     *time.Time
	ProjectDir   *string
	ProjectType  *ProjectType
	ProjectInfo  *ProjectInfo
	BuildCommand *string
	StartCommand *string
	WorkerID     *string
	WorkerPort   *int
	PreviewURL   *string
	Error        *string
}

// Apply merges the update into r and returns the result.
func (u RunUpdate) Apply(r Run) Run {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.ReadyAt != nil {
		t := *u.ReadyAt
		r.ReadyAt = &t
	}
	if u.FailedAt != nil {
		t := *u.FailedAt
		r.FailedAt = &t
	}
	if u.ProjectDir != nil {
		r.ProjectDir = *u.ProjectDir
	}
	if u.ProjectType != nil {
		r.ProjectType = *u.ProjectType
	}
	if u.ProjectInfo != nil {
		info := u.ProjectInfo.Clone()
		r.ProjectInfo = &info
	}
	if u.BuildCommand != nil {
		r.BuildCommand = cloneString(u.BuildCommand)
	}
	if u.StartCommand != nil {
		r.StartCommand = cloneString(u.StartCommand)
	}
	if u.WorkerID != nil {
		r.WorkerID = *u.WorkerID
	}
	if u.WorkerPort != nil {
		r.WorkerPort = *u.WorkerPort
	}
	if u.PreviewURL != nil {
		r.PreviewURL = *u.PreviewURL
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	return r
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
