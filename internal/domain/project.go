package domain

// ProjectType is the classifier verdict for an extracted project.
type ProjectType string

// Known project types.
const (
	ProjectStatic  ProjectType = "static"
	ProjectNode    ProjectType = "node"
	ProjectReact   ProjectType = "react"
	ProjectVue     ProjectType = "vue"
	ProjectAngular ProjectType = "angular"
	ProjectPython  ProjectType = "python"
	ProjectDocker  ProjectType = "docker"
	ProjectUnknown ProjectType = "unknown"
)

// ProjectInfo describes what the classifier found in a project tree.
type ProjectInfo struct {
	Type           ProjectType `json:"type"`
	Framework      string      `json:"framework"`
	Files          []string    `json:"files"`
	BuildCommand   *string     `json:"buildCommand"`
	StartCommand   *string     `json:"startCommand"`
	Dependencies   []string    `json:"dependencies,omitempty"`
	EntryPoint     string      `json:"entryPoint,omitempty"`
	PackageManager string      `json:"packageManager,omitempty"`
	Root           string      `json:"root,omitempty"`
}

// Clone returns a deep copy.
func (p ProjectInfo) Clone() ProjectInfo {
	out := p
	if p.Files != nil {
		out.Files = append([]string(nil), p.Files...)
	}
	if p.Dependencies != nil {
		out.Dependencies = append([]string(nil), p.Dependencies...)
	}
	out.BuildCommand = cloneString(p.BuildCommand)
	out.StartCommand = cloneString(p.StartCommand)
	return out
}

// Hydrated reports whether previews of this type need inline script and
// style allowances for client-side frameworks.
func (t ProjectType) Hydrated() bool {
	switch t {
	case ProjectReact, ProjectVue, ProjectAngular:
		return true
	default:
		return false
	}
}
