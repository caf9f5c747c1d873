package classify

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type nodePackageManager string

const (
	nodePMNPM  nodePackageManager = "npm"
	nodePMYarn nodePackageManager = "yarn"
	nodePMPNPM nodePackageManager = "pnpm"
)

func (pm nodePackageManager) String() string {
	if pm == "" {
		return string(nodePMNPM)
	}
	return string(pm)
}

// runScript renders "<pm> run <script>", using the short form npm and yarn
// accept for start.
func (pm nodePackageManager) runScript(script string) string {
	if script == "start" {
		return pm.String() + " start"
	}
	return pm.String() + " run " + script
}

type npmManifest struct {
	Name            string            `json:"name"`
	Main            string            `json:"main"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, target) {
			return true
		}
	}
	return false
}

func (m *npmManifest) hasScript(name string) bool {
	if m == nil {
		return false
	}
	return strings.TrimSpace(m.Scripts[name]) != ""
}

func (m *npmManifest) dependencyNames() []string {
	if m == nil || len(m.Dependencies) == 0 {
		return nil
	}
	names := make([]string, 0, len(m.Dependencies))
	for dep := range m.Dependencies {
		names = append(names, dep)
	}
	sort.Strings(names)
	return names
}

// loadPackageManifest reads package.json. A file that exists but does not
// parse yields an empty manifest and degraded=true.
func loadPackageManifest(dir string) (manifest *npmManifest, degraded bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	manifest = &npmManifest{}
	if err != nil {
		degraded = true
	} else if err := json.Unmarshal(data, manifest); err != nil {
		manifest = &npmManifest{}
		degraded = true
	}
	if manifest.Dependencies == nil {
		manifest.Dependencies = map[string]string{}
	}
	if manifest.DevDependencies == nil {
		manifest.DevDependencies = map[string]string{}
	}
	if manifest.Scripts == nil {
		manifest.Scripts = map[string]string{}
	}
	return manifest, degraded
}

func detectNodePackageManager(dir string, manifest *npmManifest) nodePackageManager {
	if manifest != nil {
		if parsed := parseNodePackageManager(manifest.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return nodePMYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return nodePMPNPM
	default:
		return nodePMNPM
	}
}

func parseNodePackageManager(value string) nodePackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return ""
	}
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return nodePMYarn
	case "pnpm":
		return nodePMPNPM
	case "npm":
		return nodePMNPM
	default:
		return ""
	}
}

// readRequirements returns the package names listed in a pip requirements file.
func readRequirements(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var names []string
	seen := map[string]struct{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		name := line
		if idx := strings.IndexAny(name, "=<>!~;[ "); idx > 0 {
			name = name[:idx]
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
