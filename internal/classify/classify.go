package classify

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/preview/internal/domain"
)

const defaultMaxFiles = 10000

// skippedDirs are dependency, cache, and VCS directories that never carry a
// classification signal.
var skippedDirs = map[string]struct{}{
	"node_modules":     {},
	"bower_components": {},
	".git":             {},
	".svn":             {},
	".hg":              {},
	"__pycache__":      {},
	".venv":            {},
	"venv":             {},
	".cache":           {},
	".npm":             {},
	".yarn":            {},
	".pytest_cache":    {},
	".mypy_cache":      {},
	".next":            {},
	".parcel-cache":    {},
	"__MACOSX":         {},
}

// Classifier maps an extracted project tree to a project type and commands.
type Classifier struct {
	logger   *slog.Logger
	maxFiles int
}

// New creates a classifier. maxFiles bounds the file listing; zero uses a default.
func New(logger *slog.Logger, maxFiles int) Classifier {
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return Classifier{logger: logger.With("component", "classifier"), maxFiles: maxFiles}
}

// Classify inspects dir and returns the first matching project profile.
// Manifest parse failures degrade to defaults; only listing I/O errors are returned.
func (c Classifier) Classify(dir string) (domain.ProjectInfo, error) {
	files, err := c.listFiles(dir)
	if err != nil {
		return domain.ProjectInfo{}, err
	}
	top := make(map[string]struct{})
	for _, f := range files {
		if !strings.Contains(f, "/") {
			top[f] = struct{}{}
		}
	}
	has := func(name string) bool {
		_, ok := top[name]
		return ok
	}

	var info domain.ProjectInfo
	switch {
	case has("package.json"):
		info = c.classifyNode(dir)
	case has("requirements.txt") || has("Pipfile"):
		info = classifyPython(dir, has)
	case has("Dockerfile"):
		info = classifyDocker()
	default:
		if entry, ok := findHTMLEntry(files); ok {
			info = domain.ProjectInfo{
				Type:       domain.ProjectStatic,
				Framework:  "Static HTML",
				EntryPoint: entry,
			}
		} else {
			info = domain.ProjectInfo{Type: domain.ProjectUnknown, Framework: "Unknown"}
		}
	}
	info.Files = files
	return info, nil
}

type nodeProfile struct {
	typ           domain.ProjectType
	framework     string
	buildFallback string
	startScripts  []string
	startFallback string
}

func (c Classifier) classifyNode(dir string) domain.ProjectInfo {
	manifest, degraded := loadPackageManifest(dir)
	if degraded {
		c.logger.Warn("package.json could not be parsed; using defaults", "dir", dir)
	}
	pm := detectNodePackageManager(dir, manifest)
	profile := selectNodeProfile(manifest, pm)

	info := domain.ProjectInfo{
		Type:           profile.typ,
		Framework:      profile.framework,
		Dependencies:   manifest.dependencyNames(),
		PackageManager: pm.String(),
		EntryPoint:     nodeEntryPoint(dir, manifest),
	}
	switch {
	case manifest.hasScript("build"):
		info.BuildCommand = domain.Ptr(pm.runScript("build"))
	case profile.buildFallback != "":
		info.BuildCommand = domain.Ptr(profile.buildFallback)
	}

	start := profile.startFallback
	for _, script := range append([]string{"start"}, profile.startScripts...) {
		if manifest.hasScript(script) {
			start = pm.runScript(script)
			break
		}
	}
	info.StartCommand = domain.Ptr(start)
	return info
}

func selectNodeProfile(manifest *npmManifest, pm nodePackageManager) nodeProfile {
	switch {
	case manifest.hasDependency("react"):
		return nodeProfile{
			typ:           domain.ProjectReact,
			framework:     "React",
			buildFallback: pm.runScript("build"),
			startScripts:  []string{"dev"},
			startFallback: pm.runScript("start"),
		}
	case manifest.hasDependency("vue"):
		return nodeProfile{
			typ:           domain.ProjectVue,
			framework:     "Vue.js",
			buildFallback: pm.runScript("build"),
			startScripts:  []string{"serve", "dev"},
			startFallback: pm.runScript("serve"),
		}
	case manifest.hasDependency("@angular/core"):
		return nodeProfile{
			typ:           domain.ProjectAngular,
			framework:     "Angular",
			buildFallback: "ng build",
			startFallback: "ng serve",
		}
	}
	for _, server := range []struct{ dep, label string }{
		{"express", "Express"},
		{"fastify", "Fastify"},
		{"koa", "Koa"},
	} {
		if manifest.hasDependency(server.dep) {
			return nodeProfile{
				typ:           domain.ProjectNode,
				framework:     server.label,
				startScripts:  []string{"dev"},
				startFallback: pm.runScript("start"),
			}
		}
	}
	return nodeProfile{
		typ:           domain.ProjectNode,
		framework:     "Node.js",
		startScripts:  []string{"dev"},
		startFallback: pm.runScript("start"),
	}
}

func nodeEntryPoint(dir string, manifest *npmManifest) string {
	if manifest != nil && strings.TrimSpace(manifest.Main) != "" {
		return path.Clean(filepath.ToSlash(strings.TrimSpace(manifest.Main)))
	}
	for _, candidate := range []string{"index.js", "server.js", "app.js", "src/index.js", "src/main.js", "src/main.ts"} {
		if fileExists(filepath.Join(dir, filepath.FromSlash(candidate))) {
			return candidate
		}
	}
	return ""
}

func classifyPython(dir string, has func(string) bool) domain.ProjectInfo {
	info := domain.ProjectInfo{Type: domain.ProjectPython, Framework: "Python"}
	if has("requirements.txt") {
		info.Dependencies = readRequirements(filepath.Join(dir, "requirements.txt"))
		info.BuildCommand = domain.Ptr("pip install -r requirements.txt")
	} else {
		info.BuildCommand = domain.Ptr("pipenv install")
	}
	for _, dep := range info.Dependencies {
		switch dep {
		case "flask":
			info.Framework = "Flask"
		case "django":
			info.Framework = "Django"
		case "fastapi":
			info.Framework = "FastAPI"
		}
	}
	if has("app.py") {
		info.EntryPoint = "app.py"
		info.StartCommand = domain.Ptr("python app.py")
	} else {
		if has("main.py") {
			info.EntryPoint = "main.py"
		}
		info.StartCommand = domain.Ptr("python main.py")
	}
	return info
}

func classifyDocker() domain.ProjectInfo {
	return domain.ProjectInfo{
		Type:         domain.ProjectDocker,
		Framework:    "Docker",
		EntryPoint:   "Dockerfile",
		BuildCommand: domain.Ptr("docker build -t app ."),
		StartCommand: domain.Ptr("docker run -p 3000:3000 app"),
	}
}

func findHTMLEntry(files []string) (string, bool) {
	first := ""
	for _, f := range files {
		ext := strings.ToLower(path.Ext(f))
		if ext != ".html" && ext != ".htm" {
			continue
		}
		if f == "index.html" {
			return f, true
		}
		if first == "" {
			first = f
		}
	}
	return first, first != ""
}

var errListingFull = errors.New("listing limit reached")

func (c Classifier) listFiles(dir string) ([]string, error) {
	files := make([]string, 0, 64)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		if len(files) >= c.maxFiles {
			return errListingFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errListingFull) {
		return nil, fmt.Errorf("list project files: %w", err)
	}
	return files, nil
}
