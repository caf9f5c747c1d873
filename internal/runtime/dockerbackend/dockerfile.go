package dockerbackend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/splax/localvercel/preview/internal/domain"
)

const (
	buildScriptPath = ".previewd/build.sh"
	appPort         = 3000
	staticPort      = 80
)

// containerPort is the port the generated image listens on.
func containerPort(t domain.ProjectType) int {
	if t == domain.ProjectStatic {
		return staticPort
	}
	return appPort
}

// ensureDockerfile writes a Dockerfile for the project unless it ships one.
// It reports whether a file was generated.
func ensureDockerfile(dir string, info domain.ProjectInfo) (bool, error) {
	present, err := hasDockerfile(dir)
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}
	build := ""
	if info.BuildCommand != nil {
		build = strings.TrimSpace(*info.BuildCommand)
	}
	start := ""
	if info.StartCommand != nil {
		start = strings.TrimSpace(*info.StartCommand)
	}

	var content string
	switch info.Type {
	case domain.ProjectStatic:
		content = renderStaticDockerfile()
	case domain.ProjectNode, domain.ProjectReact, domain.ProjectVue, domain.ProjectAngular:
		content = renderNodeDockerfile(info.PackageManager, build != "", start)
	case domain.ProjectPython:
		if strings.HasPrefix(build, "pipenv ") {
			build = "pip install --no-cache-dir pipenv && PIPENV_SYSTEM=1 " + build
		}
		content = renderPythonDockerfile(build != "", start)
	case domain.ProjectDocker:
		return false, fmt.Errorf("docker project is missing its Dockerfile")
	default:
		return false, fmt.Errorf("no container recipe for project type %q", info.Type)
	}
	if build != "" {
		if err := writeBuildScript(dir, build); err != nil {
			return false, err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write dockerfile: %w", err)
	}
	return true, nil
}

func renderStaticDockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM nginx:1.27-alpine\n")
	b.WriteString("COPY . /usr/share/nginx/html\n")
	b.WriteString("EXPOSE 80\n")
	return b.String()
}

func renderNodeDockerfile(pm string, includeScript bool, start string) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:20-bullseye\n")
	b.WriteString("WORKDIR /app\n\n")
	switch pm {
	case "yarn":
		b.WriteString("COPY package.json yarn.lock* ./\n")
		b.WriteString("RUN corepack enable && yarn install\n\n")
	case "pnpm":
		b.WriteString("COPY package.json pnpm-lock.yaml* ./\n")
		b.WriteString("RUN corepack enable && pnpm install\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ]; then npm ci; else npm install; fi\n\n")
	}
	b.WriteString("COPY . ./\n")
	writeScriptStep(&b, includeScript)
	b.WriteString(fmt.Sprintf("ENV PORT=%d\n", appPort))
	b.WriteString("ENV HOST=0.0.0.0\n")
	b.WriteString(fmt.Sprintf("EXPOSE %d\n", appPort))
	writeCmd(&b, start, "npm start")
	return b.String()
}

func renderPythonDockerfile(includeScript bool, start string) string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM python:3.12-slim\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("ENV PYTHONUNBUFFERED=1\n\n")
	b.WriteString("COPY . ./\n")
	writeScriptStep(&b, includeScript)
	b.WriteString(fmt.Sprintf("ENV PORT=%d\n", appPort))
	b.WriteString(fmt.Sprintf("EXPOSE %d\n", appPort))
	writeCmd(&b, start, "python main.py")
	return b.String()
}

func writeScriptStep(b *strings.Builder, includeScript bool) {
	if !includeScript {
		return
	}
	b.WriteString("RUN if [ -f " + buildScriptPath + " ]; then \\\n")
	b.WriteString("  chmod +x " + buildScriptPath + " && sh " + buildScriptPath + " && rm -f " + buildScriptPath + "; fi\n")
}

func writeCmd(b *strings.Builder, start, fallback string) {
	if start == "" {
		start = fallback
	}
	b.WriteString(fmt.Sprintf("CMD [\"sh\", \"-c\", %q]\n", start))
}

func writeBuildScript(dir, buildCommand string) error {
	scriptDir := filepath.Join(dir, filepath.Dir(buildScriptPath))
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return fmt.Errorf("create build script dir: %w", err)
	}
	script := "#!/bin/sh\nset -eu\n\n" + buildCommand + "\n"
	if err := os.WriteFile(filepath.Join(dir, buildScriptPath), []byte(script), 0o755); err != nil {
		return fmt.Errorf("write build script: %w", err)
	}
	return nil
}

func hasDockerfile(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read project dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(entry.Name(), "dockerfile") {
			return true, nil
		}
	}
	return false, nil
}
