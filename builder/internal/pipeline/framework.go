package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FrameworkKind tags a detected frontend framework.
type FrameworkKind string

const (
	FrameworkNextjs FrameworkKind = "nextjs"
	FrameworkNuxt   FrameworkKind = "nuxt"
	FrameworkGatsby FrameworkKind = "gatsby"
	FrameworkSvelte FrameworkKind = "svelte"
	FrameworkVue    FrameworkKind = "vue"
	FrameworkReact  FrameworkKind = "react"
	FrameworkStatic FrameworkKind = "static"
)

// ParseFrameworkKind maps a user supplied name to a kind. Unknown names return false.
func ParseFrameworkKind(raw string) (FrameworkKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "nextjs", "next", "next.js":
		return FrameworkNextjs, true
	case "nuxt", "nuxtjs":
		return FrameworkNuxt, true
	case "gatsby":
		return FrameworkGatsby, true
	case "svelte", "sveltekit":
		return FrameworkSvelte, true
	case "vue", "vuejs":
		return FrameworkVue, true
	case "react", "cra", "vite":
		return FrameworkReact, true
	case "static", "html":
		return FrameworkStatic, true
	}
	return "", false
}

// PackageManager is the node package manager used for install and build.
type PackageManager string

const (
	PackageManagerNPM  PackageManager = "npm"
	PackageManagerYarn PackageManager = "yarn"
	PackageManagerPNPM PackageManager = "pnpm"
)

// Framework is a detected framework with its default commands. Empty
// commands mean the stage is skipped.
type Framework struct {
	Kind            FrameworkKind
	PackageManager  PackageManager
	InstallCommand  string
	BuildCommand    string
	OutputDirectory string
}

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.Dependencies[name]; ok {
		return true
	}
	_, ok := m.DevDependencies[name]
	return ok
}

func (m *npmManifest) hasScript(name string) bool {
	return m != nil && strings.TrimSpace(m.Scripts[name]) != ""
}

// DetectFramework inspects dir and returns the first matching framework in
// precedence order next, nuxt, gatsby, svelte, vue, react, falling back to
// static. A malformed package.json is an error.
func DetectFramework(dir string) (Framework, error) {
	manifest, err := loadPackageManifest(dir)
	if err != nil {
		return Framework{}, err
	}
	return defaultsFor(detectKind(manifest), dir, manifest), nil
}

// FrameworkDefaults returns the defaults for kind, using dir to pick the
// package manager and output variant.
func FrameworkDefaults(kind FrameworkKind, dir string) (Framework, error) {
	manifest, err := loadPackageManifest(dir)
	if err != nil {
		return Framework{}, err
	}
	return defaultsFor(kind, dir, manifest), nil
}

func detectKind(m *npmManifest) FrameworkKind {
	switch {
	case m == nil:
		return FrameworkStatic
	case m.hasDependency("next"):
		return FrameworkNextjs
	case m.hasDependency("nuxt") || m.hasDependency("nuxt3"):
		return FrameworkNuxt
	case m.hasDependency("gatsby"):
		return FrameworkGatsby
	case m.hasDependency("svelte") || m.hasDependency("@sveltejs/kit"):
		return FrameworkSvelte
	case m.hasDependency("vue"):
		return FrameworkVue
	case m.hasDependency("react") || m.hasDependency("react-scripts"):
		return FrameworkReact
	default:
		return FrameworkStatic
	}
}

func defaultsFor(kind FrameworkKind, dir string, m *npmManifest) Framework {
	pm := detectPackageManager(dir, m)
	fw := Framework{Kind: kind, PackageManager: pm}
	if m == nil {
		// Without a manifest there is nothing to install or build.
		fw.OutputDirectory = "."
		if kind != FrameworkStatic {
			fw.OutputDirectory = outputFor(kind, m)
		}
		return fw
	}
	fw.InstallCommand = installCommand(dir, pm)
	fw.BuildCommand = runScript(pm, "build")
	fw.OutputDirectory = outputFor(kind, m)
	if kind == FrameworkStatic && !m.hasScript("build") {
		fw.InstallCommand = ""
		fw.BuildCommand = ""
		fw.OutputDirectory = "."
	}
	return fw
}

func outputFor(kind FrameworkKind, m *npmManifest) string {
	switch kind {
	case FrameworkNextjs:
		return "out"
	case FrameworkNuxt:
		return ".output/public"
	case FrameworkGatsby:
		return "public"
	case FrameworkSvelte:
		if m.hasDependency("@sveltejs/kit") {
			return "build"
		}
		return "public"
	case FrameworkVue:
		return "dist"
	case FrameworkReact:
		if m.hasDependency("vite") {
			return "dist"
		}
		return "build"
	default:
		if m.hasScript("build") {
			return "dist"
		}
		return "."
	}
}

func detectPackageManager(dir string, m *npmManifest) PackageManager {
	if m != nil {
		if parsed := parsePackageManager(m.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return PackageManagerYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return PackageManagerPNPM
	default:
		return PackageManagerNPM
	}
}

// parsePackageManager reads the corepack "packageManager" field, e.g. "pnpm@9.1.0".
func parsePackageManager(value string) PackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return PackageManagerYarn
	case "pnpm":
		return PackageManagerPNPM
	case "npm":
		return PackageManagerNPM
	default:
		return ""
	}
}

func installCommand(dir string, pm PackageManager) string {
	switch pm {
	case PackageManagerYarn:
		if fileExists(filepath.Join(dir, "yarn.lock")) {
			return "yarn install --frozen-lockfile"
		}
		return "yarn install"
	case PackageManagerPNPM:
		if fileExists(filepath.Join(dir, "pnpm-lock.yaml")) {
			return "pnpm install --frozen-lockfile"
		}
		return "pnpm install"
	default:
		if fileExists(filepath.Join(dir, "package-lock.json")) || fileExists(filepath.Join(dir, "npm-shrinkwrap.json")) {
			return "npm ci"
		}
		return "npm install"
	}
}

func runScript(pm PackageManager, script string) string {
	if pm == PackageManagerNPM || pm == "" {
		return "npm run " + script
	}
	return string(pm) + " run " + script
}

func loadPackageManifest(dir string) (*npmManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read package.json: %w", err)
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	return &manifest, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
