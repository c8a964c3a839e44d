package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/splax/localvercel/builder/internal/workspace"
	"github.com/splax/localvercel/pkg/controlplane"
)

// RepoConfigFile is the optional build settings file at the repository root.
const RepoConfigFile = "peep.yaml"

// Overrides replaces detected defaults field by field. Nil fields are unset;
// a pointer to an empty string clears the command.
type Overrides struct {
	Framework       string            `yaml:"framework"`
	RootDirectory   string            `yaml:"rootDirectory"`
	InstallCommand  *string           `yaml:"installCommand"`
	BuildCommand    *string           `yaml:"buildCommand"`
	OutputDirectory string            `yaml:"outputDirectory"`
	Env             map[string]string `yaml:"env"`
}

// LoadRepoOverrides reads peep.yaml from repoDir. A missing file yields zero Overrides.
func LoadRepoOverrides(repoDir string) (Overrides, error) {
	var o Overrides
	data, err := os.ReadFile(filepath.Join(repoDir, RepoConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		return o, nil
	}
	if err != nil {
		return o, fmt.Errorf("read %s: %w", RepoConfigFile, err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("parse %s: %w", RepoConfigFile, err)
	}
	return o, nil
}

// ProjectOverrides converts control plane build settings. Empty strings are unset.
func ProjectOverrides(cfg controlplane.BuildConfig) Overrides {
	o := Overrides{
		Framework:       cfg.Framework,
		RootDirectory:   cfg.RootDirectory,
		OutputDirectory: cfg.OutputDirectory,
	}
	if strings.TrimSpace(cfg.InstallCommand) != "" {
		o.InstallCommand = &cfg.InstallCommand
	}
	if strings.TrimSpace(cfg.BuildCommand) != "" {
		o.BuildCommand = &cfg.BuildCommand
	}
	return o
}

// Plan is the resolved build recipe for one checkout.
type Plan struct {
	Framework FrameworkKind
	// PackageManager is informational; commands already name it.
	PackageManager PackageManager
	RootDir        string
	Install        string
	Build          string
	OutputDir      string
	Env            []string
}

// ResolvePlan detects the framework under repoDir and applies overrides in
// order, later layers winning.
func ResolvePlan(repoDir string, layers ...Overrides) (Plan, error) {
	rootRel := "."
	for _, o := range layers {
		if v := strings.TrimSpace(o.RootDirectory); v != "" {
			rootRel = v
		}
	}
	rootDir, err := workspace.Within(repoDir, rootRel)
	if err != nil {
		return Plan{}, fmt.Errorf("root directory %q: %w", rootRel, err)
	}
	if info, err := os.Stat(rootDir); err != nil || !info.IsDir() {
		return Plan{}, fmt.Errorf("root directory %q is not a directory", rootRel)
	}

	fw, err := DetectFramework(rootDir)
	if err != nil {
		return Plan{}, err
	}
	for _, o := range layers {
		if strings.TrimSpace(o.Framework) == "" {
			continue
		}
		kind, ok := ParseFrameworkKind(o.Framework)
		if !ok {
			return Plan{}, fmt.Errorf("unknown framework %q", o.Framework)
		}
		if fw, err = FrameworkDefaults(kind, rootDir); err != nil {
			return Plan{}, err
		}
	}

	plan := Plan{
		Framework:      fw.Kind,
		PackageManager: fw.PackageManager,
		RootDir:        rootDir,
		Install:        fw.InstallCommand,
		Build:          fw.BuildCommand,
		OutputDir:      fw.OutputDirectory,
	}
	env := map[string]string{}
	for _, o := range layers {
		if o.InstallCommand != nil {
			plan.Install = strings.TrimSpace(*o.InstallCommand)
		}
		if o.BuildCommand != nil {
			plan.Build = strings.TrimSpace(*o.BuildCommand)
		}
		if v := strings.TrimSpace(o.OutputDirectory); v != "" {
			plan.OutputDir = v
		}
		for k, v := range o.Env {
			env[k] = v
		}
	}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		plan.Env = append(plan.Env, k+"="+env[k])
	}
	return plan, nil
}
