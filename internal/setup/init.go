// Package setup handles conductor project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/fsutil"
	"github.com/msageha/conductor/internal/gitops"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/templates"
)

// DirName is the conductor directory created in a project.
const DirName = ".conductor"

// Options customizes the generated config.
type Options struct {
	// TaskList overrides auto.task_list_id from the template.
	TaskList    string
	Concurrency int
}

// Run initializes the .conductor/ directory in projectDir, which is
// recorded as the source repository. It returns the created directory.
func Run(projectDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	cfg, err := generateConfig(absDir, opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.ValidateAuto(); err != nil {
		return "", err
	}

	dirs := []string{
		"state",
		"locks",
		"logs",
		filepath.Join(cfg.Tasks.Root, cfg.Auto.TaskListID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := fsutil.WriteYAML(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	if err := copyTemplateFile("context.toml", filepath.Join(base, cfg.Auto.ContextConfig)); err != nil {
		return "", err
	}
	if err := ignoreConductorDir(absDir); err != nil {
		return "", err
	}
	return base, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir string, opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	cfg.Repo.Source = projectDir
	if opts.TaskList != "" {
		cfg.Auto.TaskListID = opts.TaskList
	}
	if opts.Concurrency > 0 {
		cfg.Auto.Concurrency = opts.Concurrency
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ignoreConductorDir keeps .conductor/ out of the trunk status check when
// the project is a git repository.
func ignoreConductorDir(projectDir string) error {
	if info, err := os.Stat(filepath.Join(projectDir, ".git")); err != nil || !info.IsDir() {
		return nil
	}
	if err := gitops.NewClient().ExcludePath(projectDir, "/"+DirName+"/"); err != nil {
		return fmt.Errorf("exclude %s: %w", DirName, err)
	}
	return nil
}
