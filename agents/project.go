package agents

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lexcodex/dbtmigrate/framework"
)

// SourceName is the dbt source every legacy object is registered under.
const SourceName = "legacy"

// ProjectWriter owns the on-disk layout of the generated dbt project.
type ProjectWriter struct {
	ProjectName string
	mu          sync.Mutex
	ensured     map[string]bool
}

// NewProjectWriter builds a writer for a project called name.
func NewProjectWriter(name string) *ProjectWriter {
	if name == "" {
		name = "legacy_migration"
	}
	return &ProjectWriter{ProjectName: name, ensured: make(map[string]bool)}
}

type dbtProject struct {
	Name          string                            `yaml:"name"`
	Version       string                            `yaml:"version"`
	ConfigVersion int                               `yaml:"config-version"`
	Profile       string                            `yaml:"profile"`
	ModelPaths    []string                          `yaml:"model-paths"`
	Models        map[string]map[string]interface{} `yaml:"models"`
}

type sourcesFile struct {
	Version int         `yaml:"version"`
	Sources []sourceDef `yaml:"sources"`
}

type sourceDef struct {
	Name   string     `yaml:"name"`
	Schema string     `yaml:"schema,omitempty"`
	Tables []tableDef `yaml:"tables"`
}

type tableDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// EnsureProject writes dbt_project.yml and models/sources.yml once per
// project path. Existing files are left alone.
func (w *ProjectWriter) EnsureProject(projectPath string, meta *framework.Metadata) error {
	if projectPath == "" {
		return errors.New("project path required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ensured[projectPath] {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(projectPath, "models"), 0o755); err != nil {
		return err
	}
	project := dbtProject{
		Name:          w.ProjectName,
		Version:       "1.0.0",
		ConfigVersion: 2,
		Profile:       w.ProjectName,
		ModelPaths:    []string{"models"},
		Models: map[string]map[string]interface{}{
			w.ProjectName: {
				string(framework.LayerStaging):      map[string]string{"+materialized": "view"},
				string(framework.LayerIntermediate): map[string]string{"+materialized": "view"},
				string(framework.LayerMarts):        map[string]string{"+materialized": "table"},
			},
		},
	}
	if err := writeYAMLIfMissing(filepath.Join(projectPath, "dbt_project.yml"), project); err != nil {
		return err
	}
	if err := writeYAMLIfMissing(filepath.Join(projectPath, "models", "sources.yml"), buildSources(meta)); err != nil {
		return err
	}
	w.ensured[projectPath] = true
	return nil
}

func buildSources(meta *framework.Metadata) sourcesFile {
	bySchema := map[string][]tableDef{}
	if meta != nil {
		for _, t := range meta.Tables {
			bySchema[t.Schema] = append(bySchema[t.Schema], tableDef{Name: t.Name})
		}
	}
	schemas := make([]string, 0, len(bySchema))
	for schema := range bySchema {
		schemas = append(schemas, schema)
	}
	sort.Strings(schemas)
	out := sourcesFile{Version: 2}
	for _, schema := range schemas {
		name := SourceName
		if len(schemas) > 1 && schema != "" {
			name = SourceName + "_" + snakeCase(schema)
		}
		out.Sources = append(out.Sources, sourceDef{Name: name, Schema: schema, Tables: bySchema[schema]})
	}
	return out
}

// sourceFor returns the dbt source name a table is registered under.
func sourceFor(meta *framework.Metadata, schema string) string {
	if meta == nil || schema == "" {
		return SourceName
	}
	schemas := map[string]struct{}{}
	for _, t := range meta.Tables {
		schemas[t.Schema] = struct{}{}
	}
	if len(schemas) > 1 {
		return SourceName + "_" + snakeCase(schema)
	}
	return SourceName
}

func writeYAMLIfMissing(path string, v interface{}) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// ModelPath returns the project-relative path of a model file.
func ModelPath(layer framework.Layer, name string) string {
	if layer == "" {
		layer = framework.LayerStaging
	}
	return filepath.ToSlash(filepath.Join("models", string(layer), name+".sql"))
}

// WriteModel writes sql for the model and returns its project-relative path.
func (w *ProjectWriter) WriteModel(projectPath string, model framework.ModelState, sql string) (string, error) {
	rel := ModelPath(model.Layer, model.Name)
	if err := writeFileAtomic(filepath.Join(projectPath, rel), []byte(sql)); err != nil {
		return "", fmt.Errorf("write model %s: %w", model.Name, err)
	}
	return rel, nil
}

// ReadModel returns the current SQL of a model, or "" when it was never written.
func (w *ProjectWriter) ReadModel(projectPath string, model framework.ModelState) (string, error) {
	if model.FilePath == "" {
		return "", nil
	}
	path := model.FilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectPath, path)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
