package framework

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ObjectKind enumerates the legacy schema objects that can be migrated.
type ObjectKind string

const (
	KindTable     ObjectKind = "table"
	KindView      ObjectKind = "view"
	KindProcedure ObjectKind = "procedure"
)

// Column describes a single column of a source object.
type Column struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// SourceObject is a table, view or procedure in the legacy database.
type SourceObject struct {
	Schema     string     `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name       string     `json:"name" yaml:"name"`
	Kind       ObjectKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Columns    []Column   `json:"columns,omitempty" yaml:"columns,omitempty"`
	Definition string     `json:"definition,omitempty" yaml:"definition,omitempty"`
	RowCount   int64      `json:"row_count,omitempty" yaml:"row_count,omitempty"`
}

// QualifiedName returns schema.name, or name when the schema is unset.
func (o SourceObject) QualifiedName() string {
	if o.Schema == "" {
		return o.Name
	}
	return o.Schema + "." + o.Name
}

// Dependency is a directed edge: Source depends on Target.
type Dependency struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Kind   string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Metadata describes the legacy schema. It is read-only once loaded.
type Metadata struct {
	Database     string         `json:"database,omitempty" yaml:"database,omitempty"`
	Tables       []SourceObject `json:"tables" yaml:"tables"`
	Views        []SourceObject `json:"views" yaml:"views"`
	Procedures   []SourceObject `json:"procedures" yaml:"procedures"`
	Dependencies []Dependency   `json:"dependencies" yaml:"dependencies"`
}

// Empty reports whether there is nothing to migrate.
func (m *Metadata) Empty() bool {
	return m == nil || len(m.Tables)+len(m.Views)+len(m.Procedures) == 0
}

// Objects returns every object in metadata order (tables, views, procedures)
// with Kind filled in.
func (m *Metadata) Objects() []SourceObject {
	if m == nil {
		return nil
	}
	out := make([]SourceObject, 0, len(m.Tables)+len(m.Views)+len(m.Procedures))
	add := func(objs []SourceObject, kind ObjectKind) {
		for _, obj := range objs {
			if obj.Kind == "" {
				obj.Kind = kind
			}
			out = append(out, obj)
		}
	}
	add(m.Tables, KindTable)
	add(m.Views, KindView)
	add(m.Procedures, KindProcedure)
	return out
}

// Lookup finds an object by qualified or bare name, case-insensitively.
func (m *Metadata) Lookup(name string) (SourceObject, bool) {
	for _, obj := range m.Objects() {
		if strings.EqualFold(obj.QualifiedName(), name) || strings.EqualFold(obj.Name, name) {
			return obj, true
		}
	}
	return SourceObject{}, false
}

// LoadMetadata reads a JSON or YAML schema description from disk.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &meta)
	default:
		err = json.Unmarshal(data, &meta)
	}
	if err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	return &meta, nil
}
