package backend

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/agents"
	"github.com/lexcodex/dbtmigrate/framework"
)

const (
	CompilerDbt    = "dbt"
	CompilerStatic = "static"

	ComparatorStructural = "structural"
	ComparatorSQL        = "sql"
)

// Config selects and configures the compile and comparison backends.
type Config struct {
	Compiler    string        `yaml:"compiler" json:"compiler"`
	DbtBinary   string        `yaml:"dbt_binary,omitempty" json:"dbt_binary,omitempty"`
	ProfilesDir string        `yaml:"profiles_dir,omitempty" json:"profiles_dir,omitempty"`
	Target      string        `yaml:"target,omitempty" json:"target,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Comparator   string `yaml:"comparator" json:"comparator"`
	Driver       string `yaml:"driver,omitempty" json:"driver,omitempty"`
	SourceDSN    string `yaml:"source_dsn,omitempty" json:"source_dsn,omitempty"`
	TargetDSN    string `yaml:"target_dsn,omitempty" json:"target_dsn,omitempty"`
	TargetSchema string `yaml:"target_schema,omitempty" json:"target_schema,omitempty"`
}

// NewCompiler builds the configured Compiler.
func NewCompiler(cfg Config, rules *agents.Ruleset, logger zerolog.Logger) (framework.Compiler, error) {
	switch cfg.Compiler {
	case "", CompilerStatic:
		return NewStaticBackend(rules), nil
	case CompilerDbt:
		b := NewDbtBackend(cfg.DbtBinary, cfg.Timeout)
		b.ProfilesDir = cfg.ProfilesDir
		b.Target = cfg.Target
		b.Logger = logger
		return b, nil
	default:
		return nil, &framework.ConfigurationError{Field: "backend.compiler", Reason: fmt.Sprintf("unknown compiler %q", cfg.Compiler)}
	}
}

// NewComparator builds the configured Comparator.
func NewComparator(cfg Config) (framework.Comparator, error) {
	switch cfg.Comparator {
	case "", ComparatorStructural:
		return StructuralComparator{}, nil
	case ComparatorSQL:
		cmp, err := OpenSQLComparator(cfg.Driver, cfg.SourceDSN, cfg.TargetDSN, cfg.TargetSchema)
		if err != nil {
			return nil, err
		}
		return cmp, nil
	default:
		return nil, &framework.ConfigurationError{Field: "backend.comparator", Reason: fmt.Sprintf("unknown comparator %q", cfg.Comparator)}
	}
}
