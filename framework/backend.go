package framework

import "context"

// CompileResult is the outcome of compiling and testing one model.
type CompileResult struct {
	Passed      bool
	Diagnostics []string
	Output      string
}

// Compiler compiles and tests a generated model. An unreachable backend is
// reported with an error wrapping ErrBackendUnavailable; a model that does
// not compile is a CompileResult with Passed false.
type Compiler interface {
	CompileAndTest(ctx context.Context, projectPath string, model ModelState) (*CompileResult, error)
}

// Comparator scores how faithfully a model reproduces its source object.
type Comparator interface {
	Compare(ctx context.Context, source SourceObject, model ModelState, projectPath string) (*Comparison, error)
}

// FixRequest is what a Reasoner needs to propose a repair.
type FixRequest struct {
	Model  string
	SQL    string
	Errors []string
	Source SourceObject
}

// Fix is a proposed replacement for a model's SQL.
type Fix struct {
	SQL     string
	Applied []string
}

// Reasoner is the optional analysis capability used by agents. Implementations
// are chosen once at construction time.
type Reasoner interface {
	Advise(ctx context.Context, report *AssessmentReport, meta *Metadata) ([]string, error)
	ConvertLogic(ctx context.Context, obj SourceObject) (string, error)
	ProposeFix(ctx context.Context, req FixRequest) (*Fix, error)
}
