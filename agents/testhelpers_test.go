package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lexcodex/dbtmigrate/framework"
)

func salesMetadata() *framework.Metadata {
	return &framework.Metadata{
		Database: "sales",
		Tables: []framework.SourceObject{
			{Schema: "dbo", Name: "Customers", Columns: []framework.Column{
				{Name: "Id", Type: "int"}, {Name: "Name", Type: "nvarchar(100)"}, {Name: "Active", Type: "bit"},
			}, RowCount: 40},
			{Schema: "dbo", Name: "Orders", Columns: twelveColumns(), RowCount: 120},
		},
		Views: []framework.SourceObject{
			{Schema: "dbo", Name: "ActiveCustomers", Columns: []framework.Column{{Name: "Id", Type: "int"}, {Name: "Name", Type: "nvarchar(100)"}},
				Definition: "CREATE VIEW dbo.ActiveCustomers AS SELECT Id, Name FROM dbo.Customers WHERE Active = 1"},
		},
		Procedures: []framework.SourceObject{
			{Schema: "dbo", Name: "BuildSales", Definition: `CREATE PROCEDURE dbo.BuildSales AS
BEGIN
  SET NOCOUNT ON;
  DECLARE c CURSOR FOR SELECT Id FROM dbo.Orders;
  SELECT o.Id, GETDATE() AS loaded_at FROM dbo.Orders o JOIN dbo.ActiveCustomers a ON a.Id = o.CustomerId;
END`},
		},
		Dependencies: []framework.Dependency{
			{Source: "dbo.ActiveCustomers", Target: "dbo.Customers"},
			{Source: "dbo.BuildSales", Target: "dbo.Orders"},
			{Source: "dbo.BuildSales", Target: "dbo.ActiveCustomers"},
		},
	}
}

func twelveColumns() []framework.Column {
	cols := []framework.Column{{Name: "Id", Type: "int"}, {Name: "CustomerId", Type: "int"}, {Name: "Amount", Type: "money"}}
	for _, name := range []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8", "c9"} {
		cols = append(cols, framework.Column{Name: name, Type: "varchar(10)"})
	}
	return cols
}

// agentContext builds the context a model-scoped agent would receive.
func agentContext(t *testing.T, meta *framework.Metadata, current string) *framework.AgentContext {
	t.Helper()
	plan := BuildPlan(meta)
	models := make([]framework.ModelState, 0, len(plan.Models))
	for _, pm := range plan.Models {
		models = append(models, framework.ModelState{
			Name: pm.Name, SourceObject: pm.SourceObject, Kind: pm.Kind, Layer: pm.Layer,
			DependsOn: pm.DependsOn, Status: framework.StatusPending, Errors: []string{},
		})
	}
	return &framework.AgentContext{
		Metadata:       meta,
		DBTProjectPath: t.TempDir(),
		CurrentModel:   current,
		MigrationState: framework.LegacyState{Phase: framework.PhaseExecution, Models: models, CurrentModel: current},
	}
}

func readProjectFile(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

type fakeCompiler struct {
	result *framework.CompileResult
	err    error
	calls  int
}

func (f *fakeCompiler) CompileAndTest(ctx context.Context, projectPath string, model framework.ModelState) (*framework.CompileResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeComparator struct {
	cmp *framework.Comparison
	err error
}

func (f *fakeComparator) Compare(ctx context.Context, source framework.SourceObject, model framework.ModelState, projectPath string) (*framework.Comparison, error) {
	return f.cmp, f.err
}
