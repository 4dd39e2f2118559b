// Package workflow drives a migration run: it routes each model through the
// agents according to its status, persists snapshots at phase boundaries and
// produces the final report.
package workflow

import "github.com/lexcodex/dbtmigrate/framework"

// RoleFor returns the agent that acts on a model in the given status. Terminal
// statuses have no agent.
func RoleFor(status framework.ModelStatus) (framework.Role, bool) {
	switch status {
	case framework.StatusPending:
		return framework.RoleExecutor, true
	case framework.StatusInProgress, framework.StatusTesting:
		return framework.RoleTester, true
	case framework.StatusRebuilding:
		return framework.RoleRebuilder, true
	case framework.StatusEvaluating:
		return framework.RoleEvaluator, true
	default:
		return "", false
	}
}
