package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexcodex/dbtmigrate/framework"
)

// PlannerAgent orders the migration so every model follows the models it
// depends on.
type PlannerAgent struct {
	Logger zerolog.Logger
}

func (p *PlannerAgent) Role() framework.Role { return framework.RolePlanner }

// Execute produces a MigrationPlan in dependency order. Ties are broken by
// metadata order; objects caught in a cycle are appended with a warning.
func (p *PlannerAgent) Execute(ctx context.Context, actx *framework.AgentContext) (*framework.AgentResult, error) {
	if actx == nil || actx.Metadata.Empty() {
		return framework.FailedWith(p.Role(), "", framework.ErrMetadataEmpty), nil
	}
	plan := BuildPlan(actx.Metadata)
	if len(plan.Models) == 0 {
		return framework.FailedWith(p.Role(), "", framework.ErrEmptyPlan), nil
	}
	for _, w := range plan.Warnings {
		p.Logger.Warn().Msg(w)
	}
	p.Logger.Info().Int("models", len(plan.Models)).Msg("migration plan ready")
	return framework.Succeeded(p.Role(), "", plan), nil
}

// BuildPlan topologically sorts the metadata objects into planned models.
func BuildPlan(meta *framework.Metadata) *framework.MigrationPlan {
	objs := meta.Objects()
	plan := &framework.MigrationPlan{Models: make([]framework.PlannedModel, 0, len(objs))}
	index := make(map[string]int, len(objs))
	for i, obj := range objs {
		index[strings.ToLower(obj.QualifiedName())] = i
	}
	resolve := func(name string) (int, bool) {
		obj, ok := meta.Lookup(name)
		if !ok {
			return 0, false
		}
		i, ok := index[strings.ToLower(obj.QualifiedName())]
		return i, ok
	}

	indegree := make([]int, len(objs))
	dependents := make([][]int, len(objs))
	dependsOn := make([][]int, len(objs))
	seenEdge := map[[2]int]bool{}
	for _, dep := range meta.Dependencies {
		src, ok := resolve(dep.Source)
		if !ok {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("dependency source %q not found in metadata", dep.Source))
			continue
		}
		dst, ok := resolve(dep.Target)
		if !ok {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("%s depends on unknown object %q", objs[src].QualifiedName(), dep.Target))
			continue
		}
		if src == dst || seenEdge[[2]int{src, dst}] {
			continue
		}
		seenEdge[[2]int{src, dst}] = true
		indegree[src]++
		dependents[dst] = append(dependents[dst], src)
		dependsOn[src] = append(dependsOn[src], dst)
	}

	order := make([]int, 0, len(objs))
	placed := make([]bool, len(objs))
	for {
		next := -1
		for i := range objs {
			if !placed[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		placed[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	if len(order) < len(objs) {
		var cyclic []string
		for i := range objs {
			if !placed[i] {
				order = append(order, i)
				cyclic = append(cyclic, objs[i].QualifiedName())
			}
		}
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("dependency cycle among %s; appended in metadata order", strings.Join(cyclic, ", ")))
	}

	names := assignNames(objs)
	for _, i := range order {
		obj := objs[i]
		pm := framework.PlannedModel{
			Name:         names[i],
			SourceObject: obj.QualifiedName(),
			Kind:         obj.Kind,
			Layer:        LayerFor(obj.Kind),
		}
		for _, d := range dependsOn[i] {
			pm.DependsOn = append(pm.DependsOn, names[d])
		}
		plan.Models = append(plan.Models, pm)
	}
	return plan
}

// assignNames gives every object a unique model name. Collisions take the
// schema into the name, then a numeric suffix.
func assignNames(objs []framework.SourceObject) []string {
	names := make([]string, len(objs))
	used := map[string]bool{}
	for i, obj := range objs {
		name := ModelName(obj)
		if used[name] && obj.Schema != "" {
			name = layerPrefix(LayerFor(obj.Kind)) + snakeCase(obj.Schema) + "_" + snakeCase(obj.Name)
		}
		base := name
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[name] = true
		names[i] = name
	}
	return names
}
