// derive.go contains the secondary derivation passes that run after
// synchronization. They read only already-synchronized store data and
// emit derived entities that flow through the same append-log → engine →
// store path as collected ones, so derived types get the same change
// history and soft-delete handling for free.

package tg

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// CapabilityDeriver infers one capability edge per (principal, action,
// scope) from role assignments joined against role definitions. Entity
// ids are deterministic so repeated derivations diff cleanly.
type CapabilityDeriver struct {
	// AssignmentType/DefinitionType/OutputType default to
	// "role_assignment"/"role_definition"/"capability_edge".
	AssignmentType string
	DefinitionType string
	OutputType     string
}

func (d *CapabilityDeriver) Name() string {
	return "derive-" + d.outputType()
}

func (d *CapabilityDeriver) EntityType() string {
	return d.outputType()
}

func (d *CapabilityDeriver) outputType() string {
	if d.OutputType != "" {
		return d.OutputType
	}
	return "capability_edge"
}

func (d *CapabilityDeriver) assignmentType() string {
	if d.AssignmentType != "" {
		return d.AssignmentType
	}
	return "role_assignment"
}

func (d *CapabilityDeriver) definitionType() string {
	if d.DefinitionType != "" {
		return d.DefinitionType
	}
	return "role_definition"
}

func (d *CapabilityDeriver) Derive(ctx context.Context, run RunContext, store EntityReader) ([]Entity, error) {
	assignments, err := store.LoadExisting(ctx, d.assignmentType())
	if err != nil {
		return nil, fmt.Errorf("derive %s: load assignments: %w", d.outputType(), err)
	}
	definitions, err := store.LoadExisting(ctx, d.definitionType())
	if err != nil {
		return nil, fmt.Errorf("derive %s: load definitions: %w", d.outputType(), err)
	}

	out := make([]Entity, 0)
	for _, assignment := range assignments {
		principal := stringField(assignment, "principalId")
		roleDefID := stringField(assignment, "roleDefinitionId")
		scope := stringField(assignment, "scope")
		if principal == "" || roleDefID == "" {
			continue
		}

		definition, ok := definitions[roleDefID]
		if !ok {
			continue
		}
		for _, action := range stringSliceField(definition, "permissions") {
			out = append(out, Entity{
				ID:   principal + "|" + action + "|" + scope,
				Type: d.outputType(),
				Fields: map[string]any{
					"principalId":      principal,
					"action":           action,
					"scope":            scope,
					"roleDefinitionId": roleDefID,
				},
				CollectedAt: run.Timestamp,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MembershipPathDeriver resolves transitive group memberships by full
// breadth-first traversal over direct membership edges. Every reachable
// (member, group) pair with at least one intermediate group becomes one
// derived edge carrying the shortest resolution path.
type MembershipPathDeriver struct {
	// EdgeType/OutputType default to "membership_edge" and
	// "transitive_membership".
	EdgeType   string
	OutputType string

	// MaxDepth bounds traversal to guard against membership cycles in
	// dirty source data; defaults to 10.
	MaxDepth int
}

func (d *MembershipPathDeriver) Name() string {
	return "derive-" + d.outputType()
}

func (d *MembershipPathDeriver) EntityType() string {
	return d.outputType()
}

func (d *MembershipPathDeriver) edgeType() string {
	if d.EdgeType != "" {
		return d.EdgeType
	}
	return "membership_edge"
}

func (d *MembershipPathDeriver) outputType() string {
	if d.OutputType != "" {
		return d.OutputType
	}
	return "transitive_membership"
}

func (d *MembershipPathDeriver) maxDepth() int {
	if d.MaxDepth > 0 {
		return d.MaxDepth
	}
	return 10
}

func (d *MembershipPathDeriver) Derive(ctx context.Context, run RunContext, store EntityReader) ([]Entity, error) {
	edges, err := store.LoadExisting(ctx, d.edgeType())
	if err != nil {
		return nil, fmt.Errorf("derive %s: load membership edges: %w", d.outputType(), err)
	}

	// adjacency: member → directly joined groups
	direct := make(map[string][]string)
	for _, edge := range edges {
		member := stringField(edge, "memberId")
		group := stringField(edge, "groupId")
		if member == "" || group == "" {
			continue
		}
		direct[member] = append(direct[member], group)
	}
	for member := range direct {
		sort.Strings(direct[member])
	}

	members := make([]string, 0, len(direct))
	for member := range direct {
		members = append(members, member)
	}
	sort.Strings(members)

	out := make([]Entity, 0)
	for _, member := range members {
		for group, path := range d.reachableFrom(member, direct) {
			// direct memberships are already first-class edges; only
			// resolutions through at least one intermediate group are
			// derived
			if len(path) < 3 {
				continue
			}
			out = append(out, Entity{
				ID:   "tm|" + member + "|" + group,
				Type: d.outputType(),
				Fields: map[string]any{
					"memberId": member,
					"groupId":  group,
					"path":     toAnySlice(path),
					"depth":    len(path) - 1,
				},
				CollectedAt: run.Timestamp,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// reachableFrom runs a breadth-first traversal from member and returns
// the shortest membership path to every reachable group. Visited groups
// are never re-entered, so membership cycles terminate.
func (d *MembershipPathDeriver) reachableFrom(member string, direct map[string][]string) map[string][]string {
	paths := make(map[string][]string)
	type node struct {
		id   string
		path []string
	}

	queue := []node{{id: member, path: []string{member}}}
	visited := map[string]struct{}{member: {}}

	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		if len(head.path) > d.maxDepth() {
			continue
		}
		for _, group := range direct[head.id] {
			if _, seen := visited[group]; seen {
				continue
			}
			visited[group] = struct{}{}
			path := append(append([]string{}, head.path...), group)
			paths[group] = path
			queue = append(queue, node{id: group, path: path})
		}
	}
	return paths
}

func stringField(e Entity, name string) string {
	v, _ := e.Field(name).(string)
	return strings.TrimSpace(v)
}

func stringSliceField(e Entity, name string) []string {
	raw := e.Field(name)
	out := make([]string, 0)
	switch t := raw.(type) {
	case []string:
		out = append(out, t...)
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
