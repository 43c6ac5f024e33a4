package compiler

import (
	"fmt"
	"sort"

	"github.com/foundryhq/foundry/common/models"
	"github.com/foundryhq/foundry/common/ports"
)

// Validate checks a workflow document against the structural and typing
// rules. It returns all findings, not just the first.
func Validate(wf *models.Workflow) []Issue {
	if len(wf.Nodes) == 0 {
		return []Issue{{Code: IssueEmptyGraph, Message: "workflow has no nodes"}}
	}

	var issues []Issue
	byID := make(map[string]models.Node, len(wf.Nodes))
	var triggers []string
	executable := 0

	for _, n := range wf.Nodes {
		if _, dup := byID[n.ID]; dup {
			issues = append(issues, Issue{
				Code: IssueDuplicateNodeID, NodeID: n.ID,
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
			})
			continue
		}
		byID[n.ID] = n
		if !ports.Known(n.Kind) {
			issues = append(issues, Issue{
				Code: IssueUnknownKind, NodeID: n.ID,
				Message: fmt.Sprintf("node %q has unknown kind %q", n.ID, n.Kind),
			})
			continue
		}
		if n.Kind == ports.KindTrigger {
			triggers = append(triggers, n.ID)
		}
		if ports.Executable(n.Kind) {
			executable++
		}
	}

	if len(triggers) == 0 {
		issues = append(issues, Issue{Code: IssueNoTrigger, Message: "workflow has no trigger node"})
	} else if len(triggers) > 1 {
		issues = append(issues, Issue{
			Code:    IssueMultipleTriggers,
			Message: fmt.Sprintf("workflow has %d trigger nodes, want 1", len(triggers)),
		})
	}
	if executable == 0 {
		issues = append(issues, Issue{Code: IssueNoExecutableNode, Message: "workflow has no executable node"})
	}

	structureOK := true
	for _, e := range wf.Edges {
		src, srcOK := byID[e.Source]
		if !srcOK {
			issues = append(issues, Issue{
				Code: IssueUnknownNode, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.Source),
			})
			structureOK = false
		}
		dst, dstOK := byID[e.Target]
		if !dstOK {
			issues = append(issues, Issue{
				Code: IssueUnknownNode, EdgeID: e.ID,
				Message: fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.Target),
			})
			structureOK = false
		}
		if !srcOK || !dstOK {
			continue
		}
		if dst.Kind == ports.KindTrigger {
			issues = append(issues, Issue{
				Code: IssueTriggerHasIncoming, EdgeID: e.ID, NodeID: dst.ID,
				Message: fmt.Sprintf("edge %q targets trigger node %q", e.ID, dst.ID),
			})
		}
		if src.Kind == ports.KindEnd {
			issues = append(issues, Issue{
				Code: IssueEndHasOutgoing, EdgeID: e.ID, NodeID: src.ID,
				Message: fmt.Sprintf("edge %q leaves end node %q", e.ID, src.ID),
			})
		}
		issues = append(issues, checkEdgePorts(e, src, dst)...)
	}

	inputMapped := func(node, port string) bool {
		for _, e := range wf.Edges {
			if e.Target == node && e.TargetPort == port {
				return true
			}
		}
		return false
	}
	for _, n := range wf.Nodes {
		issues = append(issues, missingConfig(n, inputMapped)...)
	}

	// Transition targets must name existing nodes.
	for _, n := range wf.Nodes {
		tr, ok := parseTransitionConfig(n.Config)
		if !ok {
			continue
		}
		for _, target := range transitionTargets(tr) {
			if target == EndSentinel {
				continue
			}
			if _, exists := byID[target]; !exists {
				issues = append(issues, Issue{
					Code: IssueUnknownNode, NodeID: n.ID,
					Message: fmt.Sprintf("node %q transition targets unknown node %q", n.ID, target),
				})
			}
		}
	}

	// Shape analyses only make sense on a structurally sound graph.
	if structureOK && len(triggers) == 1 {
		adj := buildAdjacency(wf, byID)
		issues = append(issues, checkReachability(wf, triggers[0], adj)...)
		issues = append(issues, checkTermination(wf, byID, adj)...)
	}

	return issues
}

// Compile validates and, on success, builds the immutable Plan. The supplied
// initial context seeds the trigger's declared output ports.
func Compile(wf *models.Workflow, initialContext map[string]any) (*Plan, []Issue) {
	if issues := Validate(wf); len(issues) > 0 {
		return nil, issues
	}

	byID := make(map[string]models.Node, len(wf.Nodes))
	endNodes := make(map[string]bool)
	var triggerID string
	for _, n := range wf.Nodes {
		byID[n.ID] = n
		switch n.Kind {
		case ports.KindTrigger:
			triggerID = n.ID
		case ports.KindEnd:
			endNodes[n.ID] = true
		}
	}

	plan := &Plan{
		WorkflowID:      wf.ID,
		TriggerID:       triggerID,
		Adjacency:       buildAdjacency(wf, byID),
		PortMappings:    map[string]map[string]PortRef{},
		Transitions:     map[string]Transition{},
		EndMappings:     map[string]string{},
		EndTargets:      map[string]string{},
		InitialPortData: map[string]map[string]any{},
	}

	for _, n := range wf.Nodes {
		if ports.Executable(n.Kind) {
			plan.Executable = append(plan.Executable, NodeDescriptor{
				ID: n.ID, Kind: n.Kind, Config: n.Config,
			})
		}
	}

	for _, e := range wf.Edges {
		if endNodes[e.Target] {
			if _, ok := plan.EndTargets[e.Source]; !ok {
				plan.EndTargets[e.Source] = e.Target
			}
		}
		if e.SourcePort == "" || e.TargetPort == "" {
			continue
		}
		m, ok := plan.PortMappings[e.Target]
		if !ok {
			m = map[string]PortRef{}
			plan.PortMappings[e.Target] = m
		}
		m[e.TargetPort] = PortRef{Node: e.Source, Port: e.SourcePort}
	}

	resolveTarget := func(source, target string) string {
		if endNodes[target] {
			if _, taken := plan.EndTargets[source]; !taken {
				plan.EndTargets[source] = target
			}
			return EndSentinel
		}
		return target
	}

	compileNode := func(n models.Node) Transition {
		if raw, ok := parseTransitionConfig(n.Config); ok {
			return rewriteTransition(n.ID, raw, resolveTarget)
		}
		// Adjacency fallback: first declared edge wins; no edges means END.
		next := EndSentinel
		if targets := plan.Adjacency[n.ID]; len(targets) > 0 {
			next = resolveTarget(n.ID, targets[0])
		}
		return Transition{Kind: TransitionSimple, Target: next}
	}

	for _, n := range wf.Nodes {
		if n.Kind == ports.KindEnd {
			plan.EndMappings[n.ID] = n.ConfigString("targetStatus")
			continue
		}
		if n.Kind == ports.KindTrigger {
			plan.Transitions[n.ID] = compileNode(n)
			plan.InitialPortData[n.ID] = seedTriggerPorts(n, initialContext)
			if d, ok := n.Config["deadlineSeconds"].(float64); ok && d > 0 {
				plan.DeadlineSeconds = int(d)
			}
			continue
		}
		plan.Transitions[n.ID] = compileNode(n)
	}

	return plan, nil
}

func seedTriggerPorts(trigger models.Node, initialContext map[string]any) map[string]any {
	seeded := map[string]any{}
	for _, p := range trigger.DeclaredOutputs() {
		if v, ok := initialContext[p.ID]; ok {
			seeded[p.ID] = v
		}
	}
	return seeded
}

func buildAdjacency(wf *models.Workflow, byID map[string]models.Node) map[string][]string {
	adj := make(map[string][]string, len(wf.Nodes))
	seen := map[string]map[string]bool{}
	for _, e := range wf.Edges {
		if _, ok := byID[e.Source]; !ok {
			continue
		}
		if _, ok := byID[e.Target]; !ok {
			continue
		}
		if seen[e.Source] == nil {
			seen[e.Source] = map[string]bool{}
		}
		if seen[e.Source][e.Target] {
			continue
		}
		seen[e.Source][e.Target] = true
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

func checkEdgePorts(e models.Edge, src, dst models.Node) []Issue {
	if e.SourcePort == "" && e.TargetPort == "" {
		return nil
	}
	if e.SourcePort == "" || e.TargetPort == "" {
		return []Issue{{
			Code: IssuePortPairIncomplete, EdgeID: e.ID,
			Message: fmt.Sprintf("edge %q sets only one of sourcePort/targetPort", e.ID),
		}}
	}

	srcType, ok := outputType(src, e.SourcePort)
	if !ok {
		return []Issue{{
			Code: IssueUnknownPort, EdgeID: e.ID, NodeID: src.ID,
			Message: fmt.Sprintf("node %q has no output port %q", src.ID, e.SourcePort),
		}}
	}
	dstType, ok := inputType(dst, e.TargetPort)
	if !ok {
		return []Issue{{
			Code: IssueUnknownPort, EdgeID: e.ID, NodeID: dst.ID,
			Message: fmt.Sprintf("node %q has no input port %q", dst.ID, e.TargetPort),
		}}
	}
	if !ports.Compatible(srcType, dstType) {
		return []Issue{{
			Code: IssuePortTypeMismatch, EdgeID: e.ID,
			Message: fmt.Sprintf("edge %q: output %s.%s (%s) is not compatible with input %s.%s (%s)",
				e.ID, src.ID, e.SourcePort, srcType, dst.ID, e.TargetPort, dstType),
		}}
	}
	return nil
}

func outputType(n models.Node, port string) (ports.Type, bool) {
	schema, err := ports.PortsOf(n.Kind)
	if err != nil {
		return "", false
	}
	for _, p := range schema.Outputs {
		if p.ID == port {
			return p.Type, true
		}
	}
	if schema.DynamicOutputs {
		for _, p := range n.DeclaredOutputs() {
			if p.ID == port {
				return p.Type, true
			}
		}
		// Undeclared dynamic outputs resolve at runtime.
		return ports.TypeAny, true
	}
	return "", false
}

func inputType(n models.Node, port string) (ports.Type, bool) {
	schema, err := ports.PortsOf(n.Kind)
	if err != nil {
		return "", false
	}
	for _, p := range schema.Inputs {
		if p.ID == port {
			return p.Type, true
		}
	}
	return "", false
}

func missingConfig(n models.Node, inputMapped func(node, port string) bool) []Issue {
	need := func(key string) []Issue {
		if n.ConfigString(key) != "" {
			return nil
		}
		return []Issue{{
			Code: IssueMissingConfig, NodeID: n.ID,
			Message: fmt.Sprintf("node %q (%s) is missing required config %q", n.ID, n.Kind, key),
		}}
	}
	switch n.Kind {
	case ports.KindAgent:
		return need("prompt")
	case ports.KindDynamicAgent:
		return need("promptExpression")
	case ports.KindCommand:
		return need("command")
	case ports.KindDynamicCommand:
		return need("commandExpression")
	case ports.KindSlashCommand:
		return need("command")
	case ports.KindEval:
		return need("source")
	case ports.KindLLM:
		// model is optional: the provider client falls back to its
		// configured default.
		if mode := n.ConfigString("outputMode"); mode != "" && mode != "text" && mode != "json" {
			return []Issue{{
				Code: IssueMissingConfig, NodeID: n.ID,
				Message: fmt.Sprintf("node %q has invalid outputMode %q", n.ID, mode),
			}}
		}
	case ports.KindHTTP:
		if n.ConfigString("url") == "" && !inputMapped(n.ID, "url") {
			return []Issue{{
				Code: IssueMissingConfig, NodeID: n.ID,
				Message: fmt.Sprintf("node %q (http) needs a url config or a mapped url input", n.ID),
			}}
		}
	}
	return nil
}

// checkReachability flags nodes the trigger cannot reach.
func checkReachability(wf *models.Workflow, triggerID string, adj map[string][]string) []Issue {
	visited := map[string]bool{triggerID: true}
	queue := []string{triggerID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	var issues []Issue
	for _, n := range wf.Nodes {
		if !visited[n.ID] {
			issues = append(issues, Issue{
				Code: IssueUnreachableNode, NodeID: n.ID,
				Message: fmt.Sprintf("node %q is not reachable from the trigger", n.ID),
			})
		}
	}
	return issues
}

// checkTermination finds strongly connected components and flags every cycle
// that has no forward path to an end node or to a node without outgoing
// edges.
func checkTermination(wf *models.Workflow, byID map[string]models.Node, adj map[string][]string) []Issue {
	order := make([]string, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		order = append(order, n.ID)
	}

	terminal := func(id string) bool {
		return byID[id].Kind == ports.KindEnd || len(adj[id]) == 0
	}

	var issues []Issue
	for _, scc := range stronglyConnected(order, adj) {
		cyclic := len(scc) > 1
		if !cyclic {
			for _, t := range adj[scc[0]] {
				if t == scc[0] {
					cyclic = true
					break
				}
			}
		}
		if !cyclic {
			continue
		}
		if !reachesTerminal(scc, adj, terminal) {
			members := append([]string(nil), scc...)
			sort.Strings(members)
			issues = append(issues, Issue{
				Code:   IssueNoPathToEnd,
				NodeID: members[0],
				Message: fmt.Sprintf("cycle %v has no path to an end node or a terminal node", members),
			})
		}
	}
	return issues
}

// stronglyConnected is Tarjan's algorithm over the adjacency map; order fixes
// the visit sequence for determinism.
func stronglyConnected(order []string, adj map[string][]string) [][]string {
	index := make(map[string]int, len(order))
	low := make(map[string]int, len(order))
	onStack := make(map[string]bool, len(order))
	var stack []string
	var sccs [][]string
	counter := 0

	var strong func(v string)
	strong = func(v string) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := index[w]; !seen {
				strong(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && index[w] < low[v] {
				low[v] = index[w]
			}
		}

		if low[v] == index[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, v := range order {
		if _, seen := index[v]; !seen {
			strong(v)
		}
	}
	return sccs
}

func reachesTerminal(from []string, adj map[string][]string, terminal func(string) bool) bool {
	visited := map[string]bool{}
	queue := append([]string(nil), from...)
	for _, v := range queue {
		visited[v] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if terminal(cur) {
			return true
		}
		for _, next := range adj[cur] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// parseTransitionConfig reads a node's configured transition block.
func parseTransitionConfig(cfg map[string]any) (Transition, bool) {
	raw, ok := cfg["transition"].(map[string]any)
	if !ok {
		return Transition{}, false
	}
	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	t := Transition{Kind: TransitionKind(str("type"))}
	switch t.Kind {
	case TransitionSimple:
		t.Target = str("target")
	case TransitionConditional:
		t.Path = str("path")
		t.Then = str("then")
		t.Else = str("else")
	case TransitionSwitch:
		t.Path = str("path")
		t.Default = str("default")
		if cases, ok := raw["cases"].(map[string]any); ok {
			t.Cases = make(map[string]string, len(cases))
			for k, v := range cases {
				if s, ok := v.(string); ok {
					t.Cases[k] = s
				}
			}
		}
	case TransitionFunction:
		t.Source = str("source")
	default:
		return Transition{}, false
	}
	return t, true
}

// transitionTargets lists every node id a transition can select, in a
// deterministic order.
func transitionTargets(t Transition) []string {
	var targets []string
	add := func(s string) {
		if s != "" {
			targets = append(targets, s)
		}
	}
	add(t.Target)
	add(t.Then)
	add(t.Else)
	add(t.Default)
	keys := make([]string, 0, len(t.Cases))
	for k := range t.Cases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(t.Cases[k])
	}
	return targets
}

func rewriteTransition(source string, t Transition, resolve func(source, target string) string) Transition {
	switch t.Kind {
	case TransitionSimple:
		t.Target = resolve(source, t.Target)
	case TransitionConditional:
		t.Then = resolve(source, t.Then)
		t.Else = resolve(source, t.Else)
	case TransitionSwitch:
		rewritten := make(map[string]string, len(t.Cases))
		keys := make([]string, 0, len(t.Cases))
		for k := range t.Cases {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rewritten[k] = resolve(source, t.Cases[k])
		}
		t.Cases = rewritten
		if t.Default != "" {
			t.Default = resolve(source, t.Default)
		}
	case TransitionFunction:
		// Function sources resolve at runtime; end-node targets are mapped
		// by the interpreter through EndTargets built from adjacency.
	}
	return t
}
