package soar

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// graphCacheSize bounds the number of compiled playbook versions kept in memory.
const graphCacheSize = 256

// ActionLookup answers whether an action id is registered. The registry
// satisfies it; tests substitute their own.
type ActionLookup interface {
	Has(actionID string) bool
}

// Graph is the compiled, validated form of a playbook's steps. Step ids
// are interned to indices once at compile time so the executor walks
// integer adjacency lists instead of re-resolving string ids per run.
type Graph struct {
	steps   []*Step
	index   map[string]int
	next    [][]int // successors via Next
	other   [][]int // successors via Else (condition false branch)
	preds   [][]int // union of incoming edges
	entries []int   // steps with no incoming edges, in declaration order
	total   int     // steps reachable from entries
}

// Len returns the number of steps in the graph.
func (g *Graph) Len() int { return len(g.steps) }

// Total returns the number of steps reachable from the entry set.
func (g *Graph) Total() int { return g.total }

// Step returns the step at the given compiled index.
func (g *Graph) Step(i int) *Step { return g.steps[i] }

// Entries returns the entry step indices.
func (g *Graph) Entries() []int { return g.entries }

// CompileGraph validates a playbook and builds its step graph. All
// structural problems are collected and returned together as
// *ValidationErrors.
func CompileGraph(p *Playbook, actions ActionLookup) (*Graph, error) {
	var errs []*ValidationError
	addErr := func(stepID, field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{StepID: stepID, Field: field, Msg: fmt.Sprintf(format, args...)})
	}

	if len(p.Steps) == 0 {
		addErr("", "steps", "playbook has no steps")
		return nil, &ValidationErrors{Errors: errs}
	}
	if p.OnError != "" && !p.OnError.IsValid() {
		addErr("", "on_error", "unknown policy %q", p.OnError)
	}
	if p.Trigger.Type != "" && !p.Trigger.Type.IsValid() {
		addErr("", "trigger.type", "unknown trigger type %q", p.Trigger.Type)
	}
	if p.Trigger.Where != "" {
		if _, err := ParseCondition(p.Trigger.Where); err != nil {
			addErr("", "trigger.where", "invalid condition: %v", err)
		}
	}

	g := &Graph{
		steps: make([]*Step, 0, len(p.Steps)),
		index: make(map[string]int, len(p.Steps)),
	}
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			addErr("", "steps", "step at position %d has an empty id", i)
			continue
		}
		if _, dup := g.index[s.ID]; dup {
			addErr(s.ID, "id", "duplicate step id")
			continue
		}
		g.index[s.ID] = len(g.steps)
		g.steps = append(g.steps, s)
	}

	for _, s := range g.steps {
		if !s.Type.IsValid() {
			addErr(s.ID, "type", "unknown step type %q", s.Type)
			continue
		}
		switch s.Type {
		case StepTypeAction:
			if s.ActionID == "" {
				addErr(s.ID, "action_id", "action step requires an action id")
			} else if actions != nil && !actions.Has(s.ActionID) {
				addErr(s.ID, "action_id", "unknown action %q", s.ActionID)
			}
		case StepTypeCondition:
			if s.ActionID != "" {
				addErr(s.ID, "action_id", "condition step must not reference an action")
			}
			if s.Condition == "" {
				addErr(s.ID, "condition", "condition step requires an expression")
			}
			if len(s.Next) == 0 {
				addErr(s.ID, "next", "condition step requires at least one successor on the true branch")
			}
		case StepTypeFork:
			if len(s.Next) < 2 {
				addErr(s.ID, "next", "fork step requires at least two branches, got %d", len(s.Next))
			}
			if s.Condition != "" {
				addErr(s.ID, "condition", "fork step must not carry a guard")
			}
		}
		if s.Type != StepTypeCondition && len(s.Else) > 0 {
			addErr(s.ID, "else", "else branch is only valid on condition steps")
		}
		if s.Condition != "" && s.Type != StepTypeFork {
			if _, err := ParseCondition(s.Condition); err != nil {
				addErr(s.ID, "condition", "invalid condition: %v", err)
			}
		}
		if s.OnError != "" && !s.OnError.IsValid() {
			addErr(s.ID, "on_error", "unknown policy %q", s.OnError)
		}
		if s.Retry != nil {
			if s.Retry.MaxRetries < 0 {
				addErr(s.ID, "retry.max_retries", "must not be negative")
			}
			if s.Retry.BackoffMultiplier < 1 && s.Retry.BackoffMultiplier != 0 {
				addErr(s.ID, "retry.backoff_multiplier", "must be at least 1")
			}
		}
		if s.Timeout < 0 {
			addErr(s.ID, "timeout", "must not be negative")
		}
		if s.Compensation != nil {
			if s.Compensation.ActionID == "" {
				addErr(s.ID, "compensation.action_id", "compensation requires an action id")
			} else if actions != nil && !actions.Has(s.Compensation.ActionID) {
				addErr(s.ID, "compensation.action_id", "unknown action %q", s.Compensation.ActionID)
			}
		}
	}

	n := len(g.steps)
	g.next = make([][]int, n)
	g.other = make([][]int, n)
	g.preds = make([][]int, n)
	indegree := make([]int, n)

	addEdge := func(from int, targets []string, field string, out *[]int) {
		seen := make(map[int]bool, len(targets))
		for _, id := range targets {
			to, ok := g.index[id]
			if !ok {
				addErr(g.steps[from].ID, field, "references unknown step %q", id)
				continue
			}
			if to == from {
				addErr(g.steps[from].ID, field, "step references itself")
				continue
			}
			if seen[to] {
				continue
			}
			seen[to] = true
			*out = append(*out, to)
			g.preds[to] = append(g.preds[to], from)
			indegree[to]++
		}
	}
	for i, s := range g.steps {
		addEdge(i, s.Next, "next", &g.next[i])
		addEdge(i, s.Else, "else", &g.other[i])
	}

	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			g.entries = append(g.entries, i)
		}
	}
	if len(g.entries) == 0 && n > 0 {
		addErr("", "steps", "no entry steps: every step is referenced by another (graph is cyclic)")
	}

	if cyclic, at := g.findCycle(); cyclic {
		addErr(g.steps[at].ID, "next", "step graph contains a cycle through this step")
	}

	// Reachability from the entries; unreachable steps are rejected so a
	// playbook cannot carry dead branches that never run.
	reachable := make([]bool, n)
	stack := append([]int(nil), g.entries...)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[i] {
			continue
		}
		reachable[i] = true
		g.total++
		stack = append(stack, g.next[i]...)
		stack = append(stack, g.other[i]...)
	}
	for i := 0; i < n; i++ {
		if !reachable[i] {
			addErr(g.steps[i].ID, "next", "step is unreachable from any entry step")
		}
	}

	if len(errs) > 0 {
		return nil, &ValidationErrors{Errors: errs}
	}
	return g, nil
}

// findCycle runs a three-color DFS over all edges and reports the first
// step found on a back edge.
func (g *Graph) findCycle() (bool, int) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.steps))
	var cycleAt int
	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		for _, succ := range append(append([]int(nil), g.next[i]...), g.other[i]...) {
			switch color[succ] {
			case gray:
				cycleAt = succ
				return true
			case white:
				if visit(succ) {
					return true
				}
			}
		}
		color[i] = black
		return false
	}
	for i := range g.steps {
		if color[i] == white && visit(i) {
			return true, cycleAt
		}
	}
	return false, 0
}

// GraphCache memoizes compiled graphs keyed by playbook id and version.
// Versions are immutable once stored, so entries never invalidate.
type GraphCache struct {
	cache   *lru.Cache[string, *Graph]
	actions ActionLookup
}

// NewGraphCache builds a cache that compiles against the given action set.
func NewGraphCache(actions ActionLookup) *GraphCache {
	c, _ := lru.New[string, *Graph](graphCacheSize)
	return &GraphCache{cache: c, actions: actions}
}

// Get returns the compiled graph for a playbook version, compiling on miss.
func (gc *GraphCache) Get(p *Playbook) (*Graph, error) {
	key := fmt.Sprintf("%s@%d", p.ID, p.Version)
	if g, ok := gc.cache.Get(key); ok {
		return g, nil
	}
	g, err := CompileGraph(p, gc.actions)
	if err != nil {
		return nil, err
	}
	gc.cache.Add(key, g)
	return g, nil
}
