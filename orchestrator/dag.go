package orchestrator

import "strings"

// ValidatePlan checks that a set of tasks forms a valid DAG: every
// depends_on entry names a task present in the same plan, and the
// depends_on relation is acyclic. The orchestrator must run this
// before admitting a plan into an ExecutionState.
func ValidatePlan(tasks []Task) error {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return wrapErr("ValidatePlan", t.TaskID, ErrUnknownDependency)
			}
		}
		for _, expr := range t.InputBindings {
			ref := bindingTaskID(expr)
			if ref == "" {
				continue // grammar errors are the resolver's to report
			}
			if !containsString(t.DependsOn, ref) {
				return wrapErr("ValidatePlan", t.TaskID, ErrBindingUndeclared)
			}
		}
	}

	visited := make(map[string]bool, len(tasks))
	onStack := make(map[string]bool, len(tasks))

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		for _, dep := range byID[id].DependsOn {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if onStack[dep] {
				return true
			}
		}
		onStack[id] = false
		return false
	}

	for _, t := range tasks {
		if !visited[t.TaskID] {
			if visit(t.TaskID) {
				return wrapErr("ValidatePlan", t.TaskID, ErrCyclicPlan)
			}
		}
	}
	return nil
}

// bindingTaskID extracts the referenced task id from a
// "$.<task_id>.<field>…" expression, or "" if expr doesn't follow the
// grammar. The full grammar check lives in the binding package; the
// validator only needs the leading id to enforce that every binding's
// source appears in depends_on.
func bindingTaskID(expr string) string {
	if !strings.HasPrefix(expr, "$.") {
		return ""
	}
	rest := strings.TrimPrefix(expr, "$.")
	if i := strings.IndexByte(rest, '.'); i > 0 {
		return rest[:i]
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
