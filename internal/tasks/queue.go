package tasks

import (
	"fmt"

	"crewly/internal/db"
)

// Queue is a point-in-time view of the open tasks for a project. Eligible
// tasks have no incomplete dependencies; Blocked maps the rest to the
// dependency IDs holding them back. Open holds both sets.
type Queue struct {
	Open     []*db.Task
	Eligible []*db.Task
	Blocked  map[string][]string
}

// BlockedBy returns the dependency IDs of t that are not completed. A
// dependency that names no known task blocks forever; it can never read
// as completed.
func BlockedBy(t *db.Task, byID map[string]*db.Task) []string {
	var blocked []string
	for _, depID := range t.Dependencies {
		dep, ok := byID[depID]
		if !ok || dep.Status != db.TaskCompleted {
			blocked = append(blocked, depID)
		}
	}
	return blocked
}

// Rebuild reads the open tasks for projectPath and splits them into
// eligible and blocked. Dependency statuses are resolved against every
// task in the project, not just the open ones.
func Rebuild(repo Repository, projectPath string) (*Queue, error) {
	all, err := repo.List(db.TaskFilter{ProjectPath: projectPath})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*db.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	if cycle := DetectCycle(all); cycle != nil {
		return nil, fmt.Errorf("circular dependency detected: %v", cycle)
	}

	q := &Queue{Blocked: make(map[string][]string)}
	for _, t := range all {
		if t.Status != db.TaskOpen {
			continue
		}
		q.Open = append(q.Open, t)
		if blocked := BlockedBy(t, byID); len(blocked) > 0 {
			q.Blocked[t.ID] = blocked
			continue
		}
		q.Eligible = append(q.Eligible, t)
	}
	return q, nil
}

// DetectCycle walks the dependency graph and returns one cycle as a task
// ID path, or nil when the graph is acyclic.
func DetectCycle(all []*db.Task) []string {
	byID := make(map[string]*db.Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	var cycle []string

	var dfs func(id string, path []string) bool
	dfs = func(id string, path []string) bool {
		t, ok := byID[id]
		if !ok {
			return false
		}
		visited[id] = true
		inStack[id] = true
		current := append(path, id)

		for _, depID := range t.Dependencies {
			if !visited[depID] {
				if dfs(depID, current) {
					return true
				}
			} else if inStack[depID] {
				start := 0
				for i, p := range current {
					if p == depID {
						start = i
						break
					}
				}
				cycle = append(current[start:], depID)
				return true
			}
		}

		inStack[id] = false
		return false
	}

	for _, t := range all {
		if !visited[t.ID] {
			if dfs(t.ID, nil) {
				return cycle
			}
		}
	}
	return nil
}
