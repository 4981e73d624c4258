package workflow

import "fmt"

// Workflow is an ordered collection of tasks added by a campaign plan phase.
// Construction validates ids and dependencies eagerly so a bad plan fails
// before anything reaches the state store.
type Workflow struct {
	// ID groups the tasks of one plan round.
	ID string

	tasks []*Task
	index map[string]*Task
}

// New creates an empty workflow.
func New(id string) *Workflow {
	return &Workflow{ID: id, index: make(map[string]*Task)}
}

// AddTask appends a task, rejecting duplicate ids. Dependencies may name
// task ids outside this workflow: campaigns chain rounds by depending on
// tasks planned earlier, and the step loop treats a dependency absent
// from the run as satisfied.
func (w *Workflow) AddTask(t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.Kind == "" {
		t.Kind = KindTask
	}
	if _, ok := w.index[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	w.tasks = append(w.tasks, t)
	w.index[t.ID] = t
	return nil
}

// Tasks returns the tasks in insertion order.
func (w *Workflow) Tasks() []*Task {
	out := make([]*Task, len(w.tasks))
	copy(out, w.tasks)
	return out
}

// Get returns the task with the given id, or nil.
func (w *Workflow) Get(id string) *Task { return w.index[id] }

// Len returns the number of tasks.
func (w *Workflow) Len() int { return len(w.tasks) }

// Sorted returns the tasks in deterministic topological order: Kahn's
// algorithm with ties broken by insertion order. Dependencies on task ids
// outside the workflow do not constrain the order; cycles among the
// workflow's own tasks are an error.
func (w *Workflow) Sorted() ([]*Task, error) {
	indegree := make(map[string]int, len(w.tasks))
	dependents := make(map[string][]string, len(w.tasks))
	for _, t := range w.tasks {
		indegree[t.ID] += 0
		for _, dep := range t.Dependencies {
			if _, ok := w.index[dep]; !ok {
				continue
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []*Task
	for _, t := range w.tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t)
		}
	}

	out := make([]*Task, 0, len(w.tasks))
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		out = append(out, t)
		for _, depID := range dependents[t.ID] {
			indegree[depID]--
			if indegree[depID] == 0 {
				// Preserve insertion order among newly ready tasks.
				queue = insertByPosition(queue, w, depID)
			}
		}
	}
	if len(out) != len(w.tasks) {
		return nil, fmt.Errorf("%w in workflow %s", ErrDependencyCycle, w.ID)
	}
	return out, nil
}

func insertByPosition(queue []*Task, w *Workflow, id string) []*Task {
	t := w.index[id]
	pos := w.position(id)
	for i, q := range queue {
		if w.position(q.ID) > pos {
			queue = append(queue[:i], append([]*Task{t}, queue[i:]...)...)
			return queue
		}
	}
	return append(queue, t)
}

func (w *Workflow) position(id string) int {
	for i, t := range w.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
