package plan

import "fmt"

// Path locates a task inside a document.
type Path struct {
	Project  string
	Phase    string
	Position int
}

func (p Path) String() string {
	return fmt.Sprintf("%s/%s[%d]", p.Project, p.Phase, p.Position)
}

// Index maps task ids to their location in one decoded document. It holds
// pointers into that document, so mutating a looked-up task mutates the
// document.
type Index struct {
	tasks map[string]*Task
	paths map[string]Path
}

// BuildIndex walks the document once and indexes every task by id.
// Duplicate ids fail with ErrDuplicateTaskID instead of silently
// resolving to the first match.
func BuildIndex(d Document) (*Index, error) {
	idx := &Index{
		tasks: make(map[string]*Task),
		paths: make(map[string]Path),
	}
	var dupErr error
	d.Walk(func(path Path, t *Task) bool {
		if prev, ok := idx.paths[t.ID]; ok {
			dupErr = fmt.Errorf("%w: %q at %s and %s", ErrDuplicateTaskID, t.ID, prev, path)
			return false
		}
		idx.tasks[t.ID] = t
		idx.paths[t.ID] = path
		return true
	})
	if dupErr != nil {
		return nil, dupErr
	}
	return idx, nil
}

// Lookup returns the task with the given id.
func (idx *Index) Lookup(id string) (*Task, Path, bool) {
	t, ok := idx.tasks[id]
	if !ok {
		return nil, Path{}, false
	}
	return t, idx.paths[id], true
}

// Len returns the number of indexed tasks.
func (idx *Index) Len() int {
	return len(idx.tasks)
}
