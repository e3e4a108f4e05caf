// Package plan defines the shared plan document (projects, phases, tasks)
// and the rules for mutating its tasks.
//
// The document is the only object planhub persists. It is stored as JSON
// under a single key and always replaced as a whole, so every reader sees
// either the full pre-write or the full post-write document.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusBlocked    Status = "BLOCKED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Task is a single unit of work. Field names are part of the wire format.
type Task struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Progress int    `json:"progress" yaml:"progress"`
	Status   Status `json:"status" yaml:"status"`
}

// Phase groups an ordered list of tasks.
type Phase struct {
	Name  string  `json:"name" yaml:"name"`
	Tasks []*Task `json:"tasks" yaml:"tasks"`
}

// Project groups phases by key.
type Project struct {
	Name   string            `json:"name" yaml:"name"`
	Accent string            `json:"accent" yaml:"accent"`
	Phases map[string]*Phase `json:"phases" yaml:"phases"`
}

// Document maps project keys to projects.
type Document map[string]*Project

var (
	// ErrInvalidStatus is returned for status values outside the enum.
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrEmptyDocument is returned when decoding a null or empty document.
	ErrEmptyDocument = errors.New("empty plan document")

	// ErrDuplicateTaskID is returned when two tasks share an id.
	ErrDuplicateTaskID = errors.New("duplicate task id")
)

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for pk, p := range d {
		if p == nil {
			out[pk] = nil
			continue
		}
		np := &Project{Name: p.Name, Accent: p.Accent, Phases: make(map[string]*Phase, len(p.Phases))}
		for phk, ph := range p.Phases {
			if ph == nil {
				np.Phases[phk] = nil
				continue
			}
			nph := &Phase{Name: ph.Name, Tasks: make([]*Task, len(ph.Tasks))}
			for i, t := range ph.Tasks {
				if t != nil {
					c := *t
					nph.Tasks[i] = &c
				}
			}
			np.Phases[phk] = nph
		}
		out[pk] = np
	}
	return out
}

// TaskCount returns the number of tasks across all projects and phases.
func (d Document) TaskCount() int {
	n := 0
	for _, p := range d {
		if p == nil {
			continue
		}
		for _, ph := range p.Phases {
			if ph != nil {
				n += len(ph.Tasks)
			}
		}
	}
	return n
}

// Walk calls fn for every task in document iteration order: projects and
// phases by sorted key, tasks in sequence order. Walk stops when fn
// returns false.
func (d Document) Walk(fn func(path Path, t *Task) bool) {
	for _, pk := range sortedKeys(d) {
		p := d[pk]
		if p == nil {
			continue
		}
		for _, phk := range sortedKeys(p.Phases) {
			ph := p.Phases[phk]
			if ph == nil {
				continue
			}
			for i, t := range ph.Tasks {
				if t == nil {
					continue
				}
				if !fn(Path{Project: pk, Phase: phk, Position: i}, t) {
					return
				}
			}
		}
	}
}

// Encode serializes the document to its persisted JSON form.
func Encode(d Document) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding plan document: %w", err)
	}
	return data, nil
}

// Decode parses a persisted document. It fails on malformed JSON, on an
// empty document and on structurally invalid content (nil entries,
// unknown statuses, progress outside [0,100]). Duplicate ids are not
// checked here; BuildIndex reports them.
func Decode(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding plan document: %w", err)
	}
	if len(d) == 0 {
		return nil, ErrEmptyDocument
	}
	if err := validateStructure(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks structure and id uniqueness.
func Validate(d Document) error {
	if len(d) == 0 {
		return ErrEmptyDocument
	}
	if err := validateStructure(d); err != nil {
		return err
	}
	_, err := BuildIndex(d)
	return err
}

func validateStructure(d Document) error {
	for pk, p := range d {
		if p == nil {
			return fmt.Errorf("project %q is null", pk)
		}
		for phk, ph := range p.Phases {
			if ph == nil {
				return fmt.Errorf("phase %s/%s is null", pk, phk)
			}
			for i, t := range ph.Tasks {
				if t == nil {
					return fmt.Errorf("task %s/%s[%d] is null", pk, phk, i)
				}
				if t.ID == "" {
					return fmt.Errorf("task %s/%s[%d] has no id", pk, phk, i)
				}
				if !t.Status.Valid() {
					return fmt.Errorf("task %s: %w: %q", t.ID, ErrInvalidStatus, t.Status)
				}
				if t.Progress < MinProgress || t.Progress > MaxProgress {
					return fmt.Errorf("task %s: progress %d out of range", t.ID, t.Progress)
				}
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
