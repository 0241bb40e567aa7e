package migration

import (
	"fmt"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/pool"
)

// Action is what happens to one existing group. It is one of Persist,
// Remove or Update.
type Action interface {
	action()
}

// Persist keeps the group unchanged and assigns it to a worker.
type Persist struct {
	Affinity batch.WorkerIndex
}

// Remove drops the group. Its segment ids are returned for cleanup.
type Remove struct{}

// Update rewrites the group with buffered changes.
type Update struct {
	Affinity batch.WorkerIndex

	// Rows is the agent count of the group afterwards. The message batch is
	// resized to match; rows past the old count start zeroed.
	Rows int

	// Columns replaces whole agent columns. Each value holds Rows values of
	// the column's width.
	Columns map[string][]byte
}

func (Persist) action() {}
func (Remove) action() {}
func (Update) action() {}

// Creation describes a new group.
type Creation struct {
	Affinity batch.WorkerIndex
	Rows     int

	// Columns initializes agent columns; missing columns start zeroed.
	Columns map[string][]byte
}

// Plan describes how the groups of a state change between two steps. It has
// exactly one Action per existing group index. A Plan is applied once.
type Plan struct {
	Existing []Action
	Create   []Creation
}

// NumAgentsAfterExecution returns the number of agents st will hold after
// the plan is applied: the surviving existing rows plus the created rows.
func (p Plan) NumAgentsAfterExecution(st *pool.State) (int, error) {
	if err := p.validateShape(st); err != nil {
		return 0, err
	}
	n := 0
	for i, a := range p.Existing {
		switch a := a.(type) {
		case Persist:
			h, err := st.Agents.Batch(i)
			if err != nil {
				return 0, err
			}
			n += h.Rows()
		case Update:
			n += a.Rows
		case Remove:
		default:
			return 0, undefined(i, a)
		}
	}
	for _, c := range p.Create {
		n += c.Rows
	}
	return n, nil
}

func undefined(i int, a Action) error {
	return fmt.Errorf("%w: group %d has action %T", ErrUndefinedAction, i, a)
}

func (p Plan) validateShape(st *pool.State) error {
	if err := st.Validate(); err != nil {
		return err
	}
	if len(p.Existing) != st.Len() {
		return fmt.Errorf("%w: %d actions for %d groups", ErrPlanMismatch, len(p.Existing), st.Len())
	}
	return nil
}

// validate checks the plan against st and the agent schema before anything
// is touched, so that applying it can only fail on allocation.
func (p Plan) validate(st *pool.State, schema *batch.Schema) error {
	if err := p.validateShape(st); err != nil {
		return err
	}
	for i, a := range p.Existing {
		switch a := a.(type) {
		case Persist, Remove:
		case Update:
			if err := validateColumns(schema, a.Rows, a.Columns); err != nil {
				return fmt.Errorf("group %d: %w", i, err)
			}
		default:
			return undefined(i, a)
		}
	}
	for i, c := range p.Create {
		if err := validateColumns(schema, c.Rows, c.Columns); err != nil {
			return fmt.Errorf("creation %d: %w", i, err)
		}
	}
	return nil
}

func validateColumns(schema *batch.Schema, rows int, cols map[string][]byte) error {
	if rows < 0 {
		return fmt.Errorf("%w: %d rows", ErrInvalidRows, rows)
	}
	for name, data := range cols {
		_, f, ok := schema.Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %q", batch.ErrUnknownColumn, name)
		}
		if want := rows * f.ByteWidth(); len(data) != want {
			return fmt.Errorf("%w: column %q wants %d bytes, got %d", batch.ErrTypeMismatch, name, want, len(data))
		}
	}
	return nil
}
