// Package save turns a delta into ordered writes and runs them in one transaction.
package save

import (
	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/dependency"
	"github.com/conduit-lang/attrdb/internal/orm/ownership"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
)

// Program is everything needed to write one delta, computed without touching the database
type Program struct {
	Plan       *delta.Plan
	Resolution *ownership.Resolution

	// Inserts are ordered so every row follows the rows its foreign keys point at
	Inserts []*delta.Operation
}

// Compile plans the delta, resolves foreign key ownership and orders the inserts.
// Every error is a validation or dependency error.
func Compile(registry *schema.Registry, d *delta.Delta) (*Program, error) {
	plan, err := delta.NewPlanner(registry).Plan(d)
	if err != nil {
		return nil, err
	}

	res, err := ownership.NewEngine(registry).Resolve(plan)
	if err != nil {
		return nil, err
	}

	inserts := plan.Inserts()
	refs := make([]delta.EntityRef, len(inserts))
	for i, op := range inserts {
		refs[i] = op.Ref
	}
	ordered, err := dependency.Order(refs, res.Edges)
	if err != nil {
		return nil, err
	}

	program := &Program{Plan: plan, Resolution: res}
	for _, ref := range ordered {
		op, _ := plan.Operation(ref)
		program.Inserts = append(program.Inserts, op)
	}
	return program, nil
}

// Database returns the logical database the program writes to
func (p *Program) Database() string {
	return p.Plan.Database
}

// Empty returns true if the program writes nothing
func (p *Program) Empty() bool {
	return len(p.Plan.Operations) == 0
}
