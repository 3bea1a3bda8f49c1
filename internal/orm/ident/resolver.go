// Package ident resolves placeholders into persisted identifiers: UUIDs are
// generated locally and sequence values are drawn in one batch per sequence.
package ident

import (
	"context"
	"sort"

	"github.com/conduit-lang/attrdb/internal/orm/delta"
	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SequenceAllocator draws n values from a named sequence in one request
type SequenceAllocator interface {
	Allocate(ctx context.Context, sequence string, n int) ([]int64, error)
}

// SequenceGroup is the placeholders drawing from one sequence, in enumeration order
type SequenceGroup struct {
	Sequence     string
	Placeholders []delta.Placeholder
}

// Groups partitions an IdentifierPlan by allocation path
type Groups struct {
	UUID      []delta.Placeholder
	Sequences []SequenceGroup
}

// Resolver assigns identifiers to placeholders
type Resolver struct {
	logger  *zap.Logger
	newUUID func() uuid.UUID
}

// Option configures a Resolver
type Option func(*Resolver)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithUUIDGenerator replaces uuid.New
func WithUUIDGenerator(gen func() uuid.UUID) Option {
	return func(r *Resolver) {
		r.newUUID = gen
	}
}

// NewResolver creates a resolver
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		logger:  zap.NewNop(),
		newUUID: uuid.New,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GroupBySequence partitions placeholders into the UUID group and one group per
// sequence, decided by the identity type of each placeholder's entity. Groups keep
// enumeration order, and sequence groups are ordered by first appearance.
func (r *Resolver) GroupBySequence(plan *delta.IdentifierPlan) (*Groups, error) {
	groups := &Groups{}
	index := make(map[string]int)

	for _, p := range plan.Placeholders {
		identity := p.Entity.Identity
		switch identity.Type {
		case schema.TypeUUIDIdentifier:
			groups.UUID = append(groups.UUID, p)
		case schema.TypeSequenceIdentifier:
			i, ok := index[identity.Sequence]
			if !ok {
				i = len(groups.Sequences)
				index[identity.Sequence] = i
				groups.Sequences = append(groups.Sequences, SequenceGroup{Sequence: identity.Sequence})
			}
			groups.Sequences[i].Placeholders = append(groups.Sequences[i].Placeholders, p)
		default:
			return nil, ormerr.Validationf(p.Ref.String(), identity.Key,
				"identity type %s cannot be allocated for a placeholder", identity.Type)
		}
	}

	return groups, nil
}

// Resolve assigns every placeholder exactly one identifier: a uuid.UUID for
// UUID identities and an int64 for sequence identities. Each sequence group
// costs exactly one Allocate call.
func (r *Resolver) Resolve(ctx context.Context, plan *delta.IdentifierPlan, alloc SequenceAllocator) (map[delta.TempID]interface{}, error) {
	groups, err := r.GroupBySequence(plan)
	if err != nil {
		return nil, err
	}

	resolved := make(map[delta.TempID]interface{}, plan.Len())
	for _, p := range groups.UUID {
		resolved[p.ID] = r.newUUID()
	}

	for _, g := range groups.Sequences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := len(g.Placeholders)
		if alloc == nil {
			return nil, &ormerr.SequenceAllocationError{Sequence: g.Sequence, Requested: n,
				Err: errNoAllocator}
		}

		values, err := alloc.Allocate(ctx, g.Sequence, n)
		if err != nil {
			return nil, &ormerr.SequenceAllocationError{Sequence: g.Sequence, Requested: n,
				Allocated: len(values), Err: err}
		}
		if len(values) < n {
			return nil, &ormerr.SequenceAllocationError{Sequence: g.Sequence, Requested: n,
				Allocated: len(values)}
		}

		sorted := append([]int64(nil), values...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for i, p := range g.Placeholders {
			resolved[p.ID] = sorted[i]
		}

		r.logger.Debug("allocated sequence batch",
			zap.String("sequence", g.Sequence),
			zap.Int("count", n),
			zap.Int64("first", sorted[0]),
			zap.Int64("last", sorted[n-1]))
	}

	return resolved, nil
}
