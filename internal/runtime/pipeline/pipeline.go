// Package pipeline composes named middlewares into a handler chain whose
// order is resolved once, when the pipeline is built.
package pipeline

import (
	"context"
	"fmt"
	"slices"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/ordering"
)

// Next continues the chain. A middleware may call it zero, one or many times.
type Next func(ctx context.Context) error

// Handler is the terminal step of a pipeline.
type Handler func(ctx context.Context, mc *MessageContext) error

// Middleware wraps the remainder of the chain.
type Middleware func(ctx context.Context, mc *MessageContext, next Next) error

// Component is a named middleware with its ordering directives.
type Component struct {
	Name       string
	Middleware Middleware
	Directives []ordering.Directive
}

// Pipeline is an ordered, immutable middleware chain.
type Pipeline struct {
	order       []string
	middlewares []Middleware
}

// Build orders components. Cycles, duplicate names and missing requirements
// surface as configuration errors.
func Build(components ...Component) (*Pipeline, error) {
	nodes := make([]ordering.Node, len(components))
	byName := make(map[string]Middleware, len(components))
	for i, c := range components {
		if c.Middleware == nil {
			return nil, errspkg.NewConfigurationError("middleware %q has no function", c.Name)
		}
		nodes[i] = ordering.Node{Name: c.Name, Directives: c.Directives}
		byName[c.Name] = c.Middleware
	}

	order, err := ordering.Sort(nodes)
	if err != nil {
		return nil, fmt.Errorf("order middlewares: %w", err)
	}

	p := &Pipeline{order: order, middlewares: make([]Middleware, len(order))}
	for i, name := range order {
		p.middlewares[i] = byName[name]
	}
	return p, nil
}

// Order returns the resolved middleware names, outermost first.
func (p *Pipeline) Order() []string {
	return slices.Clone(p.order)
}

// Then wraps h with every middleware. The first middleware in Order runs
// outermost.
func (p *Pipeline) Then(h Handler) Handler {
	wrapped := h
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		mw, inner := p.middlewares[i], wrapped
		wrapped = func(ctx context.Context, mc *MessageContext) error {
			return mw(ctx, mc, func(ctx context.Context) error {
				return inner(ctx, mc)
			})
		}
	}
	return wrapped
}
