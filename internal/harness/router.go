package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/ship-commander/parley/internal/debate"
)

// Router sends each request to the invoker configured for its role.
type Router struct {
	routes map[debate.Role]Invoker
}

// NewRouter routes role A to a and role B to b.
func NewRouter(a, b Invoker) (*Router, error) {
	if a == nil {
		return nil, errors.New("invoker for role A is required")
	}
	if b == nil {
		return nil, errors.New("invoker for role B is required")
	}
	return &Router{routes: map[debate.Role]Invoker{
		debate.RoleA: a,
		debate.RoleB: b,
	}}, nil
}

// Invoke implements Invoker.
func (r *Router) Invoke(ctx context.Context, req Request) (Response, error) {
	invoker, ok := r.routes[req.Role]
	if !ok {
		return Response{}, fmt.Errorf("no invoker configured for role %q", req.Role)
	}
	return invoker.Invoke(ctx, req)
}

var _ Invoker = (*Router)(nil)
