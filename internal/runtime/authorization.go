package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/pipeline"
)

// Authorizer decides whether an inbound message may be handled.
type Authorizer interface {
	Authorize(ctx context.Context, env *envelope.Envelope) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, env *envelope.Envelope) error

func (f AuthorizerFunc) Authorize(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// HeaderAuthorizer checks the authorization header that travels with a
// conversation.
type HeaderAuthorizer struct {
	// Schemes lists the accepted schemes, compared case-insensitively. Empty
	// accepts any scheme.
	Schemes []string
	// Verify validates the credentials. Nil accepts any credentials.
	Verify func(ctx context.Context, header envelope.AuthorizationHeader) error
	// AllowAnonymous lets messages without the header through.
	AllowAnonymous bool
}

func (a HeaderAuthorizer) Authorize(ctx context.Context, env *envelope.Envelope) error {
	header, ok := envelope.Find[envelope.AuthorizationHeader](env.Headers())
	if !ok {
		if a.AllowAnonymous {
			return nil
		}
		return errors.New("missing authorization header")
	}
	if len(a.Schemes) > 0 && !slices.ContainsFunc(a.Schemes, func(s string) bool {
		return strings.EqualFold(s, header.Scheme)
	}) {
		return fmt.Errorf("scheme %q is not accepted", header.Scheme)
	}
	if a.Verify != nil {
		return a.Verify(ctx, header)
	}
	return nil
}

func authorizationMiddleware(authorizer Authorizer) pipeline.Middleware {
	return func(ctx context.Context, mc *pipeline.MessageContext, next pipeline.Next) error {
		if err := authorizer.Authorize(ctx, mc.Envelope); err != nil {
			if errors.Is(err, errspkg.ErrUnauthorized) {
				return err
			}
			return fmt.Errorf("%w: %s: %w", errspkg.ErrUnauthorized, mc.Envelope.ReflectedType(), err)
		}
		return next(ctx)
	}
}
