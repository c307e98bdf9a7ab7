package auth

import "context"

type ctxKey struct{}

func WithUser(ctx context.Context, user Profile) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

// UserFromContext returns the identity attached by Middleware.
func UserFromContext(ctx context.Context) (Profile, bool) {
	user, ok := ctx.Value(ctxKey{}).(Profile)
	return user, ok
}
