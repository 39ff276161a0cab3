package graph

import "context"

type contextKey string

const userKey contextKey = "user"

// AnonymousUser is recorded when a mutation carries no user.
const AnonymousUser = "anonymous"

// WithUser attaches the acting user to ctx; mutations record it as
// CreatedBy/UpdatedBy.
func WithUser(ctx context.Context, user string) context.Context {
	if user == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, user)
}

// UserFrom returns the user attached by WithUser, or AnonymousUser.
func UserFrom(ctx context.Context) string {
	if v, ok := ctx.Value(userKey).(string); ok {
		return v
	}
	return AnonymousUser
}
