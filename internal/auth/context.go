package auth

import "context"

type contextKey string

const userContextKey contextKey = "user"

// WithClaims attaches parsed claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// ClaimsFromContext retrieves claims previously attached with WithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(userContextKey).(*Claims)
	return claims, ok
}
