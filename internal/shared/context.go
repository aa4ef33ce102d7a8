package shared

import (
	"context"
	"strings"
)

// PrincipalHeader carries the caller identity resolved by the fronting gateway.
const PrincipalHeader = "X-Principal-ID"

type principalContextKey struct{}

// ContextWithPrincipal stores the caller principal id in context.
func ContextWithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalContextKey{}, strings.TrimSpace(principalID))
}

// PrincipalFromContext extracts the caller principal id from context.
func PrincipalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(principalContextKey{}).(string)
	return id
}
