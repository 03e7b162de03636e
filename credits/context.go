package credits

import "context"

type actorKey struct{}

// WithActor returns a context carrying the id of the user performing
// ledger operations. Transactions record it as ActingUserID.
func WithActor(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the acting user, or SystemUserID when none is set.
func ActorFrom(ctx context.Context) int64 {
	if id, ok := ctx.Value(actorKey{}).(int64); ok {
		return id
	}
	return SystemUserID
}
