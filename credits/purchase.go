package credits

import (
	"context"
	"time"
)

// CreditForPurchase issues credits bought through an external purchase
// system. The caller must be allowed to manage the user's credits on the
// system scope. reference is recorded as the public note.
func (e *Engine) CreditForPurchase(ctx context.Context, subject Subject, userID, quantity, validUntilUnix int64, reference string) (bool, error) {
	if err := e.RequireManageUser(ctx, subject, SystemScope, userID); err != nil {
		return false, err
	}

	validUntil := time.Unix(validUntilUnix, 0).In(e.loc)
	reason := NewReason(ReasonPurchase, map[string]any{"validuntil": e.formatDate(validUntil)})

	ctx = WithActor(ctx, subject.UserID)
	if _, err := e.IssueCredits(ctx, userID, quantity, validUntil, reason, PublicNote(reference)); err != nil {
		return false, err
	}
	return true, nil
}
