package credits

import "context"

// Notification kinds sent by the engine.
const (
	NotifyCreditsExpired = "credits_expired"
	NotifyExpiryNotice   = "expiry_notice"
	NotifyExpiredRefund  = "expired_refund"
)

// Notifier delivers a templated message to a user. The engine treats
// delivery as fire-and-forget: errors are logged, never propagated.
type Notifier interface {
	Notify(ctx context.Context, recipientID int64, kind string, args map[string]any) error
}

// ManagerDirectory lists the users told about refunds that could not be
// returned to a usable balance.
type ManagerDirectory interface {
	Managers(ctx context.Context) ([]int64, error)
}

// StaticManagers is a fixed list of manager user ids.
type StaticManagers []int64

func (m StaticManagers) Managers(context.Context) ([]int64, error) {
	return append([]int64(nil), m...), nil
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, int64, string, map[string]any) error { return nil }
