package store

import (
    "context"
    "errors"
    "time"

    "unibus/internal/model"
)

// Store is the persistence interface used by the swap manager, the sweeper
// and the API server. Transition methods re-validate their preconditions
// against current state before mutating (compare-and-swap discipline), so
// callers may act on stale reads and concurrent duplicates degrade to
// ErrAlreadyActed / ErrConflict instead of double-applying.
type Store interface {
    // Drivers & assignments
    GetDriver(ctx context.Context, driverID string) (model.Driver, error)
    ListDrivers(ctx context.Context, cursor string, limit int) ([]model.Driver, string, error)
    UpsertDriver(ctx context.Context, d model.Driver) error
    // SetAssignment seeds or clears a duty outside the swap lifecycle
    // (fleet administration). Fails with ErrConflict while the driver is
    // party to an accepted swap.
    SetAssignment(ctx context.Context, driverID string, busID model.BusID, routeID string) (model.Driver, error)

    // Swap requests
    CreateSwapRequest(ctx context.Context, req model.SwapRequest) (model.SwapRequest, error)
    GetSwapRequest(ctx context.Context, id string) (model.SwapRequest, error)
    ListSwapRequests(ctx context.Context, driverID string, status model.SwapStatus, cursor string, limit int) ([]model.SwapRequest, string, error)

    // Lifecycle transitions. Accept and End change the request and both
    // drivers' assignments as one atomic unit. Authorization (who may act)
    // lives in the swap manager; the store enforces state.
    AcceptSwap(ctx context.Context, id string, now time.Time) (model.SwapRequest, error)
    RejectSwap(ctx context.Context, id, reason string, now time.Time) (model.SwapRequest, error)
    CancelSwap(ctx context.Context, id string, now time.Time) (model.SwapRequest, error)
    EndSwap(ctx context.Context, id, reason string, now time.Time) (model.SwapRequest, error)

    // Sweeper support
    ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.SwapRequest, error)
    ExpireSwap(ctx context.Context, id string, now time.Time) (model.SwapRequest, error)
    ListElapsedAccepted(ctx context.Context, now time.Time, limit int) ([]model.SwapRequest, error)
    MarkPendingExpiry(ctx context.Context, id string, now time.Time) (model.SwapRequest, error)

    // Subscriptions
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, id string) error

    // Webhook deliveries
    EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error)
    RetryWebhookDelivery(ctx context.Context, id string) error
}

var (
    // ErrNotFound: unknown request or driver id.
    ErrNotFound = errors.New("not found")
    // ErrConflict: the transition would violate the single-outstanding-request
    // or single-active-swap invariant, or an assignment changed out of band.
    ErrConflict = errors.New("conflict")
    // ErrAlreadyActed: the request already left the state the transition
    // requires (lost race or stale client view).
    ErrAlreadyActed = errors.New("already acted")
    // ErrUnavailable: the backing store could not be reached in time.
    ErrUnavailable = errors.New("store unavailable")
)
