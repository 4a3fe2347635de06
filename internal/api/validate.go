package api

import (
    "errors"
    "net/url"
    "strings"

    "unibus/internal/model"
)

// knownEvents are the event types a subscription may name; "*" matches all.
var knownEvents = map[string]bool{
    "*":                   true,
    "swap.created":        true,
    "swap.accepted":       true,
    "swap.rejected":       true,
    "swap.cancelled":      true,
    "swap.expired":        true,
    "swap.pending_expiry": true,
    "swap.ended":          true,
}

func validateSubscription(req model.SubscriptionRequest) error {
    if req.URL == "" { return errors.New("url is required") }
    u, err := url.Parse(req.URL)
    if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
        return errors.New("url must be an absolute http(s) URL")
    }
    if len(req.Events) == 0 { return errors.New("events must name at least one event type") }
    for _, e := range req.Events {
        if !knownEvents[strings.TrimSpace(e)] {
            return errors.New("unknown event type: " + e)
        }
    }
    return nil
}
