package model

import (
    "strings"
    "time"
)

// Core domain types for duty swap coordination.

// BusID identifies a bus. The zero value means the driver holds no duty
// ("reserved"). Boundary spellings like "none" or "unassigned" are
// normalized once via ParseBusID and never appear internally.
type BusID string

const Reserved BusID = ""

func (b BusID) IsReserved() bool { return b == Reserved }

// Label renders the id for API responses, spelling out the reserved state.
func (b BusID) Label() string {
    if b.IsReserved() { return "reserved" }
    return string(b)
}

// ParseBusID maps boundary sentinel spellings onto the Reserved zero value.
func ParseBusID(s string) BusID {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "", "reserved", "none", "unassigned":
        return Reserved
    }
    return BusID(strings.TrimSpace(s))
}

type Shift string

const (
    ShiftMorning Shift = "morning"
    ShiftEvening Shift = "evening"
    ShiftBoth    Shift = "both"
)

// Driver holds the identity and the current assignment pointer. Assignment
// fields are mutated only through swap lifecycle transitions (or explicit
// admin seeding), never directly.
type Driver struct {
    ID        string    `json:"id"`
    Name      string    `json:"name,omitempty"`
    Shift     Shift     `json:"shift,omitempty"`
    BusID     BusID     `json:"busId,omitempty"`
    RouteID   string    `json:"routeId,omitempty"`
    UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type SwapType string

const (
    // SwapAssignment is a one-way handoff: the target takes over the duty,
    // the originator becomes reserved.
    SwapAssignment SwapType = "assignment"
    // SwapExchange is a two-way swap of duties between the drivers.
    SwapExchange SwapType = "swap"
)

type SwapStatus string

const (
    StatusPending   SwapStatus = "pending"
    StatusAccepted  SwapStatus = "accepted"
    StatusRejected  SwapStatus = "rejected"
    StatusCancelled SwapStatus = "cancelled"
    StatusExpired   SwapStatus = "expired"
    StatusEnded     SwapStatus = "ended"
)

// Terminal reports whether the status admits no further transitions.
func (s SwapStatus) Terminal() bool {
    switch s {
    case StatusRejected, StatusCancelled, StatusExpired, StatusEnded:
        return true
    }
    return false
}

type PeriodKind string

const (
    PeriodFirstTrip PeriodKind = "first_trip"
    PeriodOneDay    PeriodKind = "one_day"
    PeriodTwoDays   PeriodKind = "two_days"
    PeriodCustom    PeriodKind = "custom"
)

// TimePeriod is the half-open interval [Start, End) during which an accepted
// swap is in effect.
type TimePeriod struct {
    Kind  PeriodKind `json:"kind"`
    Start time.Time  `json:"startTime"`
    End   time.Time  `json:"endTime"`
}

// SwapRequest is the central entity. FromPrevBusID/ToPrevBusID snapshot both
// drivers' assignments at accept time so that End restores exactly those
// values rather than recomputing from drifted current state.
type SwapRequest struct {
    ID             string     `json:"id"`
    FromDriverID   string     `json:"fromDriverId"`
    ToDriverID     string     `json:"toDriverId"`
    BusID          BusID      `json:"busId"`
    RouteID        string     `json:"routeId,omitempty"`
    SwapType       SwapType   `json:"swapType"`
    SecondaryBusID BusID      `json:"secondaryBusId,omitempty"`
    Period         TimePeriod `json:"timePeriod"`
    Status         SwapStatus `json:"status"`
    PendingExpiry  bool       `json:"pendingExpiry,omitempty"`
    Reason         string     `json:"reason,omitempty"`
    CreatedAt      time.Time  `json:"createdAt"`
    AcceptedAt     *time.Time `json:"acceptedAt,omitempty"`
    RejectedAt     *time.Time `json:"rejectedAt,omitempty"`
    FromPrevBusID  BusID      `json:"-"`
    ToPrevBusID    BusID      `json:"-"`
}

// SwapRequestIn is the creation payload.
type SwapRequestIn struct {
    ToDriverID string     `json:"toDriverId"`
    BusID      string     `json:"busId,omitempty"`
    RouteID    string     `json:"routeId,omitempty"`
    SwapType   SwapType   `json:"swapType"`
    Period     TimePeriod `json:"timePeriod"`
}

// AssignmentPatch seeds or clears a driver's duty (fleet administration).
type AssignmentPatch struct {
    BusID   string `json:"busId"`
    RouteID string `json:"routeId,omitempty"`
}

type SubscriptionRequest struct {
    URL    string   `json:"url"`
    Events []string `json:"events"`
    Secret string   `json:"secret"`
}

type Subscription struct {
    ID     string   `json:"id"`
    URL    string   `json:"url"`
    Events []string `json:"events"`
    Secret string   `json:"secret,omitempty"`
}
