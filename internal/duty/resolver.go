// Package duty computes assignment outcomes for swap transitions. It is
// pure: no persistence, no clocks. The store applies its results inside a
// transaction.
package duty

import "unibus/internal/model"

// Pair is the assignment outcome for the two parties of a swap: what the
// originator and the target drive after the transition is applied.
type Pair struct {
    FromBus model.BusID
    ToBus   model.BusID
}

// Resolve computes the assignments to apply when a request is accepted.
// offered is the duty the originator holds (the request's busId); targetBus
// is the target driver's current assignment, possibly Reserved.
//
// assignment type: the target takes over the offered bus, the originator
// becomes reserved. swap type: the originator takes the target's prior bus
// (or becomes reserved if the target held none).
func Resolve(offered, targetBus model.BusID, typ model.SwapType) Pair {
    p := Pair{ToBus: offered, FromBus: model.Reserved}
    if typ == model.SwapExchange {
        p.FromBus = targetBus
    }
    return p
}

// Restore is the inverse transform: both drivers return to the assignments
// snapshotted at accept time. Using the snapshot rather than recomputing from
// current state keeps sequences of swaps on the same bus from drifting.
func Restore(fromPrev, toPrev model.BusID) Pair {
    return Pair{FromBus: fromPrev, ToBus: toPrev}
}

// Applied reports the assignments both drivers are expected to hold while the
// request is in effect; End verifies current state against this before
// reverting so that out-of-band changes surface as conflicts instead of being
// silently overwritten.
func Applied(r model.SwapRequest) Pair {
    return Resolve(r.BusID, r.ToPrevBusID, r.SwapType)
}
