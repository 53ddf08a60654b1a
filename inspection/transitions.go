package inspection

import (
	"github.com/warp/settlement-engine/generic"
)

// =============================================================================
// STATE MACHINE
// =============================================================================
//
//	PENDING ──start──► IN_PROGRESS ──complete──► COMPLETED
//	   │                    │
//	   └──────cancel────────┴──────► CANCELLED
//
// COMPLETED and CANCELLED are terminal.

var transitions = map[generic.InspectionStatus][]generic.InspectionStatus{
	generic.InspectionPending:    {generic.InspectionInProgress, generic.InspectionCancelled},
	generic.InspectionInProgress: {generic.InspectionCompleted, generic.InspectionCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to generic.InspectionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(insp generic.AssetInspection, to generic.InspectionStatus) error {
	if !CanTransition(insp.Status, to) {
		return &generic.TransitionError{InspectionID: insp.ID, From: insp.Status, To: to}
	}
	return nil
}
