// Package occupancy holds the pure transition logic for a table's occupancy
// lifecycle. Transitions never touch the network; they return the mutated
// table plus the push-channel broadcasts the caller owes its peers.
package occupancy

import (
	"errors"
	"fmt"
	"time"

	"github.com/dumu-tech/mesa-terminal/internal/core"
	"github.com/dumu-tech/mesa-terminal/internal/events"
)

// SnapshotRequestDelay is how long after a local transition the terminal asks
// peers for a full table snapshot, covering the case where the authoritative
// push from the remote mutation is delayed or dropped.
const SnapshotRequestDelay = 500 * time.Millisecond

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid table transition")

// Broadcast is one message the caller must publish after a transition.
// Table is nil for the delayed full-snapshot request.
type Broadcast struct {
	MessageType string
	Delay       time.Duration
	Table       *core.Table
}

func transitionErr(from, to core.TableStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Occupy moves an AVAILABLE table to OCCUPIED on first successful order
// creation, recording the operation and the responsible staff member.
func Occupy(t core.Table, operationID string, staff core.Staff) (core.Table, []Broadcast, error) {
	if t.Status != core.TableStatusAvailable {
		return t, nil, transitionErr(t.Status, core.TableStatusOccupied)
	}
	t.Status = core.TableStatusOccupied
	t.CurrentOperationID = operationID
	t.OccupiedByID = staff.ID
	t.OccupiedByName = staff.Name
	return t, broadcasts(t), nil
}

// MarkToPay moves an OCCUPIED table to TO_PAY after a provisional bill is
// issued. Occupancy fields are unchanged.
func MarkToPay(t core.Table) (core.Table, []Broadcast, error) {
	if t.Status != core.TableStatusOccupied {
		return t, nil, transitionErr(t.Status, core.TableStatusToPay)
	}
	t.Status = core.TableStatusToPay
	return t, broadcasts(t), nil
}

// Release returns an OCCUPIED or TO_PAY table to AVAILABLE after a full
// settlement or an explicit cancellation, clearing all occupancy fields.
func Release(t core.Table) (core.Table, []Broadcast, error) {
	if t.Status != core.TableStatusOccupied && t.Status != core.TableStatusToPay {
		return t, nil, transitionErr(t.Status, core.TableStatusAvailable)
	}
	t.Status = core.TableStatusAvailable
	t.CurrentOperationID = ""
	t.OccupiedByID = ""
	t.OccupiedByName = ""
	return t, broadcasts(t), nil
}

// Transfer moves an operation between tables: the source clears occupancy and
// the destination adopts it. The destination must be AVAILABLE.
func Transfer(src, dst core.Table) (core.Table, core.Table, []Broadcast, error) {
	if src.Status != core.TableStatusOccupied && src.Status != core.TableStatusToPay {
		return src, dst, nil, transitionErr(src.Status, core.TableStatusAvailable)
	}
	if dst.Status != core.TableStatusAvailable {
		return src, dst, nil, transitionErr(dst.Status, core.TableStatusOccupied)
	}

	dst.Status = core.TableStatusOccupied
	dst.CurrentOperationID = src.CurrentOperationID
	dst.OccupiedByID = src.OccupiedByID
	dst.OccupiedByName = src.OccupiedByName

	src.Status = core.TableStatusAvailable
	src.CurrentOperationID = ""
	src.OccupiedByID = ""
	src.OccupiedByName = ""

	return src, dst, broadcasts(src, dst), nil
}

// broadcasts builds the immediate status updates for the given tables plus
// the single delayed snapshot request.
func broadcasts(tables ...core.Table) []Broadcast {
	out := make([]Broadcast, 0, len(tables)+1)
	for i := range tables {
		t := tables[i]
		out = append(out, Broadcast{
			MessageType: events.TypeTableStatusUpdate,
			Table:       &t,
		})
	}
	out = append(out, Broadcast{
		MessageType: events.TypeTableUpdateRequest,
		Delay:       SnapshotRequestDelay,
	})
	return out
}
