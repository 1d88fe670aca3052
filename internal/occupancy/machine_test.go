package occupancy

import (
	"errors"
	"testing"

	"github.com/dumu-tech/mesa-terminal/internal/core"
	"github.com/dumu-tech/mesa-terminal/internal/events"
)

var waiter = core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}

func availableTable() core.Table {
	return core.Table{ID: "t1", Name: "Mesa 1", Status: core.TableStatusAvailable}
}

func occupiedTable() core.Table {
	return core.Table{
		ID:                 "t1",
		Name:               "Mesa 1",
		Status:             core.TableStatusOccupied,
		CurrentOperationID: "op1",
		OccupiedByID:       waiter.ID,
		OccupiedByName:     waiter.Name,
	}
}

func TestOccupy(t *testing.T) {
	got, bcasts, err := Occupy(availableTable(), "op1", waiter)
	if err != nil {
		t.Fatalf("Occupy() error = %v", err)
	}
	if got.Status != core.TableStatusOccupied {
		t.Errorf("status = %s, want OCCUPIED", got.Status)
	}
	if got.CurrentOperationID != "op1" || got.OccupiedByID != "w1" || got.OccupiedByName != "Ana" {
		t.Errorf("occupancy fields not set: %+v", got)
	}
	assertBroadcastShape(t, bcasts, 1)
}

func TestOccupyRejectsNonAvailable(t *testing.T) {
	for _, status := range []core.TableStatus{
		core.TableStatusOccupied,
		core.TableStatusToPay,
		core.TableStatusInProcess,
		core.TableStatusMaintenance,
	} {
		tbl := availableTable()
		tbl.Status = status
		if _, _, err := Occupy(tbl, "op1", waiter); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Occupy from %s: error = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestMarkToPay(t *testing.T) {
	got, bcasts, err := MarkToPay(occupiedTable())
	if err != nil {
		t.Fatalf("MarkToPay() error = %v", err)
	}
	if got.Status != core.TableStatusToPay {
		t.Errorf("status = %s, want TO_PAY", got.Status)
	}
	// Bill issuance never touches occupancy.
	if got.CurrentOperationID != "op1" || got.OccupiedByID != "w1" {
		t.Errorf("occupancy fields changed: %+v", got)
	}
	assertBroadcastShape(t, bcasts, 1)
}

func TestRelease(t *testing.T) {
	tests := []struct {
		name string
		from core.TableStatus
	}{
		{"from occupied", core.TableStatusOccupied},
		{"from to_pay", core.TableStatusToPay},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := occupiedTable()
			tbl.Status = tt.from
			got, bcasts, err := Release(tbl)
			if err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if got.Status != core.TableStatusAvailable {
				t.Errorf("status = %s, want AVAILABLE", got.Status)
			}
			if got.CurrentOperationID != "" || got.OccupiedByID != "" || got.OccupiedByName != "" {
				t.Errorf("occupancy fields not cleared: %+v", got)
			}
			assertBroadcastShape(t, bcasts, 1)
		})
	}
}

func TestReleaseRejectsAvailableAndMaintenance(t *testing.T) {
	for _, status := range []core.TableStatus{core.TableStatusAvailable, core.TableStatusMaintenance} {
		tbl := occupiedTable()
		tbl.Status = status
		if _, _, err := Release(tbl); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Release from %s: error = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestTransfer(t *testing.T) {
	src := occupiedTable()
	dst := core.Table{ID: "t2", Name: "Mesa 2", Status: core.TableStatusAvailable}

	gotSrc, gotDst, bcasts, err := Transfer(src, dst)
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if gotSrc.Status != core.TableStatusAvailable || gotSrc.CurrentOperationID != "" || gotSrc.OccupiedByID != "" {
		t.Errorf("source not cleared: %+v", gotSrc)
	}
	if gotDst.Status != core.TableStatusOccupied {
		t.Errorf("destination status = %s, want OCCUPIED", gotDst.Status)
	}
	if gotDst.CurrentOperationID != "op1" || gotDst.OccupiedByID != "w1" || gotDst.OccupiedByName != "Ana" {
		t.Errorf("destination did not adopt occupancy: %+v", gotDst)
	}
	assertBroadcastShape(t, bcasts, 2)
}

func TestTransferRejectsOccupiedDestination(t *testing.T) {
	src := occupiedTable()
	dst := occupiedTable()
	dst.ID = "t2"
	if _, _, _, err := Transfer(src, dst); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transfer to occupied destination: error = %v, want ErrInvalidTransition", err)
	}
}

func TestNoTransitionOutOfMaintenance(t *testing.T) {
	tbl := availableTable()
	tbl.Status = core.TableStatusMaintenance

	if _, _, err := Occupy(tbl, "op1", waiter); !errors.Is(err, ErrInvalidTransition) {
		t.Error("Occupy out of MAINTENANCE allowed")
	}
	if _, _, err := MarkToPay(tbl); !errors.Is(err, ErrInvalidTransition) {
		t.Error("MarkToPay out of MAINTENANCE allowed")
	}
	if _, _, err := Release(tbl); !errors.Is(err, ErrInvalidTransition) {
		t.Error("Release out of MAINTENANCE allowed")
	}
}

// assertBroadcastShape checks the common pattern: n immediate status updates
// followed by one delayed snapshot request.
func assertBroadcastShape(t *testing.T, bcasts []Broadcast, statusUpdates int) {
	t.Helper()
	if len(bcasts) != statusUpdates+1 {
		t.Fatalf("got %d broadcasts, want %d", len(bcasts), statusUpdates+1)
	}
	for i := 0; i < statusUpdates; i++ {
		b := bcasts[i]
		if b.MessageType != events.TypeTableStatusUpdate {
			t.Errorf("broadcast %d type = %q, want %q", i, b.MessageType, events.TypeTableStatusUpdate)
		}
		if b.Delay != 0 {
			t.Errorf("status update %d has delay %v, want immediate", i, b.Delay)
		}
		if b.Table == nil {
			t.Errorf("status update %d missing table payload", i)
		}
	}
	last := bcasts[len(bcasts)-1]
	if last.MessageType != events.TypeTableUpdateRequest {
		t.Errorf("last broadcast type = %q, want %q", last.MessageType, events.TypeTableUpdateRequest)
	}
	if last.Delay != SnapshotRequestDelay {
		t.Errorf("snapshot request delay = %v, want %v", last.Delay, SnapshotRequestDelay)
	}
}
