package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dumu-tech/mesa-terminal/internal/core"
	"github.com/dumu-tech/mesa-terminal/internal/events"
	"github.com/dumu-tech/mesa-terminal/internal/occupancy"
)

// TableService drives the occupancy state machine and keeps this terminal's
// table view converged with its peers: every local transition updates the
// context and broadcasts on the push channel, both best-effort.
type TableService struct {
	bus      *events.Bus
	api      core.OrderAPI
	tables   *TableContext
	activity core.ActivityRecorder
}

// NewTableService creates a table service.
func NewTableService(bus *events.Bus, api core.OrderAPI, tables *TableContext, activity core.ActivityRecorder) *TableService {
	return &TableService{bus: bus, api: api, tables: tables, activity: activity}
}

// Tables returns the local table view.
func (s *TableService) Tables() *TableContext { return s.tables }

// Start wires the push-channel subscriptions that keep the local view
// converged, and returns an unsubscribe function.
func (s *TableService) Start() func() {
	unsubUpdate := s.bus.Subscribe(events.TypeTableUpdate, func(env events.Envelope) {
		var table core.Table
		if err := unmarshalData(env, &table); err != nil {
			log.Printf("table service: bad %s payload: %v", env.Type, err)
			return
		}
		s.tables.ApplyUpdate(table)
	})
	unsubSnapshot := s.bus.Subscribe(events.TypeTablesSnapshot, func(env events.Envelope) {
		var tables []core.Table
		if err := unmarshalData(env, &tables); err != nil {
			log.Printf("table service: bad %s payload: %v", env.Type, err)
			return
		}
		s.tables.ApplySnapshot(tables)
	})
	return func() {
		unsubUpdate()
		unsubSnapshot()
	}
}

// Refresh pulls the authoritative table list and replaces the local view.
// This is the polling half of eventual convergence.
func (s *TableService) Refresh(ctx context.Context) error {
	tables, err := s.api.GetTables(ctx)
	if err != nil {
		return fmt.Errorf("refresh tables: %w", err)
	}
	s.tables.ApplySnapshot(tables)
	return nil
}

// Occupy applies AVAILABLE -> OCCUPIED locally after a successful order
// creation and notifies peers.
func (s *TableService) Occupy(ctx context.Context, tableID, operationID string, staff core.Staff) error {
	table, ok := s.tables.Get(tableID)
	if !ok {
		return fmt.Errorf("occupy: unknown table %s", tableID)
	}
	updated, bcasts, err := occupancy.Occupy(table, operationID, staff)
	if err != nil {
		return err
	}
	s.apply(ctx, staff, core.ActivityOccupy, operationID, updated, bcasts)
	return nil
}

// MarkToPay applies OCCUPIED -> TO_PAY after a provisional bill is issued.
func (s *TableService) MarkToPay(ctx context.Context, tableID string, staff core.Staff) error {
	table, ok := s.tables.Get(tableID)
	if !ok {
		return fmt.Errorf("mark to pay: unknown table %s", tableID)
	}
	updated, bcasts, err := occupancy.MarkToPay(table)
	if err != nil {
		return err
	}
	s.apply(ctx, staff, core.ActivityBillIssued, updated.CurrentOperationID, updated, bcasts)
	return nil
}

// Release returns a table to AVAILABLE after a full settlement or a
// cancellation.
func (s *TableService) Release(ctx context.Context, tableID string, staff core.Staff) error {
	table, ok := s.tables.Get(tableID)
	if !ok {
		return fmt.Errorf("release: unknown table %s", tableID)
	}
	operationID := table.CurrentOperationID
	updated, bcasts, err := occupancy.Release(table)
	if err != nil {
		return err
	}
	s.apply(ctx, staff, core.ActivityRelease, operationID, updated, bcasts)
	return nil
}

// Transfer moves an operation's occupancy from one table to another.
func (s *TableService) Transfer(ctx context.Context, fromID, toID string, staff core.Staff) error {
	src, ok := s.tables.Get(fromID)
	if !ok {
		return fmt.Errorf("transfer: unknown table %s", fromID)
	}
	dst, ok := s.tables.Get(toID)
	if !ok {
		return fmt.Errorf("transfer: unknown table %s", toID)
	}
	operationID := src.CurrentOperationID
	newSrc, newDst, bcasts, err := occupancy.Transfer(src, dst)
	if err != nil {
		return err
	}
	s.tables.ApplyUpdate(newSrc)
	s.apply(ctx, staff, core.ActivityTransfer, operationID, newDst, bcasts)
	return nil
}

// apply performs the local context update, the activity record, and the
// best-effort broadcasts that follow every transition. None of these may
// fail the transition itself.
func (s *TableService) apply(ctx context.Context, staff core.Staff, kind core.ActivityKind, operationID string, table core.Table, bcasts []occupancy.Broadcast) {
	s.tables.ApplyUpdate(table)

	if s.activity != nil {
		entry := core.ActivityEntry{
			When:        time.Now().Unix(),
			Kind:        kind,
			OperationID: operationID,
			TableID:     table.ID,
			StaffID:     staff.ID,
			Detail:      fmt.Sprintf("table %s -> %s", table.Name, table.Status),
		}
		if err := s.activity.Record(ctx, entry); err != nil {
			log.Printf("table service: activity record failed: %v", err)
		}
	}

	for _, b := range bcasts {
		b := b
		if b.Delay > 0 {
			time.AfterFunc(b.Delay, func() { s.publish(b) })
			continue
		}
		s.publish(b)
	}
}

func (s *TableService) publish(b occupancy.Broadcast) {
	if b.Table != nil {
		s.bus.PublishJSON(b.MessageType, b.Table)
		return
	}
	s.bus.Publish(events.Envelope{Type: b.MessageType})
}
