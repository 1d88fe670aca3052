package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dumu-tech/mesa-terminal/internal/access"
	"github.com/dumu-tech/mesa-terminal/internal/core"
	"github.com/dumu-tech/mesa-terminal/internal/events"
	"github.com/dumu-tech/mesa-terminal/internal/ledger"
	"github.com/dumu-tech/mesa-terminal/internal/settlement"
)

// AccessDeniedError reports a table access denial, carrying the guard's
// reason for the screen to display.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

// OrderService orchestrates order mutations: it guards access, calls the
// remote API, reconciles local ledgers against authoritative snapshots, and
// drives table transitions. All recovery is refetch-and-replace.
type OrderService struct {
	api        core.OrderAPI
	store      core.LedgerStore
	tables     *TableService
	reconciler *settlement.Reconciler
	policy     core.BranchPolicy
	activity   core.ActivityRecorder

	mu   sync.Mutex
	open map[string]*ledger.Ledger // loaded order screens by operation id
}

// NewOrderService creates an order service.
func NewOrderService(
	api core.OrderAPI,
	store core.LedgerStore,
	tables *TableService,
	reconciler *settlement.Reconciler,
	policy core.BranchPolicy,
	activity core.ActivityRecorder,
) *OrderService {
	return &OrderService{
		api:        api,
		store:      store,
		tables:     tables,
		reconciler: reconciler,
		policy:     policy,
		activity:   activity,
		open:       make(map[string]*ledger.Ledger),
	}
}

// Start wires the push-channel subscriptions that nudge open order screens
// back to the authoritative view, and returns an unsubscribe function.
func (s *OrderService) Start(bus *events.Bus) func() {
	unsubStatus := bus.Subscribe(events.TypeOperationStatusUpdate, func(env events.Envelope) {
		var payload struct {
			OperationID string `json:"operation_id"`
		}
		if err := unmarshalData(env, &payload); err != nil {
			log.Printf("order service: bad %s payload: %v", env.Type, err)
			return
		}
		// Handlers must not block; the refetch runs off the delivery goroutine.
		go s.refetch(context.Background(), payload.OperationID)
	})
	unsubCancelled := bus.Subscribe(events.TypeOperationCancelled, func(env events.Envelope) {
		var payload struct {
			OperationID string `json:"operation_id"`
		}
		if err := unmarshalData(env, &payload); err != nil {
			log.Printf("order service: bad %s payload: %v", env.Type, err)
			return
		}
		go s.dropCancelled(context.Background(), payload.OperationID)
	})
	return func() {
		unsubStatus()
		unsubCancelled()
	}
}

// guard re-evaluates table access on every attempt; it is never cached. A
// valid supervisor override PIN converts a denial and is audit-logged.
func (s *OrderService) guard(ctx context.Context, table core.Table, staff core.Staff, overridePIN string) error {
	decision := access.CanAccess(table, staff, s.policy)
	if decision.Allowed {
		return nil
	}
	if access.VerifyOverridePIN(s.policy, overridePIN) {
		s.record(ctx, core.ActivityOverride, table.CurrentOperationID, table.ID, staff,
			fmt.Sprintf("override on table %s (%s)", table.Name, decision.Reason))
		return nil
	}
	return &AccessDeniedError{Reason: decision.Reason}
}

// OpenTable creates an operation on an available table and occupies it.
func (s *OrderService) OpenTable(ctx context.Context, tableID string, staff core.Staff, lines []core.NewLine) (*core.Operation, error) {
	table, ok := s.tables.Tables().Get(tableID)
	if !ok {
		return nil, fmt.Errorf("open table: unknown table %s", tableID)
	}
	if err := s.guard(ctx, table, staff, ""); err != nil {
		return nil, err
	}

	res, err := s.api.CreateOperation(ctx, tableID, staff, lines)
	if err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	if !res.Success {
		return nil, &settlement.RemoteRejectionError{Message: res.Message}
	}
	if res.Operation == nil {
		return nil, fmt.Errorf("create operation: server confirmed without a snapshot")
	}

	led := ledger.Load(ctx, res.Operation, s.store)
	s.mu.Lock()
	s.open[res.Operation.ID] = led
	s.mu.Unlock()

	if err := s.tables.Occupy(ctx, tableID, res.Operation.ID, staff); err != nil {
		// Transition failures never undo a confirmed remote creation.
		log.Printf("open table: local occupy failed: %v", err)
	}
	return res.Operation, nil
}

// Ledger returns the loaded ledger for an operation, fetching the
// authoritative snapshot if this screen has not loaded it yet.
func (s *OrderService) Ledger(ctx context.Context, operationID string) (*ledger.Ledger, error) {
	s.mu.Lock()
	led, ok := s.open[operationID]
	s.mu.Unlock()
	if ok {
		return led, nil
	}

	op, err := s.api.GetOperation(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", operationID, err)
	}
	if op == nil {
		return nil, fmt.Errorf("load operation %s: not found", operationID)
	}
	led = ledger.Load(ctx, op, s.store)
	s.mu.Lock()
	s.open[operationID] = led
	s.mu.Unlock()
	return led, nil
}

// AddItems appends products to an operation.
func (s *OrderService) AddItems(ctx context.Context, operationID string, staff core.Staff, overridePIN string, lines []core.NewLine) error {
	led, err := s.guardedLedger(ctx, operationID, staff, overridePIN)
	if err != nil {
		return err
	}

	res, err := s.api.AddLineItems(ctx, operationID, lines)
	if err != nil {
		s.refetch(ctx, operationID)
		return fmt.Errorf("add items: %w", err)
	}
	if !res.Success {
		s.refetch(ctx, operationID)
		return &settlement.RemoteRejectionError{Message: res.Message}
	}
	if res.Operation != nil {
		led.ReplaceFromServer(ctx, res.Operation)
	}
	s.record(ctx, core.ActivityLineEdit, operationID, resultTableID(res), staff, fmt.Sprintf("added %d line(s)", len(lines)))
	return nil
}

// CancelLine cancels a whole line or part of its quantity. Derived ids
// resolve to their origin before the remote call.
func (s *OrderService) CancelLine(ctx context.Context, operationID string, staff core.Staff, overridePIN, lineID string, quantity int) error {
	led, err := s.guardedLedger(ctx, operationID, staff, overridePIN)
	if err != nil {
		return err
	}
	line, ok := led.Line(lineID)
	if !ok {
		return fmt.Errorf("cancel line: %w", ledger.ErrLineNotFound)
	}

	res, err := s.api.CancelLineItem(ctx, operationID, line.OriginOrSelf(), quantity)
	if err != nil {
		s.refetch(ctx, operationID)
		return fmt.Errorf("cancel line: %w", err)
	}
	if !res.Success {
		s.refetch(ctx, operationID)
		return &settlement.RemoteRejectionError{Message: res.Message}
	}
	if res.Operation != nil {
		led.ReplaceFromServer(ctx, res.Operation)
	}
	s.record(ctx, core.ActivityLineEdit, operationID, resultTableID(res), staff,
		fmt.Sprintf("canceled %d of line %s", quantity, line.OriginOrSelf()))
	return nil
}

// SplitLine and friends are local structural edits; nothing leaves the
// terminal until a settlement or transfer names the lineage.

func (s *OrderService) SplitLine(ctx context.Context, operationID string, staff core.Staff, overridePIN, lineID string) (core.LineItem, error) {
	led, err := s.guardedLedger(ctx, operationID, staff, overridePIN)
	if err != nil {
		return core.LineItem{}, err
	}
	return led.Split(lineID)
}

func (s *OrderService) MergeLine(ctx context.Context, operationID string, staff core.Staff, overridePIN, derivedID string) error {
	led, err := s.guardedLedger(ctx, operationID, staff, overridePIN)
	if err != nil {
		return err
	}
	return led.Merge(derivedID)
}

func (s *OrderService) MergeAllLines(ctx context.Context, operationID string, staff core.Staff, overridePIN, originID string) error {
	led, err := s.guardedLedger(ctx, operationID, staff, overridePIN)
	if err != nil {
		return err
	}
	return led.MergeAll(originID)
}

// IssueBill requests a provisional bill for all payable lines or an explicit
// subset, then marks the table TO_PAY.
func (s *OrderService) IssueBill(ctx context.Context, operationID string, staff core.Staff, overridePIN string, lineIDs []string) error {
	led, err := s.guardedLedger(ctx, operationID, staff, overridePIN)
	if err != nil {
		return err
	}

	// Derived selections fold back onto their origin for the remote call.
	remoteIDs := make([]string, 0, len(lineIDs))
	seen := make(map[string]bool)
	for _, id := range lineIDs {
		line, ok := led.Line(id)
		if !ok {
			return fmt.Errorf("issue bill: %w", ledger.ErrLineNotFound)
		}
		origin := line.OriginOrSelf()
		if !seen[origin] {
			seen[origin] = true
			remoteIDs = append(remoteIDs, origin)
		}
	}

	res, err := s.api.IssueProvisionalBill(ctx, operationID, remoteIDs)
	if err != nil {
		s.refetch(ctx, operationID)
		return fmt.Errorf("issue bill: %w", err)
	}
	if !res.Success {
		s.refetch(ctx, operationID)
		return &settlement.RemoteRejectionError{Message: res.Message}
	}
	if res.Operation != nil {
		led.ReplaceFromServer(ctx, res.Operation)
	}

	tableID := resultTableID(res)
	if tableID == "" {
		tableID = s.tableIDForOperation(operationID)
	}
	if tableID != "" {
		if err := s.tables.MarkToPay(ctx, tableID, staff); err != nil {
			log.Printf("issue bill: local transition failed: %v", err)
		}
	}
	s.record(ctx, core.ActivityBillIssued, operationID, tableID, staff,
		fmt.Sprintf("provisional bill for %d line(s)", len(remoteIDs)))
	return nil
}

// TransferLines moves selected line quantities to another table.
func (s *OrderService) TransferLines(ctx context.Context, operationID string, staff core.Staff, overridePIN string, lineIDs []string, toTableID string) error {
	led, err := s.guardedLedger(ctx, operationID, staff, overridePIN)
	if err != nil {
		return err
	}

	byOrigin := make(map[string]int)
	order := make([]string, 0, len(lineIDs))
	for _, id := range lineIDs {
		line, ok := led.Line(id)
		if !ok {
			return fmt.Errorf("transfer lines: %w", ledger.ErrLineNotFound)
		}
		origin := line.OriginOrSelf()
		if _, dup := byOrigin[origin]; !dup {
			order = append(order, origin)
		}
		byOrigin[origin] += line.Quantity
	}
	remoteLines := make([]core.SettlementLine, 0, len(order))
	for _, origin := range order {
		remoteLines = append(remoteLines, core.SettlementLine{LineID: origin, Quantity: byOrigin[origin]})
	}

	res, err := s.api.TransferLineItems(ctx, operationID, remoteLines, toTableID)
	if err != nil {
		s.refetch(ctx, operationID)
		return fmt.Errorf("transfer lines: %w", err)
	}
	if !res.Success {
		s.refetch(ctx, operationID)
		return &settlement.RemoteRejectionError{Message: res.Message}
	}

	// Both the source operation and the table board changed shape.
	s.refetch(ctx, operationID)
	if err := s.tables.Refresh(ctx); err != nil {
		log.Printf("transfer lines: table refresh failed: %v", err)
	}
	s.record(ctx, core.ActivityTransfer, operationID, toTableID, staff,
		fmt.Sprintf("transferred %d line(s) to table %s", len(remoteLines), toTableID))
	return nil
}

// ChangeTable moves the whole operation to another table.
func (s *OrderService) ChangeTable(ctx context.Context, operationID string, staff core.Staff, overridePIN, toTableID string) error {
	if _, err := s.guardedLedger(ctx, operationID, staff, overridePIN); err != nil {
		return err
	}

	res, err := s.api.ChangeTable(ctx, operationID, toTableID)
	if err != nil {
		s.refetch(ctx, operationID)
		return fmt.Errorf("change table: %w", err)
	}
	if !res.Success {
		s.refetch(ctx, operationID)
		return &settlement.RemoteRejectionError{Message: res.Message}
	}

	fromID := s.tableIDForOperation(operationID)
	if fromID != "" {
		if err := s.tables.Transfer(ctx, fromID, toTableID, staff); err != nil {
			log.Printf("change table: local transition failed: %v", err)
		}
	}
	return nil
}

// ChangeWaiter reassigns the operation to another waiter. The table board
// refreshes so the occupier name shown on other terminals follows.
func (s *OrderService) ChangeWaiter(ctx context.Context, operationID string, staff core.Staff, overridePIN string, newWaiter core.Staff) error {
	if _, err := s.guardedLedger(ctx, operationID, staff, overridePIN); err != nil {
		return err
	}

	res, err := s.api.ChangeWaiter(ctx, operationID, newWaiter)
	if err != nil {
		s.refetch(ctx, operationID)
		return fmt.Errorf("change waiter: %w", err)
	}
	if !res.Success {
		s.refetch(ctx, operationID)
		return &settlement.RemoteRejectionError{Message: res.Message}
	}
	if res.Table != nil {
		s.tables.Tables().ApplyUpdate(*res.Table)
	} else if err := s.tables.Refresh(ctx); err != nil {
		log.Printf("change waiter: table refresh failed: %v", err)
	}
	return nil
}

// Settle submits a settlement and, when it leaves nothing payable, releases
// the table. Partial settlements keep the operation open with a recomputed
// payable view.
func (s *OrderService) Settle(ctx context.Context, operationID string, staff core.Staff, overridePIN string, selectedIDs []string, payments []core.Payment) (*settlement.Result, error) {
	led, err := s.guardedLedger(ctx, operationID, staff, overridePIN)
	if err != nil {
		return nil, err
	}

	result, err := s.reconciler.Settle(ctx, led, selectedIDs, payments)
	if err != nil {
		// Validation errors leave nothing to recover; rejections and
		// transport failures both recover by refetch-and-replace.
		if shouldRefetch(err) {
			s.refetch(ctx, operationID)
		}
		return nil, err
	}

	tableID := s.tableIDForOperation(operationID)
	s.record(ctx, core.ActivitySettlement, operationID, tableID, staff,
		fmt.Sprintf("settled %s (partial=%v)", result.Plan.PayableTotal.StringFixed(2), result.Plan.Partial))

	if !result.Plan.Partial || len(led.PayableLines()) == 0 {
		if err := led.Clear(ctx); err != nil {
			log.Printf("settle: ledger clear failed: %v", err)
		}
		s.drop(operationID)
		if tableID != "" {
			if err := s.tables.Release(ctx, tableID, staff); err != nil {
				log.Printf("settle: local release failed: %v", err)
			}
		}
	}
	return result, nil
}

// CancelOperation cancels the whole operation and releases its table.
func (s *OrderService) CancelOperation(ctx context.Context, operationID string, staff core.Staff, overridePIN string) error {
	led, err := s.guardedLedger(ctx, operationID, staff, overridePIN)
	if err != nil {
		return err
	}

	res, err := s.api.CancelOperation(ctx, operationID)
	if err != nil {
		s.refetch(ctx, operationID)
		return fmt.Errorf("cancel operation: %w", err)
	}
	if !res.Success {
		s.refetch(ctx, operationID)
		return &settlement.RemoteRejectionError{Message: res.Message}
	}

	tableID := s.tableIDForOperation(operationID)
	if err := led.Clear(ctx); err != nil {
		log.Printf("cancel operation: ledger clear failed: %v", err)
	}
	s.drop(operationID)
	if tableID != "" {
		if err := s.tables.Release(ctx, tableID, staff); err != nil {
			log.Printf("cancel operation: local release failed: %v", err)
		}
	}
	s.record(ctx, core.ActivityCancellation, operationID, tableID, staff, "operation cancelled")
	return nil
}

// Activity returns the terminal-local audit trail for an operation.
func (s *OrderService) Activity(ctx context.Context, operationID string) ([]core.ActivityEntry, error) {
	if s.activity == nil {
		return nil, nil
	}
	return s.activity.ByOperation(ctx, operationID)
}

// refetch is the canonical recovery path: replace the local view with the
// authoritative snapshot, never patch. Failures only degrade convergence.
func (s *OrderService) refetch(ctx context.Context, operationID string) {
	s.mu.Lock()
	led, ok := s.open[operationID]
	s.mu.Unlock()
	if !ok {
		return
	}

	op, err := s.api.GetOperation(ctx, operationID)
	if err != nil || op == nil {
		log.Printf("order service: refetch for %s did not land, view may be stale: %v", operationID, err)
		return
	}
	led.ReplaceFromServer(ctx, op)
	if op.Status.IsTerminal() {
		s.drop(operationID)
	}
}

func (s *OrderService) dropCancelled(ctx context.Context, operationID string) {
	s.mu.Lock()
	led, ok := s.open[operationID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := led.Clear(ctx); err != nil {
		log.Printf("order service: clear cancelled operation: %v", err)
	}
	s.drop(operationID)
	if err := s.tables.Refresh(ctx); err != nil {
		log.Printf("order service: table refresh after cancellation: %v", err)
	}
}

func (s *OrderService) guardedLedger(ctx context.Context, operationID string, staff core.Staff, overridePIN string) (*ledger.Ledger, error) {
	if tableID := s.tableIDForOperation(operationID); tableID != "" {
		table, ok := s.tables.Tables().Get(tableID)
		if ok {
			if err := s.guard(ctx, table, staff, overridePIN); err != nil {
				return nil, err
			}
		}
	}
	return s.Ledger(ctx, operationID)
}

func (s *OrderService) tableIDForOperation(operationID string) string {
	for _, t := range s.tables.Tables().All() {
		if t.CurrentOperationID == operationID {
			return t.ID
		}
	}
	return ""
}

func (s *OrderService) drop(operationID string) {
	s.mu.Lock()
	delete(s.open, operationID)
	s.mu.Unlock()
}

func (s *OrderService) record(ctx context.Context, kind core.ActivityKind, operationID, tableID string, staff core.Staff, detail string) {
	if s.activity == nil {
		return
	}
	entry := core.ActivityEntry{
		When:        time.Now().Unix(),
		Kind:        kind,
		OperationID: operationID,
		TableID:     tableID,
		StaffID:     staff.ID,
		Detail:      detail,
	}
	if err := s.activity.Record(ctx, entry); err != nil {
		log.Printf("order service: activity record failed: %v", err)
	}
}

func unmarshalData(env events.Envelope, out interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("empty %s payload", env.Type)
	}
	return json.Unmarshal(env.Data, out)
}

func resultTableID(res *core.APIResult) string {
	if res == nil || res.Table == nil {
		return ""
	}
	return res.Table.ID
}

// shouldRefetch separates settlement failures the server never saw from
// those that may have moved authoritative state.
func shouldRefetch(err error) bool {
	var tender *settlement.TenderMismatchError
	if errors.As(err, &tender) {
		return false
	}
	for _, sentinel := range []error{
		settlement.ErrSettlementInFlight,
		settlement.ErrNoPayableLines,
		settlement.ErrLineNotPayable,
		settlement.ErrMissingReference,
		settlement.ErrNoPayments,
	} {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	return true
}
