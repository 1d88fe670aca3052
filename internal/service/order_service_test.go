package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/dumu-tech/mesa-terminal/internal/core"
	"github.com/dumu-tech/mesa-terminal/internal/events"
	"github.com/dumu-tech/mesa-terminal/internal/settlement"
)

type fakeOrderAPI struct {
	operation *core.Operation // returned by GetOperation and snapshot-bearing mutations
	reject    bool            // mutations answer Success=false
	netErr    error           // mutations and GetOperation fail outright

	createCalls   int
	settleCalls   int
	getCalls      int
	lastSettle    core.SettlementRequest
	lastBillLines []string
}

func (f *fakeOrderAPI) result() (*core.APIResult, error) {
	if f.netErr != nil {
		return nil, f.netErr
	}
	if f.reject {
		return &core.APIResult{Success: false, Message: "rejected"}, nil
	}
	return &core.APIResult{Success: true, Operation: f.operation}, nil
}

func (f *fakeOrderAPI) CreateOperation(ctx context.Context, tableID string, staff core.Staff, lines []core.NewLine) (*core.APIResult, error) {
	f.createCalls++
	return f.result()
}

func (f *fakeOrderAPI) GetOperation(ctx context.Context, operationID string) (*core.Operation, error) {
	f.getCalls++
	if f.netErr != nil {
		return nil, f.netErr
	}
	return f.operation, nil
}

func (f *fakeOrderAPI) GetTables(ctx context.Context) ([]core.Table, error) { return nil, nil }

func (f *fakeOrderAPI) AddLineItems(ctx context.Context, operationID string, lines []core.NewLine) (*core.APIResult, error) {
	return f.result()
}

func (f *fakeOrderAPI) CancelLineItem(ctx context.Context, operationID, lineID string, quantity int) (*core.APIResult, error) {
	return f.result()
}

func (f *fakeOrderAPI) ChangeTable(ctx context.Context, operationID, toTableID string) (*core.APIResult, error) {
	return f.result()
}

func (f *fakeOrderAPI) ChangeWaiter(ctx context.Context, operationID string, staff core.Staff) (*core.APIResult, error) {
	return f.result()
}

func (f *fakeOrderAPI) TransferLineItems(ctx context.Context, operationID string, lines []core.SettlementLine, toTableID string) (*core.APIResult, error) {
	return f.result()
}

func (f *fakeOrderAPI) IssueProvisionalBill(ctx context.Context, operationID string, lineIDs []string) (*core.APIResult, error) {
	f.lastBillLines = lineIDs
	return f.result()
}

func (f *fakeOrderAPI) CreateSettlement(ctx context.Context, req core.SettlementRequest) (*core.APIResult, error) {
	f.settleCalls++
	f.lastSettle = req
	return f.result()
}

func (f *fakeOrderAPI) CancelOperation(ctx context.Context, operationID string) (*core.APIResult, error) {
	return f.result()
}

type memLedgerStore struct {
	saved   map[string]map[string]int
	deleted []string
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{saved: make(map[string]map[string]int)}
}

func (m *memLedgerStore) Load(ctx context.Context, operationID string) (map[string]int, error) {
	return m.saved[operationID], nil
}

func (m *memLedgerStore) Save(ctx context.Context, operationID string, invoiced map[string]int) error {
	cp := make(map[string]int, len(invoiced))
	for k, v := range invoiced {
		cp[k] = v
	}
	m.saved[operationID] = cp
	return nil
}

func (m *memLedgerStore) Delete(ctx context.Context, operationID string) error {
	delete(m.saved, operationID)
	m.deleted = append(m.deleted, operationID)
	return nil
}

type memRecorder struct {
	entries []core.ActivityEntry
}

func (m *memRecorder) Record(ctx context.Context, entry core.ActivityEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memRecorder) ByOperation(ctx context.Context, operationID string) ([]core.ActivityEntry, error) {
	var out []core.ActivityEntry
	for _, e := range m.entries {
		if e.OperationID == operationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRecorder) kinds() []core.ActivityKind {
	out := make([]core.ActivityKind, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Kind
	}
	return out
}

func price(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func testOperation() *core.Operation {
	return &core.Operation{
		ID:      "op-1",
		Status:  core.OperationStatusProcessing,
		TableID: "t1",
		Lines: []core.LineItem{
			{ID: "l1", ProductID: "p1", Name: "Ceviche", Quantity: 2, UnitPrice: price("15.00")},
			{ID: "l2", ProductID: "p2", Name: "Pisco Sour", Quantity: 1, UnitPrice: price("10.00")},
		},
	}
}

type orderFixture struct {
	api      *fakeOrderAPI
	store    *memLedgerStore
	recorder *memRecorder
	tables   *TableService
	orders   *OrderService
}

func newOrderFixture(t *testing.T, policy core.BranchPolicy, occupiedBy core.Staff) *orderFixture {
	t.Helper()

	api := &fakeOrderAPI{operation: testOperation()}
	store := newMemLedgerStore()
	recorder := &memRecorder{}

	table := core.Table{ID: "t1", Name: "Mesa 1", Status: core.TableStatusAvailable}
	if occupiedBy.ID != "" {
		table.Status = core.TableStatusOccupied
		table.CurrentOperationID = "op-1"
		table.OccupiedByID = occupiedBy.ID
		table.OccupiedByName = occupiedBy.Name
	}
	tc := NewTableContext()
	tc.ApplySnapshot([]core.Table{table, {ID: "t2", Name: "Mesa 2", Status: core.TableStatusAvailable}})

	tables := NewTableService(events.New(events.Options{}), api, tc, nil)
	reconciler := settlement.New(api, policy)
	orders := NewOrderService(api, store, tables, reconciler, policy, recorder)
	return &orderFixture{api: api, store: store, recorder: recorder, tables: tables, orders: orders}
}

func defaultPolicy() core.BranchPolicy {
	return core.BranchPolicy{TaxRate: price("0.10")}
}

func TestOpenTableOccupiesAndLoadsLedger(t *testing.T) {
	fx := newOrderFixture(t, defaultPolicy(), core.Staff{})
	waiter := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}

	op, err := fx.orders.OpenTable(context.Background(), "t1", waiter, []core.NewLine{{ProductID: "p1", Quantity: 2}})
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	if op.ID != "op-1" {
		t.Fatalf("operation id = %s", op.ID)
	}

	table, _ := fx.tables.Tables().Get("t1")
	if table.Status != core.TableStatusOccupied || table.CurrentOperationID != "op-1" {
		t.Fatalf("table after open = %+v", table)
	}

	led, err := fx.orders.Ledger(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if fx.api.getCalls != 0 {
		t.Fatal("ledger should come from the creation snapshot, not a refetch")
	}
	if len(led.Lines()) != 2 {
		t.Fatalf("lines = %d", len(led.Lines()))
	}
}

func TestForeignWaiterIsDenied(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	fx := newOrderFixture(t, defaultPolicy(), owner)
	intruder := core.Staff{ID: "w2", Name: "Luis", Role: core.StaffRoleWaiter}

	err := fx.orders.AddItems(context.Background(), "op-1", intruder, "", []core.NewLine{{ProductID: "p3", Quantity: 1}})
	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want access denial", err)
	}
	if denied.Reason == "" {
		t.Fatal("denial must carry a reason for the screen")
	}
}

func TestMultiWaiterPolicyAdmitsForeignWaiter(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	policy := defaultPolicy()
	policy.MultiWaiterEnabled = true
	fx := newOrderFixture(t, policy, owner)
	colleague := core.Staff{ID: "w2", Name: "Luis", Role: core.StaffRoleWaiter}

	err := fx.orders.AddItems(context.Background(), "op-1", colleague, "", []core.NewLine{{ProductID: "p3", Quantity: 1}})
	if err != nil {
		t.Fatalf("AddItems under multi-waiter policy: %v", err)
	}
}

func TestOverridePINConvertsDenialAndIsAudited(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	policy := defaultPolicy()
	hash, err := bcrypt.GenerateFromPassword([]byte("4321"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	policy.OverridePINHash = string(hash)
	fx := newOrderFixture(t, policy, owner)
	intruder := core.Staff{ID: "w2", Name: "Luis", Role: core.StaffRoleWaiter}

	if err := fx.orders.AddItems(context.Background(), "op-1", intruder, "1111", nil); err == nil {
		t.Fatal("wrong PIN must not convert the denial")
	}
	if err := fx.orders.AddItems(context.Background(), "op-1", intruder, "4321", []core.NewLine{{ProductID: "p3", Quantity: 1}}); err != nil {
		t.Fatalf("AddItems with valid override: %v", err)
	}

	var sawOverride bool
	for _, k := range fx.recorder.kinds() {
		if k == core.ActivityOverride {
			sawOverride = true
		}
	}
	if !sawOverride {
		t.Fatal("override use must land in the activity log")
	}
}

func TestCashierBypassesOwnership(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	fx := newOrderFixture(t, defaultPolicy(), owner)
	cashier := core.Staff{ID: "c1", Name: "Rosa", Role: core.StaffRoleCashier}

	if err := fx.orders.AddItems(context.Background(), "op-1", cashier, "", []core.NewLine{{ProductID: "p3", Quantity: 1}}); err != nil {
		t.Fatalf("cashier access: %v", err)
	}
}

func TestIssueBillFoldsDerivedIDsAndMarksToPay(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	fx := newOrderFixture(t, defaultPolicy(), owner)

	derived, err := fx.orders.SplitLine(context.Background(), "op-1", owner, "", "l1")
	if err != nil {
		t.Fatalf("SplitLine: %v", err)
	}

	if err := fx.orders.IssueBill(context.Background(), "op-1", owner, "", []string{derived.ID, "l1"}); err != nil {
		t.Fatalf("IssueBill: %v", err)
	}

	if len(fx.api.lastBillLines) != 1 || fx.api.lastBillLines[0] != "l1" {
		t.Fatalf("remote bill lines = %v, want the origin id only", fx.api.lastBillLines)
	}
	table, _ := fx.tables.Tables().Get("t1")
	if table.Status != core.TableStatusToPay {
		t.Fatalf("table status = %s, want TO_PAY", table.Status)
	}
}

func TestFullSettlementReleasesTable(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	fx := newOrderFixture(t, defaultPolicy(), owner)

	payments := []core.Payment{{Method: core.PaymentMethodCash, Amount: price("40.00")}}
	result, err := fx.orders.Settle(context.Background(), "op-1", owner, "", nil, payments)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Plan.Partial {
		t.Fatal("selecting nothing settles everything")
	}

	table, _ := fx.tables.Tables().Get("t1")
	if table.Status != core.TableStatusAvailable || table.CurrentOperationID != "" {
		t.Fatalf("table after full settlement = %+v", table)
	}
}

func TestPartialSettlementKeepsTableHeld(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	fx2 := newOrderFixture(t, defaultPolicy(), owner)
	if _, err := fx2.orders.Ledger(context.Background(), "op-1"); err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	// Settlements answer without a snapshot so the local ledger keeps
	// driving the payable view.
	fx2.api.operation = nil

	payments := []core.Payment{{Method: core.PaymentMethodCash, Amount: price("10.00")}}
	result, err := fx2.orders.Settle(context.Background(), "op-1", owner, "", []string{"l2"}, payments)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !result.Plan.Partial {
		t.Fatal("subset selection must classify as partial")
	}
	if !fx2.api.lastSettle.IsPartial {
		t.Fatal("partial flag must reach the remote request")
	}

	table, _ := fx2.tables.Tables().Get("t1")
	if table.Status != core.TableStatusOccupied {
		t.Fatalf("table after partial settlement = %+v", table)
	}
}

func TestRemoteRejectionTriggersRefetch(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	fx := newOrderFixture(t, defaultPolicy(), owner)
	if _, err := fx.orders.Ledger(context.Background(), "op-1"); err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	before := fx.api.getCalls

	fx.api.reject = true
	err := fx.orders.AddItems(context.Background(), "op-1", owner, "", []core.NewLine{{ProductID: "p3", Quantity: 1}})
	var rejected *settlement.RemoteRejectionError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want remote rejection", err)
	}
	if fx.api.getCalls != before+1 {
		t.Fatalf("getCalls = %d, want a refetch after rejection", fx.api.getCalls)
	}
}

func TestFailedRefetchKeepsLastKnownView(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	fx := newOrderFixture(t, defaultPolicy(), owner)
	led, err := fx.orders.Ledger(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}

	// The mutation and the recovery refetch both fail; the terminal keeps
	// its last known view instead of blanking the screen.
	fx.api.netErr = errors.New("network down")
	if err := fx.orders.AddItems(context.Background(), "op-1", owner, "", []core.NewLine{{ProductID: "p3", Quantity: 1}}); err == nil {
		t.Fatal("expected a transport error")
	}
	if len(led.Lines()) != 2 {
		t.Fatalf("lines = %d, want the pre-failure view intact", len(led.Lines()))
	}
}

func TestCancelOperationReleasesAndClearsLedger(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	fx := newOrderFixture(t, defaultPolicy(), owner)
	if _, err := fx.orders.Ledger(context.Background(), "op-1"); err != nil {
		t.Fatalf("Ledger: %v", err)
	}

	if err := fx.orders.CancelOperation(context.Background(), "op-1", owner, ""); err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}

	table, _ := fx.tables.Tables().Get("t1")
	if table.Status != core.TableStatusAvailable {
		t.Fatalf("table after cancellation = %+v", table)
	}
	if len(fx.store.deleted) == 0 || fx.store.deleted[0] != "op-1" {
		t.Fatalf("persisted ledger not dropped: %v", fx.store.deleted)
	}
}

func TestValidationFailureNeverRefetches(t *testing.T) {
	owner := core.Staff{ID: "w1", Name: "Ana", Role: core.StaffRoleWaiter}
	fx := newOrderFixture(t, defaultPolicy(), owner)
	if _, err := fx.orders.Ledger(context.Background(), "op-1"); err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	before := fx.api.getCalls

	// A mismatched tender is a validation failure; the server never saw it.
	payments := []core.Payment{{Method: core.PaymentMethodCash, Amount: price("5.00")}}
	_, err := fx.orders.Settle(context.Background(), "op-1", owner, "", nil, payments)
	var mismatch *settlement.TenderMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want tender mismatch", err)
	}
	if fx.api.getCalls != before {
		t.Fatal("validation failures must not trigger a refetch")
	}
	if fx.api.settleCalls != 0 {
		t.Fatal("validation failures must not reach the network")
	}
}
