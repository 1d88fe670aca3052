package core

import "context"

// APIResult is the common response shape of every remote mutation. Success
// plus a human-readable message, and where the server returns them, the
// authoritative snapshots the terminal reconciles against.
type APIResult struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Table     *Table     `json:"table,omitempty"`
	Operation *Operation `json:"operation,omitempty"`
}

// NewLine is the request shape for adding a product to an operation
type NewLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Notes     string `json:"notes,omitempty"`
}

// SettlementLine identifies how much of one original line a settlement covers
type SettlementLine struct {
	LineID   string `json:"line_id"`
	Quantity int    `json:"quantity"`
}

// SettlementRequest is the payload for creating a settlement document
type SettlementRequest struct {
	OperationID string           `json:"operation_id"`
	Lines       []SettlementLine `json:"lines"`
	Payments    []Payment        `json:"payments"`
	IsPartial   bool             `json:"is_partial"`
}

// OrderAPI defines the remote order/table/payment API the terminal consumes.
// Snapshots returned in APIResult are always authoritative.
type OrderAPI interface {
	CreateOperation(ctx context.Context, tableID string, staff Staff, lines []NewLine) (*APIResult, error)
	GetOperation(ctx context.Context, operationID string) (*Operation, error)
	GetTables(ctx context.Context) ([]Table, error)
	AddLineItems(ctx context.Context, operationID string, lines []NewLine) (*APIResult, error)
	CancelLineItem(ctx context.Context, operationID, lineID string, quantity int) (*APIResult, error)
	ChangeTable(ctx context.Context, operationID, toTableID string) (*APIResult, error)
	ChangeWaiter(ctx context.Context, operationID string, staff Staff) (*APIResult, error)
	TransferLineItems(ctx context.Context, operationID string, lines []SettlementLine, toTableID string) (*APIResult, error)
	IssueProvisionalBill(ctx context.Context, operationID string, lineIDs []string) (*APIResult, error)
	CreateSettlement(ctx context.Context, req SettlementRequest) (*APIResult, error)
	CancelOperation(ctx context.Context, operationID string) (*APIResult, error)
}

// LedgerStore persists the invoiced-quantity map for one operation under a
// namespaced local key. Best-effort storage: the map is a reconciliation aid,
// not a source of truth.
type LedgerStore interface {
	Load(ctx context.Context, operationID string) (map[string]int, error)
	Save(ctx context.Context, operationID string, invoiced map[string]int) error
	Delete(ctx context.Context, operationID string) error
}

// ActivityRecorder appends terminal-local audit records. All writes are
// best-effort; callers only log failures.
type ActivityRecorder interface {
	Record(ctx context.Context, entry ActivityEntry) error
	ByOperation(ctx context.Context, operationID string) ([]ActivityEntry, error)
}
