package core

import "github.com/shopspring/decimal"

// TableStatus represents the occupancy state of a table
type TableStatus string

const (
	TableStatusAvailable   TableStatus = "AVAILABLE"
	TableStatusOccupied    TableStatus = "OCCUPIED"
	TableStatusToPay       TableStatus = "TO_PAY"
	TableStatusInProcess   TableStatus = "IN_PROCESS"
	TableStatusMaintenance TableStatus = "MAINTENANCE"
)

// Table represents a dining table and its occupancy.
// Invariant: Status == AVAILABLE exactly when CurrentOperationID and
// OccupiedByID are both empty.
type Table struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Zone               string      `json:"zone"`
	Capacity           int         `json:"capacity"`
	Status             TableStatus `json:"status"`
	CurrentOperationID string      `json:"current_operation_id,omitempty"`
	OccupiedByID       string      `json:"occupied_by_id,omitempty"`
	OccupiedByName     string      `json:"occupied_by_name,omitempty"`
}

// IsOccupied reports whether any staff member currently holds the table.
func (t Table) IsOccupied() bool {
	return t.OccupiedByID != ""
}

// OperationStatus represents the state of an operation (order/tab)
type OperationStatus string

const (
	OperationStatusProcessing OperationStatus = "PROCESSING"
	OperationStatusToPay      OperationStatus = "TO_PAY"
	OperationStatusCompleted  OperationStatus = "COMPLETED"
	OperationStatusCancelled  OperationStatus = "CANCELLED"
)

// IsTerminal reports whether the operation can no longer change.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusCancelled
}

// Operation represents an open order attached to a table
type Operation struct {
	ID         string          `json:"id"`
	Status     OperationStatus `json:"status"`
	TableID    string          `json:"table_id"`
	WaiterID   string          `json:"waiter_id"`
	WaiterName string          `json:"waiter_name"`
	Lines      []LineItem      `json:"lines"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	TaxAmount  decimal.Decimal `json:"tax_amount"`
	Total      decimal.Decimal `json:"total"`
}

// LineItem represents one product entry within an operation. A derived line
// carved out of a multi-quantity original carries the original's id in
// OriginID; an original line has OriginID empty.
type LineItem struct {
	ID                string          `json:"id"`
	OriginID          string          `json:"origin_id,omitempty"`
	ProductID         string          `json:"product_id"`
	Name              string          `json:"name"`
	Quantity          int             `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"` // tax-inclusive
	IsCanceled        bool            `json:"is_canceled"`
	RemainingQuantity *int            `json:"remaining_quantity,omitempty"` // server-reported
	Notes             string          `json:"notes,omitempty"`
}

// IsDerived reports whether the line was split off another line.
func (l LineItem) IsDerived() bool {
	return l.OriginID != ""
}

// OriginOrSelf returns the id remote settlement and transfer calls must use:
// derived lines always resolve to their origin.
func (l LineItem) OriginOrSelf() string {
	if l.OriginID != "" {
		return l.OriginID
	}
	return l.ID
}

// Total returns quantity times tax-inclusive unit price.
func (l LineItem) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// PaymentMethod represents the instrument used to tender a payment
type PaymentMethod string

const (
	PaymentMethodCash          PaymentMethod = "CASH"
	PaymentMethodCard          PaymentMethod = "CARD"
	PaymentMethodDigitalWallet PaymentMethod = "DIGITAL_WALLET"
	PaymentMethodTransfer      PaymentMethod = "TRANSFER"
)

// RequiresReference reports whether the method must carry an external
// reference number on settlement.
func (m PaymentMethod) RequiresReference() bool {
	return m == PaymentMethodDigitalWallet || m == PaymentMethodTransfer
}

// Payment represents one tendered instrument within a settlement attempt
type Payment struct {
	Method          PaymentMethod   `json:"method"`
	Amount          decimal.Decimal `json:"amount"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
}

// StaffRole represents the role of the logged-in staff member
type StaffRole string

const (
	StaffRoleWaiter  StaffRole = "WAITER"
	StaffRoleCashier StaffRole = "CASHIER"
	StaffRoleManager StaffRole = "MANAGER"
)

// Staff represents the staff member operating this terminal
type Staff struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Role StaffRole `json:"role"`
}

// BranchPolicy holds the branch-level configuration the reconciliation
// core depends on.
type BranchPolicy struct {
	MultiWaiterEnabled bool            `json:"multi_waiter_enabled"`
	TaxRate            decimal.Decimal `json:"tax_rate"` // e.g. 0.10 for 10%
	OverridePINHash    string          `json:"-"`        // bcrypt hash for supervisor override
}

// ActivityKind classifies a terminal-local activity-log entry
type ActivityKind string

const (
	ActivityOccupy       ActivityKind = "OCCUPY"
	ActivityRelease      ActivityKind = "RELEASE"
	ActivityTransfer     ActivityKind = "TRANSFER"
	ActivityBillIssued   ActivityKind = "BILL_ISSUED"
	ActivitySettlement   ActivityKind = "SETTLEMENT"
	ActivityLineEdit     ActivityKind = "LINE_EDIT"
	ActivityOverride     ActivityKind = "ACCESS_OVERRIDE"
	ActivityCancellation ActivityKind = "CANCELLATION"
)

// ActivityEntry is one terminal-local audit record
type ActivityEntry struct {
	ID          uint         `json:"id" gorm:"primaryKey"`
	When        int64        `json:"when" gorm:"index"` // unix seconds
	Kind        ActivityKind `json:"kind"`
	OperationID string       `json:"operation_id" gorm:"index"`
	TableID     string       `json:"table_id"`
	StaffID     string       `json:"staff_id"`
	Detail      string       `json:"detail"`
}
