// Package settlement decides whether a set of tendered payments settles the
// payable view of an operation, classifies the settlement as full or partial,
// and submits it to the remote API exactly once per user intent.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dumu-tech/mesa-terminal/internal/core"
	"github.com/dumu-tech/mesa-terminal/internal/ledger"
)

var (
	// ErrSettlementInFlight reports a second settlement attempt for an
	// operation whose first attempt has not resolved. No network call is made.
	ErrSettlementInFlight = errors.New("settlement already in flight for this operation")
	// ErrNoPayableLines reports a settlement against an empty payable view.
	ErrNoPayableLines = errors.New("no payable line items")
	// ErrLineNotPayable reports a selection of a line outside the payable view.
	ErrLineNotPayable = errors.New("selected line is not payable")
	// ErrMissingReference reports a reference-bearing payment method without
	// a reference number. A validation error, never sent to the server.
	ErrMissingReference = errors.New("payment method requires a reference number")
	// ErrNoPayments reports a settlement attempt without any payment.
	ErrNoPayments = errors.New("at least one payment is required")
)

// centTolerance is the equality window for tendered versus payable totals.
var centTolerance = decimal.NewFromFloat(0.01)

// TenderMismatchError reports tendered amounts that do not equal the payable
// total, carrying the signed difference (tendered minus payable).
type TenderMismatchError struct {
	Difference decimal.Decimal
}

func (e *TenderMismatchError) Error() string {
	return fmt.Sprintf("tendered total differs from payable total by %s", e.Difference.StringFixed(2))
}

// RemoteRejectionError reports a settlement the server refused. The message
// is surfaced verbatim; the caller must refetch to restore consistency.
type RemoteRejectionError struct {
	Message string
}

func (e *RemoteRejectionError) Error() string {
	return fmt.Sprintf("settlement rejected: %s", e.Message)
}

// Plan is an admissible settlement, validated but not yet submitted.
type Plan struct {
	Lines        []core.LineItem       // exact lines being settled, derived included
	RemoteLines  []core.SettlementLine // origin-resolved lines for the remote call
	Selections   []ledger.Selection    // per-line quantities for RecordInvoiced
	Subtotal     decimal.Decimal
	TaxAmount    decimal.Decimal
	PayableTotal decimal.Decimal
	Partial      bool
}

// Result is the outcome of a confirmed settlement.
type Result struct {
	Plan      *Plan
	Message   string
	Operation *core.Operation // authoritative snapshot, when the server returned one
	Table     *core.Table
}

// Reconciler validates and submits settlements. One instance per terminal;
// the in-flight guard serializes attempts per operation.
type Reconciler struct {
	api    core.OrderAPI
	policy core.BranchPolicy

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Reconciler.
func New(api core.OrderAPI, policy core.BranchPolicy) *Reconciler {
	return &Reconciler{
		api:      api,
		policy:   policy,
		inFlight: make(map[string]bool),
	}
}

// BuildPlan validates a settlement attempt against the current ledger state:
// payable selection, tender equality within one cent, reference numbers on
// reference-bearing methods, and full/partial classification. All failures
// here are validation errors caught before any network call.
func (r *Reconciler) BuildPlan(led *ledger.Ledger, selectedIDs []string, payments []core.Payment) (*Plan, error) {
	payable := led.PayableLines()
	if len(payable) == 0 {
		return nil, ErrNoPayableLines
	}
	if len(payments) == 0 {
		return nil, ErrNoPayments
	}

	lines := payable
	if len(selectedIDs) > 0 {
		selected := make(map[string]bool, len(selectedIDs))
		for _, id := range selectedIDs {
			selected[id] = true
		}
		lines = nil
		matched := 0
		for _, line := range payable {
			if selected[line.ID] {
				lines = append(lines, line)
				matched++
			}
		}
		if matched != len(selected) {
			return nil, fmt.Errorf("%w: %d of %d selected lines payable", ErrLineNotPayable, matched, len(selected))
		}
	}

	payableTotal := decimal.Zero
	for _, line := range lines {
		payableTotal = payableTotal.Add(line.Total())
	}

	// Unit prices are tax-inclusive; back the tax out of the total.
	divisor := decimal.NewFromInt(1).Add(r.policy.TaxRate)
	taxAmount := payableTotal.Sub(payableTotal.Div(divisor)).Round(2)
	subtotal := payableTotal.Sub(taxAmount)

	tendered := decimal.Zero
	for _, p := range payments {
		if p.Method.RequiresReference() && p.ReferenceNumber == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingReference, p.Method)
		}
		tendered = tendered.Add(p.Amount)
	}
	if diff := tendered.Sub(payableTotal); diff.Abs().GreaterThanOrEqual(centTolerance) {
		return nil, &TenderMismatchError{Difference: diff}
	}

	plan := &Plan{
		Lines:        lines,
		Subtotal:     subtotal,
		TaxAmount:    taxAmount,
		PayableTotal: payableTotal,
		Partial:      len(selectedIDs) > 0 && len(lines) < len(payable),
	}

	// The remote call only ever sees original line ids; derived quantities
	// fold back onto their origin.
	byOrigin := make(map[string]int)
	originOrder := make([]string, 0, len(lines))
	for _, line := range lines {
		origin := line.OriginOrSelf()
		if _, seen := byOrigin[origin]; !seen {
			originOrder = append(originOrder, origin)
		}
		byOrigin[origin] += line.Quantity
		plan.Selections = append(plan.Selections, ledger.Selection{LineID: line.ID, Quantity: line.Quantity})
	}
	for _, origin := range originOrder {
		plan.RemoteLines = append(plan.RemoteLines, core.SettlementLine{LineID: origin, Quantity: byOrigin[origin]})
	}

	return plan, nil
}

// Settle validates, submits, and records one settlement. A second call for
// the same operation while the first is unresolved fails immediately with
// ErrSettlementInFlight. On remote rejection or transport failure the ledger
// is untouched and the caller recovers by refetch-and-replace.
func (r *Reconciler) Settle(ctx context.Context, led *ledger.Ledger, selectedIDs []string, payments []core.Payment) (*Result, error) {
	operationID := led.OperationID()
	if !r.acquire(operationID) {
		return nil, ErrSettlementInFlight
	}
	defer r.release(operationID)

	plan, err := r.BuildPlan(led, selectedIDs, payments)
	if err != nil {
		return nil, err
	}

	res, err := r.api.CreateSettlement(ctx, core.SettlementRequest{
		OperationID: operationID,
		Lines:       plan.RemoteLines,
		Payments:    payments,
		IsPartial:   plan.Partial,
	})
	if err != nil {
		return nil, fmt.Errorf("submit settlement for %s: %w", operationID, err)
	}
	if !res.Success {
		return nil, &RemoteRejectionError{Message: res.Message}
	}

	if err := led.RecordInvoiced(ctx, plan.Selections); err != nil {
		// Persistence is an aid; the settlement already succeeded.
		log.Printf("settlement: %v", err)
	}
	if res.Operation != nil {
		led.ReplaceFromServer(ctx, res.Operation)
	}

	return &Result{
		Plan:      plan,
		Message:   res.Message,
		Operation: res.Operation,
		Table:     res.Table,
	}, nil
}

func (r *Reconciler) acquire(operationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[operationID] {
		return false
	}
	r.inFlight[operationID] = true
	return true
}

func (r *Reconciler) release(operationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, operationID)
}
