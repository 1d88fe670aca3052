// Package ledger tracks, per operation, how much of each original line has
// already been invoiced, and lets the terminal split a multi-quantity line
// into individually payable units and merge them back. The ledger is a local
// reconciliation aid; the server snapshot always wins where it speaks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/dumu-tech/mesa-terminal/internal/core"
)

var (
	// ErrLineNotFound reports an unknown line id.
	ErrLineNotFound = errors.New("line item not found")
	// ErrSplitQuantity reports a split of a quantity-1 line.
	ErrSplitQuantity = errors.New("cannot split a line with quantity 1")
	// ErrSplitDerived reports a split of a line that is itself a split.
	ErrSplitDerived = errors.New("cannot split a derived line")
	// ErrNotDerived reports a merge target that is not a derived line.
	ErrNotDerived = errors.New("merge target is not a derived line")
	// ErrImmutableLine reports a structural edit against a line the server
	// has already settled or canceled. The ledger is left untouched.
	ErrImmutableLine = errors.New("line is settled or canceled")
)

// Selection names one selected line and the quantity being settled from it.
type Selection struct {
	LineID   string
	Quantity int
}

// Ledger is the per-operation reconciliation state. One instance per loaded
// order screen; create with Load, discard with Clear when the operation
// reaches a terminal state.
type Ledger struct {
	operationID string
	status      core.OperationStatus
	lines       []core.LineItem
	base        map[string]int // origin id -> quantity when last replaced from server
	invoiced    map[string]int // origin id -> accumulated invoiced quantity
	store       core.LedgerStore
}

// Load builds a ledger from an authoritative operation snapshot, restoring
// any previously persisted invoiced quantities. Store failures degrade to an
// empty ledger: persistence is best-effort by design of the store contract.
func Load(ctx context.Context, op *core.Operation, store core.LedgerStore) *Ledger {
	l := &Ledger{
		operationID: op.ID,
		store:       store,
		invoiced:    make(map[string]int),
	}
	if store != nil {
		if saved, err := store.Load(ctx, op.ID); err != nil {
			log.Printf("ledger: restore for operation %s failed: %v", op.ID, err)
		} else if saved != nil {
			l.invoiced = saved
		}
	}
	l.replaceLines(op)
	return l
}

// OperationID returns the owning operation's id.
func (l *Ledger) OperationID() string { return l.operationID }

// Status returns the operation status as of the last server snapshot.
func (l *Ledger) Status() core.OperationStatus { return l.status }

// Lines returns the current local view of the operation's lines, in order.
func (l *Ledger) Lines() []core.LineItem {
	out := make([]core.LineItem, len(l.lines))
	copy(out, l.lines)
	return out
}

// Line finds a line by id.
func (l *Ledger) Line(id string) (core.LineItem, bool) {
	for _, line := range l.lines {
		if line.ID == id {
			return line, true
		}
	}
	return core.LineItem{}, false
}

// PayableLines returns the lines still selectable for settlement: not
// canceled by the server and with positive remaining quantity in their
// lineage.
func (l *Ledger) PayableLines() []core.LineItem {
	var out []core.LineItem
	for _, line := range l.lines {
		if line.IsCanceled {
			continue
		}
		if l.Remaining(line.OriginOrSelf()) <= 0 {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Remaining computes how much of the named line's lineage is still payable.
// The server-reported remaining quantity wins when present; the local ledger
// only fills in while the server field is absent. Never negative.
func (l *Ledger) Remaining(lineID string) int {
	line, ok := l.Line(lineID)
	if !ok {
		return 0
	}
	originID := line.OriginOrSelf()

	if origin, ok := l.Line(originID); ok {
		if origin.IsCanceled {
			return 0
		}
		if origin.RemainingQuantity != nil {
			return clampZero(*origin.RemainingQuantity)
		}
	}
	return clampZero(l.base[originID] - l.invoiced[originID])
}

// Split carves one unit off a multi-quantity line into a new derived line
// sharing the origin's product and unit price. The quantity sum across the
// lineage is unchanged.
func (l *Ledger) Split(lineID string) (core.LineItem, error) {
	idx := l.index(lineID)
	if idx < 0 {
		return core.LineItem{}, fmt.Errorf("split %s: %w", lineID, ErrLineNotFound)
	}
	src := l.lines[idx]
	switch {
	case src.IsDerived():
		return core.LineItem{}, fmt.Errorf("split %s: %w", lineID, ErrSplitDerived)
	case src.IsCanceled || l.Remaining(src.ID) <= 0:
		return core.LineItem{}, fmt.Errorf("split %s: %w", lineID, ErrImmutableLine)
	case src.Quantity <= 1:
		return core.LineItem{}, fmt.Errorf("split %s: %w", lineID, ErrSplitQuantity)
	}

	l.lines[idx].Quantity--

	derived := core.LineItem{
		ID:        uuid.NewString(),
		OriginID:  src.ID,
		ProductID: src.ProductID,
		Name:      src.Name,
		Quantity:  1,
		UnitPrice: src.UnitPrice,
		Notes:     src.Notes,
	}
	l.lines = append(l.lines, derived)
	return derived, nil
}

// Merge returns a derived line's quantity to its origin and removes it,
// recreating the origin if every unit had been carved out of it.
func (l *Ledger) Merge(derivedID string) error {
	idx := l.index(derivedID)
	if idx < 0 {
		return fmt.Errorf("merge %s: %w", derivedID, ErrLineNotFound)
	}
	derived := l.lines[idx]
	if !derived.IsDerived() {
		return fmt.Errorf("merge %s: %w", derivedID, ErrNotDerived)
	}
	if derived.IsCanceled {
		return fmt.Errorf("merge %s: %w", derivedID, ErrImmutableLine)
	}

	originIdx := l.index(derived.OriginID)
	if originIdx < 0 {
		// Origin fully carved away earlier; restore it in place of the split.
		origin := derived
		origin.ID = derived.OriginID
		origin.OriginID = ""
		l.lines[idx] = origin
		return nil
	}

	l.lines[originIdx].Quantity += derived.Quantity
	l.lines = append(l.lines[:idx], l.lines[idx+1:]...)
	return nil
}

// MergeAll merges every outstanding derived line of the given origin.
func (l *Ledger) MergeAll(originID string) error {
	if l.index(originID) < 0 {
		return fmt.Errorf("merge all %s: %w", originID, ErrLineNotFound)
	}
	for {
		merged := false
		for _, line := range l.lines {
			if line.OriginID == originID {
				if err := l.Merge(line.ID); err != nil {
					return err
				}
				merged = true
				break
			}
		}
		if !merged {
			return nil
		}
	}
}

// RecordInvoiced accumulates the settled quantities after one confirmed
// settlement. Derived ids resolve to their origin before recording; the
// settled lines leave the local payable view immediately so the screen stays
// correct until the authoritative refetch lands. Persistence is best-effort.
func (l *Ledger) RecordInvoiced(ctx context.Context, selections []Selection) error {
	for _, sel := range selections {
		line, ok := l.Line(sel.LineID)
		if !ok {
			continue
		}
		l.invoiced[line.OriginOrSelf()] += sel.Quantity
		l.consume(line.ID, sel.Quantity)
	}

	if l.store == nil {
		return nil
	}
	if err := l.store.Save(ctx, l.operationID, l.invoiced); err != nil {
		return fmt.Errorf("persist invoiced quantities for %s: %w", l.operationID, err)
	}
	return nil
}

// consume reduces or removes a settled line from the local view.
func (l *Ledger) consume(lineID string, quantity int) {
	idx := l.index(lineID)
	if idx < 0 {
		return
	}
	if l.lines[idx].Quantity > quantity {
		l.lines[idx].Quantity -= quantity
		return
	}
	l.lines = append(l.lines[:idx], l.lines[idx+1:]...)
}

// ReplaceFromServer reconciles against an authoritative snapshot: every
// server-owned field (lines, statuses) is replaced wholesale, while the
// locally-owned invoiced map is preserved. A terminal status clears the
// ledger and its persisted state.
func (l *Ledger) ReplaceFromServer(ctx context.Context, op *core.Operation) {
	l.replaceLines(op)
	if op.Status.IsTerminal() {
		if err := l.Clear(ctx); err != nil {
			log.Printf("ledger: clear after terminal status: %v", err)
		}
	}
}

func (l *Ledger) replaceLines(op *core.Operation) {
	l.status = op.Status
	l.lines = make([]core.LineItem, len(op.Lines))
	copy(l.lines, op.Lines)
	l.base = make(map[string]int)
	for _, line := range l.lines {
		l.base[line.OriginOrSelf()] += line.Quantity
	}
}

// InvoicedQuantity returns the accumulated invoiced quantity for an origin.
func (l *Ledger) InvoicedQuantity(originID string) int {
	return l.invoiced[originID]
}

// Clear wipes the invoiced map and its persisted copy. Called when the
// operation completes or is cancelled.
func (l *Ledger) Clear(ctx context.Context) error {
	l.invoiced = make(map[string]int)
	if l.store == nil {
		return nil
	}
	if err := l.store.Delete(ctx, l.operationID); err != nil {
		return fmt.Errorf("drop persisted ledger for %s: %w", l.operationID, err)
	}
	return nil
}

func (l *Ledger) index(lineID string) int {
	for i, line := range l.lines {
		if line.ID == lineID {
			return i
		}
	}
	return -1
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
