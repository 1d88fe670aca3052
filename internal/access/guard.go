// Package access decides whether the active staff member may read or mutate
// a table's order. The predicate is pure and must be re-evaluated on every
// attempt; callers never cache a Decision.
package access

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/dumu-tech/mesa-terminal/internal/core"
)

// Decision is the outcome of an access check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CanAccess evaluates the branch access rules in order:
// cashiers always settle, unoccupied tables are open, multi-waiter branches
// share tables, owners keep their own tables, everyone else is denied with a
// reason naming the occupying staff member.
func CanAccess(table core.Table, staff core.Staff, policy core.BranchPolicy) Decision {
	if staff.Role == core.StaffRoleCashier {
		return Decision{Allowed: true}
	}
	if !table.IsOccupied() {
		return Decision{Allowed: true}
	}
	if policy.MultiWaiterEnabled {
		return Decision{Allowed: true}
	}
	if table.OccupiedByID == staff.ID {
		return Decision{Allowed: true}
	}
	return Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("table %s is attended by %s", table.Name, table.OccupiedByName),
	}
}

// VerifyOverridePIN checks a supervisor PIN against the branch policy hash,
// letting a denial be overridden at the terminal. An empty configured hash
// disables overrides entirely.
func VerifyOverridePIN(policy core.BranchPolicy, pin string) bool {
	if policy.OverridePINHash == "" || pin == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(policy.OverridePINHash), []byte(pin)) == nil
}
