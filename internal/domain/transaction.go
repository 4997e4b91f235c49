package domain

import "time"

// Transaction types recorded in the ledger.
const (
	TransactionTypeReportDebit     = "report_debit"
	TransactionTypeAdminAdjustment = "admin_adjustment"
	TransactionTypePlanGrant       = "plan_grant"
)

// Transaction is an immutable ledger entry. Amount is signed: negative for
// debits, positive for credits. Rows are append-only and never updated;
// the only permitted deletion is an explicit admin reset of a team's history.
type Transaction struct {
	ID          string
	TeamID      string
	UserID      string
	Amount      int64
	Type        string
	Description string
	CreatedAt   time.Time
}
