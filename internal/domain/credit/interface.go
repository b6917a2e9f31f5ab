package credit

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Store is the persistence boundary of the ledger. Every method takes the
// querier to run on so callers can compose several calls in one transaction.
type Store interface {
	DB() *sqlx.DB
	BeginTx(ctx context.Context) (*sqlx.Tx, error)

	// InsertGrant persists g and returns its new id
	InsertGrant(ctx context.Context, q sqlx.ExtContext, g *Grant) (int64, error)
	UpdateGrant(ctx context.Context, q sqlx.ExtContext, id int64, upd GrantUpdate, now time.Time) error
	UpdateStatus(ctx context.Context, q sqlx.ExtContext, id int64, from, to Status, now time.Time) error

	// ConsumeFromGrant is a compare-and-swap on the consumed column
	ConsumeFromGrant(ctx context.Context, q sqlx.ExtContext, id int64, expected, next decimal.Decimal, meta Meta, now time.Time) error
	GetGrant(ctx context.Context, q sqlx.ExtContext, id int64) (*Grant, error)

	// FindAvailableGrants returns drawable grants, oldest first
	FindAvailableGrants(ctx context.Context, q sqlx.ExtContext, userID int64, creditType *TypeID, asOf time.Time) ([]Grant, error)
	FindExpiring(ctx context.Context, q sqlx.ExtContext, now, until time.Time) ([]Grant, error)
	FindExpired(ctx context.Context, q sqlx.ExtContext, now time.Time) ([]Grant, error)
	FindActiveByUser(ctx context.Context, q sqlx.ExtContext, userID int64, asOf time.Time) ([]Grant, error)
	FindByUserStatuses(ctx context.Context, q sqlx.ExtContext, userID int64, statuses []Status) ([]Grant, error)
	ListByUser(ctx context.Context, q sqlx.ExtContext, userID int64, filter ListFilter) ([]Grant, error)
	Search(ctx context.Context, q sqlx.ExtContext, filters SearchFilters) ([]Grant, error)

	SumAvailable(ctx context.Context, q sqlx.ExtContext, userID int64, asOf time.Time) (decimal.Decimal, error)
	SaveBalance(ctx context.Context, q sqlx.ExtContext, userID int64, balance decimal.Decimal, now time.Time) error
	GetBalance(ctx context.Context, q sqlx.ExtContext, userID int64) (decimal.Decimal, error)
	UsersForBalanceSync(ctx context.Context, q sqlx.ExtContext) ([]int64, error)
	DeleteDormant(ctx context.Context, q sqlx.ExtContext, before time.Time) (int64, error)

	// SaveType, DeleteType and ListTypes keep custom credit types across restarts
	SaveType(ctx context.Context, q sqlx.ExtContext, def TypeDefinition, now time.Time) error
	DeleteType(ctx context.Context, q sqlx.ExtContext, id TypeID) error
	ListTypes(ctx context.Context, q sqlx.ExtContext) ([]TypeDefinition, error)
}

// ConsumeValidator may veto drawing amount from grant g. Returning false skips
// the grant; the consumption moves on to the next one.
// Validators run inside the ledger transaction and must not touch the database.
type ConsumeValidator func(ctx context.Context, g Grant, amount decimal.Decimal) bool

// StatusValidator may veto moving g to next by returning an error.
type StatusValidator func(ctx context.Context, g Grant, next Status) error

// AddOptions tune AddCredit. The zero value grants an active credit starting now
// with the type's default expiration.
type AddOptions struct {
	StartDate      *time.Time
	ExpirationDate *time.Time
	Status         *Status
	TypeRef        string
	Comment        string
	Meta           Meta
}

// ConsumeOptions tune ConsumeCredits.
type ConsumeOptions struct {
	// CreditType restricts consumption to grants of one type
	CreditType *TypeID
	// Order picks which grants are drawn first. Defaults to OldestFirst.
	Order Order
	// Meta is merged into the meta of every grant drawn from
	Meta      Meta
	Validator ConsumeValidator
}

// TransferOptions tune TransferCredits.
type TransferOptions struct {
	// CreditType is the type of the grant the recipient receives. Defaults to TypeTransfer.
	CreditType *TypeID
	// SourceType restricts the sender's grants to one transferable type
	SourceType *TypeID
	Order      Order
	Comment    string
}

// StatusOptions tune UpdateCreditStatus.
type StatusOptions struct {
	Comment *string
	Meta    Meta
}
