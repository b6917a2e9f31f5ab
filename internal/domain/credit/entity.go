package credit

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a credit grant.
type Status string

const (
	StatusActive  Status = "active"
	StatusPending Status = "pending"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusExpired, StatusDeleted:
		return true
	}
	return false
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// allowedTransitions lists explicit status moves. Nothing leads back to
// active from expired or deleted: there is no reactivate path.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusDeleted},
	StatusActive:  {StatusPending, StatusExpired, StatusDeleted},
	StatusExpired: {StatusDeleted},
}

// CanTransition reports whether a grant may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range allowedTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Order selects which grants a consumption draws from first.
// It is unrelated to TypeDefinition.Priority.
type Order string

const (
	OldestFirst Order = "asc"
	NewestFirst Order = "desc"
)

// Meta is free-form structured metadata attached to a grant.
type Meta map[string]interface{}

// Value implements driver.Valuer.
func (m Meta) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Meta) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Meta{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("credit: unsupported meta column type")
	}
	if len(raw) == 0 {
		*m = Meta{}
		return nil
	}
	out := Meta{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// merge returns a copy of m with extra applied on top.
func (m Meta) merge(extra Meta) Meta {
	out := make(Meta, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// Grant is a single credit row in the ledger.
type Grant struct {
	ID             int64           `db:"id" json:"id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	CreditType     TypeID          `db:"credit_type" json:"credit_type"`
	TypeRef        string          `db:"type_id" json:"type_id"`
	Credit         decimal.Decimal `db:"credit" json:"credit"`
	Consumed       decimal.Decimal `db:"consumed" json:"consumed"`
	StartDate      time.Time       `db:"start_date" json:"start_date"`
	ExpirationDate *time.Time      `db:"expiration_date" json:"expiration_date,omitempty"`
	Status         Status          `db:"status" json:"status"`
	Comment        string          `db:"comment" json:"comment"`
	Meta           Meta            `db:"meta" json:"meta"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Remaining returns the unconsumed part of the grant.
func (g *Grant) Remaining() decimal.Decimal {
	return g.Credit.Sub(g.Consumed)
}

// IsExpiredAt reports whether the grant's expiration date has passed at now.
// The boundary is exclusive: a grant expiring exactly at now is expired.
func (g *Grant) IsExpiredAt(now time.Time) bool {
	if g.ExpirationDate == nil {
		return false
	}
	return !g.ExpirationDate.After(now)
}

// IsAvailableAt reports whether credits can be drawn from the grant at now.
func (g *Grant) IsAvailableAt(now time.Time) bool {
	return g.Status == StatusActive && !g.IsExpiredAt(now) && g.Remaining().IsPositive()
}

// GrantUpdate carries the fields UpdateGrant may change. Nil fields are left
// alone. Status moves only through UpdateStatus.
type GrantUpdate struct {
	Comment *string
	Meta    Meta
}

// Consumption is the amount drawn from one grant by a single consume call.
type Consumption struct {
	GrantID int64           `json:"grant_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// ConsumeResult summarises a successful consumption.
type ConsumeResult struct {
	UserID       int64           `json:"user_id"`
	Amount       decimal.Decimal `json:"amount"`
	Consumptions []Consumption   `json:"consumptions"`
	Balance      decimal.Decimal `json:"balance"`
}

// TransferResult summarises a successful transfer.
type TransferResult struct {
	TransferID    string          `json:"transfer_id"`
	FromUserID    int64           `json:"from_user_id"`
	ToUserID      int64           `json:"to_user_id"`
	Amount        decimal.Decimal `json:"amount"`
	ReceivedGrant int64           `json:"received_grant_id"`
	Consumptions  []Consumption   `json:"consumptions"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

// ListFilter narrows a user's grant listing.
type ListFilter struct {
	Status     *Status
	CreditType *TypeID
	Pagination
}

// SearchFilters provides admin-facing grant filtering.
type SearchFilters struct {
	UserID     *int64
	Status     *Status
	CreditType *TypeID
	DateFrom   *time.Time
	DateTo     *time.Time
	Limit      int
	Offset     int
}
