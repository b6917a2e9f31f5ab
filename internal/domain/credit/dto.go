package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// AddCreditRequest is the body of POST /api/admin/credits
type AddCreditRequest struct {
	UserID         int64                  `json:"user_id" validate:"required,gt=0"`
	Amount         decimal.Decimal        `json:"amount"`
	CreditType     string                 `json:"credit_type" validate:"required,max=64"`
	StartDate      *time.Time             `json:"start_date,omitempty"`
	ExpirationDate *time.Time             `json:"expiration_date,omitempty"`
	Status         string                 `json:"status,omitempty" validate:"omitempty,credit_status"`
	TypeRef        string                 `json:"type_id,omitempty" validate:"max=64"`
	Comment        string                 `json:"comment,omitempty" validate:"max=500"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
}

func (r AddCreditRequest) options() AddOptions {
	opts := AddOptions{
		StartDate:      r.StartDate,
		ExpirationDate: r.ExpirationDate,
		TypeRef:        r.TypeRef,
		Comment:        r.Comment,
		Meta:           Meta(r.Meta),
	}
	if r.Status != "" {
		status := Status(r.Status)
		opts.Status = &status
	}
	return opts
}

// ConsumeCreditsRequest is the body of POST /api/admin/credits/consume
type ConsumeCreditsRequest struct {
	UserID     int64                  `json:"user_id" validate:"required,gt=0"`
	Amount     decimal.Decimal        `json:"amount"`
	CreditType string                 `json:"credit_type,omitempty" validate:"max=64"`
	Order      string                 `json:"order,omitempty" validate:"omitempty,oneof=asc desc"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

func (r ConsumeCreditsRequest) options() ConsumeOptions {
	opts := ConsumeOptions{
		Order: Order(r.Order),
		Meta:  Meta(r.Meta),
	}
	if r.CreditType != "" {
		t := TypeID(r.CreditType)
		opts.CreditType = &t
	}
	return opts
}

// TransferRequest is the body of POST /api/v1/credits/transfer. The recipient
// always receives TypeTransfer credits.
type TransferRequest struct {
	ToUserID   int64           `json:"to_user_id" validate:"required,gt=0"`
	Amount     decimal.Decimal `json:"amount"`
	SourceType string          `json:"source_type,omitempty" validate:"max=64"`
	Comment    string          `json:"comment,omitempty" validate:"max=500"`
}

func (r TransferRequest) options() TransferOptions {
	opts := TransferOptions{Comment: r.Comment}
	if r.SourceType != "" {
		t := TypeID(r.SourceType)
		opts.SourceType = &t
	}
	return opts
}

// AdminTransferRequest is the body of POST /api/admin/credits/transfer
type AdminTransferRequest struct {
	FromUserID int64  `json:"from_user_id" validate:"required,gt=0"`
	CreditType string `json:"credit_type,omitempty" validate:"max=64"`
	TransferRequest
}

func (r AdminTransferRequest) options() TransferOptions {
	opts := r.TransferRequest.options()
	if r.CreditType != "" {
		t := TypeID(r.CreditType)
		opts.CreditType = &t
	}
	return opts
}

// UpdateStatusRequest is the body of PATCH /api/admin/credits/{id}/status
type UpdateStatusRequest struct {
	Status  string  `json:"status" validate:"required,credit_status"`
	Comment *string `json:"comment,omitempty" validate:"omitempty,max=500"`
}

// RegisterTypeRequest is the body of POST /api/admin/credit-types
type RegisterTypeRequest struct {
	ID           string          `json:"id" validate:"required,max=64"`
	Name         string          `json:"name" validate:"required,max=120"`
	Priority     *int            `json:"priority,omitempty"`
	Expirable    *bool           `json:"expirable,omitempty"`
	Transferable *bool           `json:"transferable,omitempty"`
	Stackable    *bool           `json:"stackable,omitempty"`
	AutoConsume  *bool           `json:"auto_consume,omitempty"`
	MinAmount    decimal.Decimal `json:"min_amount"`
	MaxAmount    decimal.Decimal `json:"max_amount"`
	Increment    decimal.Decimal `json:"increment"`
	Duration     int             `json:"duration" validate:"gte=0"`
	DurationUnit string          `json:"duration_unit,omitempty" validate:"omitempty,oneof=hours days weeks months years"`
	GracePeriod  int             `json:"grace_period" validate:"gte=0"`
	NotifyBefore int             `json:"notify_before" validate:"gte=0"`
}

func (r RegisterTypeRequest) spec() TypeSpec {
	return TypeSpec{
		Name:         r.Name,
		Priority:     r.Priority,
		Expirable:    r.Expirable,
		Transferable: r.Transferable,
		Stackable:    r.Stackable,
		AutoConsume:  r.AutoConsume,
		Rules: ConsumptionRules{
			MinAmount: r.MinAmount,
			MaxAmount: r.MaxAmount,
			Increment: r.Increment,
		},
		Expiration: ExpirationSettings{
			Duration:     r.Duration,
			Unit:         DurationUnit(r.DurationUnit),
			GracePeriod:  r.GracePeriod,
			NotifyBefore: r.NotifyBefore,
		},
	}
}

// GrantResponse is a grant as shown over the API
type GrantResponse struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	CreditType     TypeID          `json:"credit_type"`
	TypeName       string          `json:"type_name"`
	TypeRef        string          `json:"type_id"`
	Credit         decimal.Decimal `json:"credit"`
	Consumed       decimal.Decimal `json:"consumed"`
	Remaining      decimal.Decimal `json:"remaining"`
	Available      bool            `json:"available"`
	StartDate      time.Time       `json:"start_date"`
	ExpirationDate *time.Time      `json:"expiration_date,omitempty"`
	Status         Status          `json:"status"`
	Comment        string          `json:"comment,omitempty"`
	Meta           Meta            `json:"meta,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// GrantResponseFrom builds the API view of g as of now.
func GrantResponseFrom(registry *Registry, g Grant, now time.Time) GrantResponse {
	return GrantResponse{
		ID:             g.ID,
		UserID:         g.UserID,
		CreditType:     g.CreditType,
		TypeName:       registry.DisplayName(g.CreditType),
		TypeRef:        g.TypeRef,
		Credit:         g.Credit,
		Consumed:       g.Consumed,
		Remaining:      g.Remaining(),
		Available:      g.IsAvailableAt(now),
		StartDate:      g.StartDate,
		ExpirationDate: g.ExpirationDate,
		Status:         g.Status,
		Comment:        g.Comment,
		Meta:           g.Meta,
		CreatedAt:      g.CreatedAt,
		UpdatedAt:      g.UpdatedAt,
	}
}

// BalanceResponse carries the cached and live balance of a user
type BalanceResponse struct {
	UserID    int64           `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
}
