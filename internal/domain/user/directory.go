package user

import (
	"context"
	"errors"

	"github.com/cobra-ai/credits/internal/domain/credit"
)

// Directory resolves ledger users to email recipients
type Directory struct {
	repo Repository
}

// NewDirectory creates a credit.UserDirectory backed by the users table
func NewDirectory(repo Repository) *Directory {
	return &Directory{repo: repo}
}

func (d *Directory) Recipient(ctx context.Context, userID int64) (credit.Recipient, error) {
	u, err := d.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return credit.Recipient{}, credit.ErrRecipientNotFound
		}
		return credit.Recipient{}, err
	}
	if u.Email == "" {
		return credit.Recipient{}, credit.ErrRecipientNotFound
	}
	return credit.Recipient{Email: u.Email, Name: u.Name()}, nil
}
