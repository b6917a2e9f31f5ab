package user

import "time"

// Role represents user role in the system
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the slice of an account the ledger needs: who to bill and who to notify
type User struct {
	ID          int64     `db:"id"`
	Email       string    `db:"email"`
	DisplayName string    `db:"display_name"`
	Role        Role      `db:"role"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// IsAdmin returns true if user is an admin
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Name returns the display name, falling back to the email address
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

// IsValidRole checks if role is known
func IsValidRole(role string) bool {
	return role == string(RoleUser) || role == string(RoleAdmin)
}
