package models

import "time"

// RoleName identifies one of the seeded roles.
type RoleName string

const (
	RoleUser  RoleName = "USER"
	RoleAdmin RoleName = "ADMIN"
)

// User represents a locally provisioned identity stored in the users table.
type User struct {
	ID          string     `db:"id" json:"id"`
	Subject     string     `db:"external_subject" json:"subject"`
	Email       string     `db:"email" json:"email"`
	DisplayName string     `db:"display_name" json:"display_name"`
	Active      bool       `db:"active" json:"active"`
	LastLogin   *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	Roles       []RoleName `db:"-" json:"roles"`
}

// HasRole reports whether the user currently holds role.
func (u *User) HasRole(role RoleName) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Role is a row of the static roles table.
type Role struct {
	Name        RoleName `db:"name" json:"name"`
	Description string   `db:"description" json:"description"`
}

// UserRole is the grant joining a user to a role.
type UserRole struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Role      RoleName  `db:"role" json:"role"`
	GrantedAt time.Time `db:"granted_at" json:"granted_at"`
	GrantedBy *string   `db:"granted_by" json:"granted_by,omitempty"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	Role      *RoleName
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
