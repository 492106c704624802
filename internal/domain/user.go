package domain

import "time"

// PublicGroupUUID is the system group every principal, anonymous included, belongs to.
const PublicGroupUUID = "0x00000000000000000000000000000000"

type User struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	UserName     string    `gorm:"uniqueIndex;size:255;not null" json:"user_name"`
	Email        string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Password     string    `gorm:"-" json:"-"` // input only, not stored in db
	PasswordHash string    `json:"-"`
	TokenVersion uint64    `gorm:"not null;default:0" json:"-"`
	IsActive     bool      `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SafeUser represents a user without sensitive information
type SafeUser struct {
	ID        uint64    `json:"id"`
	UserName  string    `json:"user_name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

func (u *User) ToSafeUser() SafeUser {
	return SafeUser{
		ID:        u.ID,
		UserName:  u.UserName,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
		IsActive:  u.IsActive,
	}
}

type Group struct {
	UUID        string    `gorm:"primaryKey;size:63" json:"uuid"`
	Name        string    `gorm:"uniqueIndex;size:255;not null" json:"name"`
	OwnerID     *uint64   `json:"owner_id"`
	UserDefined bool      `gorm:"not null" json:"user_defined"`
	CreatedAt   time.Time `json:"created_at"`
}

type UserGroup struct {
	ID        uint64 `gorm:"primaryKey"`
	GroupUUID string `gorm:"uniqueIndex:idx_user_group;size:63;not null"`
	UserID    uint64 `gorm:"uniqueIndex:idx_user_group;index;not null"`
	IsAdmin   bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

// Principal is the identity a request runs as. The zero value is anonymous.
type Principal struct {
	UserID   uint64
	UserName string
}

func (p Principal) Authenticated() bool {
	return p.UserID != 0
}
