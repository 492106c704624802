package domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// PermissionLevel is totally ordered: None < Read < All.
type PermissionLevel int

const (
	PermissionNone PermissionLevel = iota
	PermissionRead
	PermissionAll
)

func (l PermissionLevel) String() string {
	switch l {
	case PermissionRead:
		return "read"
	case PermissionAll:
		return "all"
	default:
		return "none"
	}
}

func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch s {
	case "n", "none":
		return PermissionNone, nil
	case "r", "read":
		return PermissionRead, nil
	case "a", "all":
		return PermissionAll, nil
	}
	return PermissionNone, fmt.Errorf("invalid permission %q", s)
}

func (l PermissionLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *PermissionLevel) UnmarshalText(b []byte) error {
	parsed, err := ParsePermissionLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Value stores the level as its integer rank so ordering comparisons work in SQL.
func (l PermissionLevel) Value() (driver.Value, error) {
	return int64(l), nil
}

// GroupPermission is one ACL row on a worksheet.
type GroupPermission struct {
	ID         uint64          `gorm:"primaryKey" json:"-"`
	GroupUUID  string          `gorm:"uniqueIndex:idx_group_object;size:63;not null" json:"group_uuid"`
	ObjectUUID string          `gorm:"uniqueIndex:idx_group_object;index;size:63;not null" json:"object_uuid"`
	GroupName  string          `gorm:"-" json:"group_name,omitempty"`
	Permission PermissionLevel `gorm:"not null" json:"permission"`
	CreatedAt  time.Time       `json:"-"`
	UpdatedAt  time.Time       `json:"-"`
}
