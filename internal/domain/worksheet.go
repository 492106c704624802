package domain

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ItemType string

const (
	ItemTypeBundle    ItemType = "bundle"
	ItemTypeWorksheet ItemType = "worksheet"
	ItemTypeMarkup    ItemType = "markup"
	ItemTypeDirective ItemType = "directive"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeBundle, ItemTypeWorksheet, ItemTypeMarkup, ItemTypeDirective:
		return true
	}
	return false
}

const (
	// HomeWorksheetToken resolves to the caller's home worksheet.
	HomeWorksheetToken = "/"
	DashboardName      = "dashboard"
	homePrefix         = "home-"
)

var nameRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.\-]*$`)

// ValidName reports whether name can be used for a worksheet or group.
func ValidName(name string) bool {
	return nameRegexp.MatchString(name)
}

// NewUUID returns a fresh object identifier in the 0x-prefixed hex form.
func NewUUID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

func HomeWorksheetName(userName string) string {
	return homePrefix + userName
}

func IsHomeWorksheetName(name string) bool {
	return strings.HasPrefix(name, homePrefix)
}

func IsDashboardName(name string) bool {
	return name == DashboardName
}

// Worksheet is an ordered, named document of items.
type Worksheet struct {
	UUID       string     `gorm:"primaryKey;size:63" json:"uuid"`
	Name       string     `gorm:"uniqueIndex;size:255;not null" json:"name"`
	OwnerID    uint64     `gorm:"index;not null" json:"owner_id"`
	Title      string     `json:"title"`
	Tags       []string   `gorm:"serializer:json;type:text" json:"tags"`
	FrozenAt   *time.Time `json:"frozen,omitempty"`
	LastItemID int64      `gorm:"not null" json:"last_item_id"`
	ItemCount  int        `gorm:"not null" json:"length"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Items []WorksheetItem `gorm:"-" json:"-"`
}

func (w *Worksheet) Frozen() bool {
	return w.FrozenAt != nil
}

// Version returns the optimistic concurrency token last written by the store.
func (w *Worksheet) Version() VersionToken {
	return VersionToken{LastItemID: w.LastItemID, Length: w.ItemCount}
}

func (w *Worksheet) String() string {
	return fmt.Sprintf("Worksheet(uuid=%q, name=%q)", w.UUID, w.Name)
}

// WorksheetItem is the stored tuple form of one item. Bundle and sub-worksheet
// references are plain identifiers and may dangle.
type WorksheetItem struct {
	ID               uint64   `gorm:"primaryKey" json:"-"`
	WorksheetUUID    string   `gorm:"index;size:63;not null" json:"worksheet_uuid"`
	Seq              int64    `gorm:"not null" json:"-"`
	BundleUUID       *string  `gorm:"index;size:63" json:"bundle_uuid"`
	SubworksheetUUID *string  `gorm:"index;size:63" json:"subworksheet_uuid"`
	Value            string   `gorm:"type:text;not null" json:"value"`
	Type             ItemType `gorm:"size:20;not null" json:"type"`
}

// VersionToken is the (last item id, length) pair used to detect lost updates.
type VersionToken struct {
	LastItemID int64 `json:"last_item_id"`
	Length     int   `json:"length"`
}

// MetadataUpdate carries the worksheet fields a caller wants to change. Nil
// pointers are left untouched.
type MetadataUpdate struct {
	Name    *string
	Title   *string
	OwnerID *uint64
	Tags    *[]string
	Freeze  bool
}

// Empty reports whether the update changes nothing.
func (m MetadataUpdate) Empty() bool {
	return m.Name == nil && m.Title == nil && m.OwnerID == nil && m.Tags == nil && !m.Freeze
}

// OnlyFreeze reports whether freezing is the only change requested.
func (m MetadataUpdate) OnlyFreeze() bool {
	return m.Name == nil && m.Title == nil && m.OwnerID == nil && m.Tags == nil
}

// SearchFilter is the parsed form of keyword search terms.
type SearchFilter struct {
	OwnerID *uint64
	Name    string
	Terms   []string
	Limit   int
	Offset  int
}
