package worksheet

import (
	"bytes"
	"encoding/json"

	"worksheet-service/internal/bundle"
	"worksheet-service/internal/domain"
)

// ItemInput is the external form of one item. References come either as ids
// or as human specs that are resolved before storage.
type ItemInput struct {
	WorksheetUUID    string          `json:"worksheet_uuid" binding:"required"`
	Type             domain.ItemType `json:"type" binding:"required,oneof=bundle worksheet markup directive"`
	BundleUUID       *string         `json:"bundle_uuid,omitempty"`
	BundleSpec       string          `json:"bundle_spec,omitempty"`
	SubworksheetUUID *string         `json:"subworksheet_uuid,omitempty"`
	SubworksheetSpec string          `json:"subworksheet_spec,omitempty"`
	Value            string          `json:"value"`
}

type AddItemsRequest struct {
	Items []ItemInput `json:"items" binding:"required,dive"`
	// Versions holds the token the caller last observed per worksheet. It is
	// required for every target worksheet in replace mode.
	Versions map[string]domain.VersionToken `json:"versions"`
	Legacy   bool                           `json:"legacy"`
}

type AddItemsResult struct {
	Items    []ItemInput                    `json:"items"`
	Versions map[string]domain.VersionToken `json:"versions"`
}

type CreateRequest struct {
	Name string `json:"name" binding:"required,max=255,worksheetname"`
}

// MetadataInput is one entry of a bulk metadata update. Absent fields are left
// unchanged.
type MetadataInput struct {
	UUID      string    `json:"uuid" binding:"required"`
	Name      *string   `json:"name" binding:"omitempty,max=255,worksheetname"`
	Title     *string   `json:"title" binding:"omitempty,max=255"`
	OwnerID   *uint64   `json:"owner_id"`
	OwnerSpec *string   `json:"owner_spec"`
	Tags      *[]string `json:"tags"`
	Frozen    Truthy    `json:"frozen"`
	// Freeze freezes the worksheet whenever the key is present, null included.
	Freeze json.RawMessage `json:"freeze"`
}

type DeleteRequest struct {
	UUIDs []string `json:"ids" binding:"required,min=1"`
}

type PermissionInput struct {
	ObjectUUID string                 `json:"object_uuid" binding:"required"`
	GroupUUID  string                 `json:"group_uuid" binding:"required"`
	Permission domain.PermissionLevel `json:"permission"`
}

type ListQuery struct {
	Specs    []string
	Base     string
	Keywords []string
	Page     int
	PerPage  int
}

// WorksheetInfo is a worksheet annotated with the caller's view of its ACL.
type WorksheetInfo struct {
	domain.Worksheet
	Permission       domain.PermissionLevel   `json:"permission"`
	GroupPermissions []domain.GroupPermission `json:"group_permissions"`
}

type ItemView struct {
	Type             domain.ItemType `json:"type"`
	BundleUUID       *string         `json:"bundle_uuid,omitempty"`
	SubworksheetUUID *string         `json:"subworksheet_uuid,omitempty"`
	Value            string          `json:"value"`
	Tokens           []string        `json:"tokens,omitempty"`
}

// WorksheetSummary describes a referenced sub-worksheet. A dangling reference
// only carries its uuid.
type WorksheetSummary struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	Title   string `json:"title,omitempty"`
	OwnerID uint64 `json:"owner_id,omitempty"`
}

// WorksheetDocument is the expanded fetch result for a single worksheet.
type WorksheetDocument struct {
	WorksheetInfo
	Items         []ItemView         `json:"items"`
	Bundles       []bundle.Info      `json:"bundles"`
	Subworksheets []WorksheetSummary `json:"subworksheets"`
	Users         []domain.SafeUser  `json:"users"`
}

type WorksheetList struct {
	Data  []WorksheetInfo   `json:"data"`
	Users []domain.SafeUser `json:"users"`
}

// Truthy decodes any JSON scalar into a boolean: false, null, "", 0 and an
// absent field are false, everything else is true. Clients send either a
// boolean or the freeze timestamp.
type Truthy bool

func (t *Truthy) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")), bytes.Equal(b, []byte("false")), bytes.Equal(b, []byte(`""`)):
		*t = false
		return nil
	}

	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*t = n != 0
		return nil
	}
	*t = true
	return nil
}
