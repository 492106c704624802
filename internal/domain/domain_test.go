package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionLevel_Ordering(t *testing.T) {
	assert.True(t, PermissionNone < PermissionRead)
	assert.True(t, PermissionRead < PermissionAll)
}

func TestParsePermissionLevel(t *testing.T) {
	cases := map[string]PermissionLevel{
		"n": PermissionNone, "none": PermissionNone,
		"r": PermissionRead, "read": PermissionRead,
		"a": PermissionAll, "all": PermissionAll,
	}
	for in, want := range cases {
		got, err := ParsePermissionLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePermissionLevel("write")
	assert.Error(t, err)
}

func TestPermissionLevel_JSON(t *testing.T) {
	var p GroupPermission
	require.NoError(t, json.Unmarshal([]byte(`{"group_uuid":"g","permission":"read"}`), &p))
	assert.Equal(t, PermissionRead, p.Permission)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"permission":"read"`)
}

func TestNames(t *testing.T) {
	assert.True(t, ValidName("my_worksheet-1.2"))
	assert.True(t, ValidName("_x"))
	assert.False(t, ValidName("1abc"))
	assert.False(t, ValidName("has space"))
	assert.False(t, ValidName(""))

	assert.Equal(t, "home-alice", HomeWorksheetName("alice"))
	assert.True(t, IsHomeWorksheetName("home-bob"))
	assert.False(t, IsHomeWorksheetName("homework"))
	assert.True(t, IsDashboardName("dashboard"))
}

func TestMetadataUpdate(t *testing.T) {
	title := "t"
	assert.True(t, MetadataUpdate{}.Empty())
	assert.True(t, MetadataUpdate{Freeze: true}.OnlyFreeze())
	assert.False(t, MetadataUpdate{Title: &title, Freeze: true}.OnlyFreeze())
}

func TestPrincipal(t *testing.T) {
	assert.False(t, Principal{}.Authenticated())
	assert.True(t, Principal{UserID: 7, UserName: "x"}.Authenticated())
}
