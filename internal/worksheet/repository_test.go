package worksheet

import (
	"context"
	"sync"
	"testing"

	"worksheet-service/internal/db"
	"worksheet-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.CloseDb(conn) })
	return conn
}

func markupItem(value string) domain.WorksheetItem {
	return domain.WorksheetItem{Type: domain.ItemTypeMarkup, Value: value}
}

func values(items []domain.WorksheetItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value)
	}
	return out
}

func createWorksheet(t *testing.T, repo WorksheetRepository, name string, owner uint64) *domain.Worksheet {
	t.Helper()
	ws := &domain.Worksheet{Name: name, OwnerID: owner}
	require.NoError(t, repo.Create(context.Background(), ws))
	return ws
}

func TestRepository_CreateAndFind(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()

	ws := createWorksheet(t, repo, "exp1", 1)
	assert.NotEmpty(t, ws.UUID)
	assert.Equal(t, domain.VersionToken{}, ws.Version())

	got, err := repo.FindByUUID(ctx, ws.UUID, true)
	require.NoError(t, err)
	assert.Equal(t, "exp1", got.Name)
	assert.Empty(t, got.Items)

	byName, err := repo.FindByName(ctx, "exp1")
	require.NoError(t, err)
	assert.Equal(t, ws.UUID, byName.UUID)

	_, err = repo.FindByUUID(ctx, "0xmissing", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_CreateNameTaken(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	createWorksheet(t, repo, "dup", 1)

	err := repo.Create(context.Background(), &domain.Worksheet{Name: "dup", OwnerID: 2})
	assert.ErrorIs(t, err, domain.ErrNameTaken)
}

func TestRepository_GetOrCreate(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()

	grant := domain.GroupPermission{GroupUUID: domain.PublicGroupUUID, Permission: domain.PermissionRead}

	first, created, err := repo.GetOrCreate(ctx, &domain.Worksheet{Name: "home-alice", OwnerID: 1}, grant)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.GetOrCreate(ctx, &domain.Worksheet{Name: "home-alice", OwnerID: 1}, grant)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.UUID, second.UUID)

	acl, err := repo.GroupPermissions(ctx, first.UUID)
	require.NoError(t, err)
	assert.Len(t, acl, 1, "the losing call adds no ACL rows")
}

func TestRepository_CreateWithGrants(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	grant := domain.GroupPermission{GroupUUID: domain.PublicGroupUUID, Permission: domain.PermissionRead}

	ws := &domain.Worksheet{Name: "exp1", OwnerID: 1}
	require.NoError(t, repo.Create(ctx, ws, grant))
	acl, err := repo.GroupPermissions(ctx, ws.UUID)
	require.NoError(t, err)
	require.Len(t, acl, 1)
	assert.Equal(t, domain.PermissionRead, acl[0].Permission)

	dup := &domain.Worksheet{Name: "exp1", OwnerID: 2}
	assert.ErrorIs(t, repo.Create(ctx, dup, grant), domain.ErrNameTaken)
	acl, err = repo.GroupPermissions(ctx, dup.UUID)
	require.NoError(t, err)
	assert.Empty(t, acl)
}

func TestRepository_ReplaceItems(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	ws := createWorksheet(t, repo, "replace", 1)

	token, err := repo.ReplaceItems(ctx, ws.UUID, ws.Version(), []domain.WorksheetItem{markupItem("a"), markupItem("b")})
	require.NoError(t, err)
	assert.Equal(t, domain.VersionToken{LastItemID: 2, Length: 2}, token)

	token, err = repo.ReplaceItems(ctx, ws.UUID, token, []domain.WorksheetItem{markupItem("c")})
	require.NoError(t, err)
	assert.Equal(t, domain.VersionToken{LastItemID: 3, Length: 1}, token)

	got, err := repo.FindByUUID(ctx, ws.UUID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, values(got.Items))
	assert.Equal(t, token, got.Version())
}

func TestRepository_ReplaceItemsEmptyAdvancesToken(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	ws := createWorksheet(t, repo, "empty", 1)

	token, err := repo.ReplaceItems(ctx, ws.UUID, ws.Version(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, ws.Version(), token)
	assert.Equal(t, 0, token.Length)

	_, err = repo.ReplaceItems(ctx, ws.UUID, ws.Version(), nil)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestRepository_ReplaceItemsStaleToken(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	ws := createWorksheet(t, repo, "stale", 1)
	stale := ws.Version()

	_, err := repo.AppendItems(ctx, ws.UUID, []domain.WorksheetItem{markupItem("x")})
	require.NoError(t, err)

	_, err = repo.ReplaceItems(ctx, ws.UUID, stale, []domain.WorksheetItem{markupItem("y")})
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := repo.FindByUUID(ctx, ws.UUID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, values(got.Items), "a rejected replace leaves the list untouched")
}

func TestRepository_ReplaceItemsMissingAndFrozen(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repo.ReplaceItems(ctx, "0xmissing", domain.VersionToken{}, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ws := createWorksheet(t, repo, "frozen", 1)
	require.NoError(t, repo.UpdateMetadata(ctx, ws.UUID, domain.MetadataUpdate{Freeze: true}))

	_, err = repo.ReplaceItems(ctx, ws.UUID, ws.Version(), []domain.WorksheetItem{markupItem("a")})
	assert.ErrorIs(t, err, domain.ErrFrozen)
	_, err = repo.AppendItems(ctx, ws.UUID, []domain.WorksheetItem{markupItem("a")})
	assert.ErrorIs(t, err, domain.ErrFrozen)
}

func TestRepository_ConcurrentReplaceOneWins(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	ws := createWorksheet(t, repo, "race", 1)
	token := ws.Version()

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.ReplaceItems(ctx, ws.UUID, token, []domain.WorksheetItem{markupItem(string(rune('a' + i)))})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, domain.ErrVersionConflict) {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	got, err := repo.FindByUUID(ctx, ws.UUID, true)
	require.NoError(t, err)
	assert.Len(t, got.Items, 1)
}

func TestRepository_ConcurrentAppendsAllKept(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	ws := createWorksheet(t, repo, "appends", 1)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.AppendItems(ctx, ws.UUID, []domain.WorksheetItem{markupItem(string(rune('a' + i)))})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.FindByUUID(ctx, ws.UUID, true)
	require.NoError(t, err)
	assert.Len(t, got.Items, writers)
	assert.Equal(t, domain.VersionToken{LastItemID: writers, Length: writers}, got.Version())

	seen := map[int64]bool{}
	for _, item := range got.Items {
		assert.False(t, seen[item.Seq], "seq %d allocated twice", item.Seq)
		seen[item.Seq] = true
	}
}

func TestRepository_AppendItemsKeepsOrder(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	ws := createWorksheet(t, repo, "order", 1)

	token, err := repo.ReplaceItems(ctx, ws.UUID, ws.Version(), []domain.WorksheetItem{markupItem("a")})
	require.NoError(t, err)
	token, err = repo.AppendItems(ctx, ws.UUID, []domain.WorksheetItem{markupItem("b"), markupItem("c")})
	require.NoError(t, err)
	assert.Equal(t, domain.VersionToken{LastItemID: 3, Length: 3}, token)

	got, err := repo.FindByUUID(ctx, ws.UUID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, values(got.Items))
}

func TestRepository_UpdateMetadata(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	ws := createWorksheet(t, repo, "meta", 1)
	createWorksheet(t, repo, "other", 1)

	title := "Experiments"
	tags := []string{"nlp", "qa"}
	require.NoError(t, repo.UpdateMetadata(ctx, ws.UUID, domain.MetadataUpdate{Title: &title, Tags: &tags}))

	got, err := repo.FindByUUID(ctx, ws.UUID, false)
	require.NoError(t, err)
	assert.Equal(t, title, got.Title)
	assert.Equal(t, tags, got.Tags)
	assert.Equal(t, "meta", got.Name)

	taken := "other"
	err = repo.UpdateMetadata(ctx, ws.UUID, domain.MetadataUpdate{Name: &taken})
	assert.ErrorIs(t, err, domain.ErrNameTaken)

	err = repo.UpdateMetadata(ctx, "0xmissing", domain.MetadataUpdate{Title: &title})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_FreezeIsOneWay(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	ws := createWorksheet(t, repo, "freeze", 1)

	require.NoError(t, repo.UpdateMetadata(ctx, ws.UUID, domain.MetadataUpdate{Freeze: true}))
	first, err := repo.FindByUUID(ctx, ws.UUID, false)
	require.NoError(t, err)
	require.True(t, first.Frozen())

	require.NoError(t, repo.UpdateMetadata(ctx, ws.UUID, domain.MetadataUpdate{Freeze: true}))
	second, err := repo.FindByUUID(ctx, ws.UUID, false)
	require.NoError(t, err)
	assert.True(t, first.FrozenAt.Equal(*second.FrozenAt))

	title := "late"
	err = repo.UpdateMetadata(ctx, ws.UUID, domain.MetadataUpdate{Title: &title})
	assert.ErrorIs(t, err, domain.ErrFrozen)
}

func TestRepository_Delete(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	parent := createWorksheet(t, repo, "parent", 1)
	child := createWorksheet(t, repo, "child", 1)

	ref := child.UUID
	_, err := repo.ReplaceItems(ctx, parent.UUID, parent.Version(), []domain.WorksheetItem{
		{Type: domain.ItemTypeWorksheet, SubworksheetUUID: &ref},
	})
	require.NoError(t, err)
	require.NoError(t, repo.SetGroupPermission(ctx, domain.PublicGroupUUID, child.UUID, domain.PermissionRead))

	require.NoError(t, repo.Delete(ctx, child.UUID, false))
	_, err = repo.FindByUUID(ctx, child.UUID, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	acl, err := repo.GroupPermissions(ctx, child.UUID)
	require.NoError(t, err)
	assert.Empty(t, acl)

	got, err := repo.FindByUUID(ctx, parent.UUID, true)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, child.UUID, *got.Items[0].SubworksheetUUID, "references to a deleted worksheet dangle")

	assert.ErrorIs(t, repo.Delete(ctx, child.UUID, false), domain.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, child.UUID, true), domain.ErrNotFound)
}

func TestRepository_DeleteWithoutForce(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	full := createWorksheet(t, repo, "full", 1)
	frozen := createWorksheet(t, repo, "frozen", 1)

	_, err := repo.AppendItems(ctx, full.UUID, []domain.WorksheetItem{markupItem("a")})
	require.NoError(t, err)
	require.NoError(t, repo.UpdateMetadata(ctx, frozen.UUID, domain.MetadataUpdate{Freeze: true}))

	assert.ErrorIs(t, repo.Delete(ctx, full.UUID, false), domain.ErrNotEmpty)
	assert.ErrorIs(t, repo.Delete(ctx, frozen.UUID, false), domain.ErrFrozen)

	got, err := repo.FindByUUID(ctx, full.UUID, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, values(got.Items))

	require.NoError(t, repo.Delete(ctx, full.UUID, true))
	require.NoError(t, repo.Delete(ctx, frozen.UUID, true))
	_, err = repo.FindByUUID(ctx, full.UUID, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.FindByUUID(ctx, frozen.UUID, false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_BatchGet(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	a := createWorksheet(t, repo, "a", 1)
	b := createWorksheet(t, repo, "b", 1)
	_, err := repo.AppendItems(ctx, b.UUID, []domain.WorksheetItem{markupItem("x"), markupItem("y")})
	require.NoError(t, err)

	got, err := repo.BatchGet(ctx, []string{a.UUID, b.UUID, "0xgone"}, true)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Empty(t, got[a.UUID].Items)
	assert.Equal(t, []string{"x", "y"}, values(got[b.UUID].Items))
}

func TestRepository_FindSubworksheetByNameAndPrefix(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	base := createWorksheet(t, repo, "base", 1)
	child := createWorksheet(t, repo, "child", 1)
	createWorksheet(t, repo, "loose", 1)

	ref := child.UUID
	_, err := repo.AppendItems(ctx, base.UUID, []domain.WorksheetItem{{Type: domain.ItemTypeWorksheet, SubworksheetUUID: &ref}})
	require.NoError(t, err)

	got, err := repo.FindSubworksheetByName(ctx, base.UUID, "child")
	require.NoError(t, err)
	assert.Equal(t, child.UUID, got.UUID)

	_, err = repo.FindSubworksheetByName(ctx, base.UUID, "loose")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	matches, err := repo.FindByUUIDPrefix(ctx, child.UUID[:12])
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, child.UUID, matches[0].UUID)
}

func TestRepository_GroupPermissions(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	ctx := context.Background()
	ws := createWorksheet(t, repo, "shared", 1)

	group := domain.Group{UUID: domain.NewUUID(), Name: "lab", UserDefined: true}
	require.NoError(t, conn.Create(&group).Error)
	require.NoError(t, conn.Create(&domain.UserGroup{GroupUUID: group.UUID, UserID: 2}).Error)

	require.NoError(t, repo.SetGroupPermission(ctx, group.UUID, ws.UUID, domain.PermissionRead))
	require.NoError(t, repo.SetGroupPermission(ctx, group.UUID, ws.UUID, domain.PermissionAll))

	acl, err := repo.GroupPermissions(ctx, ws.UUID)
	require.NoError(t, err)
	require.Len(t, acl, 1)
	assert.Equal(t, domain.PermissionAll, acl[0].Permission)
	assert.Equal(t, "lab", acl[0].GroupName)

	levels, err := repo.UserPermissions(ctx, 2, []string{ws.UUID})
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionAll, levels[ws.UUID])

	levels, err = repo.UserPermissions(ctx, 3, []string{ws.UUID})
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionNone, levels[ws.UUID])

	require.NoError(t, repo.SetGroupPermission(ctx, group.UUID, ws.UUID, domain.PermissionNone))
	acl, err = repo.GroupPermissions(ctx, ws.UUID)
	require.NoError(t, err)
	assert.Empty(t, acl)
}

func TestRepository_Search(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()

	public := createWorksheet(t, repo, "public-notes", 1)
	require.NoError(t, repo.SetGroupPermission(ctx, domain.PublicGroupUUID, public.UUID, domain.PermissionRead))
	private := createWorksheet(t, repo, "private-notes", 1)
	createWorksheet(t, repo, "someone-else", 2)

	anon, err := repo.Search(ctx, 0, domain.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, anon, 1)
	assert.Equal(t, public.UUID, anon[0].UUID)

	owner, err := repo.Search(ctx, 1, domain.SearchFilter{Terms: []string{"NOTES"}})
	require.NoError(t, err)
	assert.Len(t, owner, 2)

	byName, err := repo.Search(ctx, 1, domain.SearchFilter{Name: "private-notes"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, private.UUID, byName[0].UUID)

	ownerID := uint64(2)
	stranger, err := repo.Search(ctx, 1, domain.SearchFilter{OwnerID: &ownerID})
	require.NoError(t, err)
	assert.Empty(t, stranger, "results are limited to readable worksheets")
}
