package worksheet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"worksheet-service/internal/domain"
	"worksheet-service/internal/permission"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorksheetRepository is the persistence boundary for worksheets, their items
// and their ACL rows. Every mutation is a single transaction.
type WorksheetRepository interface {
	FindByUUID(ctx context.Context, uuid string, withItems bool) (*domain.Worksheet, error)
	BatchGet(ctx context.Context, uuids []string, withItems bool) (map[string]*domain.Worksheet, error)
	FindByName(ctx context.Context, name string) (*domain.Worksheet, error)
	FindSubworksheetByName(ctx context.Context, baseUUID, name string) (*domain.Worksheet, error)
	FindByUUIDPrefix(ctx context.Context, prefix string) ([]domain.Worksheet, error)
	Create(ctx context.Context, ws *domain.Worksheet, grants ...domain.GroupPermission) error
	GetOrCreate(ctx context.Context, ws *domain.Worksheet, grants ...domain.GroupPermission) (*domain.Worksheet, bool, error)
	ReplaceItems(ctx context.Context, uuid string, expected domain.VersionToken, items []domain.WorksheetItem) (domain.VersionToken, error)
	AppendItems(ctx context.Context, uuid string, items []domain.WorksheetItem) (domain.VersionToken, error)
	UpdateMetadata(ctx context.Context, uuid string, update domain.MetadataUpdate) error
	Delete(ctx context.Context, uuid string, force bool) error
	SetGroupPermission(ctx context.Context, groupUUID, objectUUID string, level domain.PermissionLevel) error
	GroupPermissions(ctx context.Context, objectUUID string) ([]domain.GroupPermission, error)
	BatchGroupPermissions(ctx context.Context, objectUUIDs []string) (map[string][]domain.GroupPermission, error)
	UserPermissions(ctx context.Context, userID uint64, uuids []string) (map[string]domain.PermissionLevel, error)
	Search(ctx context.Context, userID uint64, filter domain.SearchFilter) ([]domain.Worksheet, error)
}

type WorksheetRepositoryImpl struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) WorksheetRepository {
	return &WorksheetRepositoryImpl{db: db}
}

const prefixMatchLimit = 10

func notFound(what string) error {
	return fmt.Errorf("worksheet %s: %w", what, domain.ErrNotFound)
}

func (r *WorksheetRepositoryImpl) FindByUUID(ctx context.Context, uuid string, withItems bool) (*domain.Worksheet, error) {
	var ws domain.Worksheet
	err := r.db.WithContext(ctx).Where("uuid = ?", uuid).Take(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(uuid)
	}
	if err != nil {
		return nil, err
	}

	if withItems {
		if err := r.db.WithContext(ctx).
			Where("worksheet_uuid = ?", uuid).
			Order("seq ASC").
			Find(&ws.Items).Error; err != nil {
			return nil, err
		}
	}
	return &ws, nil
}

// BatchGet loads many worksheets with at most two queries. Unknown uuids are
// absent from the result.
func (r *WorksheetRepositoryImpl) BatchGet(ctx context.Context, uuids []string, withItems bool) (map[string]*domain.Worksheet, error) {
	result := make(map[string]*domain.Worksheet, len(uuids))
	if len(uuids) == 0 {
		return result, nil
	}

	var list []domain.Worksheet
	if err := r.db.WithContext(ctx).Where("uuid IN ?", uuids).Find(&list).Error; err != nil {
		return nil, err
	}
	for i := range list {
		result[list[i].UUID] = &list[i]
	}

	if withItems && len(list) > 0 {
		var items []domain.WorksheetItem
		if err := r.db.WithContext(ctx).
			Where("worksheet_uuid IN ?", uuids).
			Order("worksheet_uuid ASC, seq ASC").
			Find(&items).Error; err != nil {
			return nil, err
		}
		for _, item := range items {
			if ws, ok := result[item.WorksheetUUID]; ok {
				ws.Items = append(ws.Items, item)
			}
		}
	}
	return result, nil
}

func (r *WorksheetRepositoryImpl) FindByName(ctx context.Context, name string) (*domain.Worksheet, error) {
	var ws domain.Worksheet
	err := r.db.WithContext(ctx).Where("name = ?", name).Take(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(fmt.Sprintf("named %q", name))
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// FindSubworksheetByName looks for a worksheet called name that baseUUID
// references through one of its items.
func (r *WorksheetRepositoryImpl) FindSubworksheetByName(ctx context.Context, baseUUID, name string) (*domain.Worksheet, error) {
	var ws domain.Worksheet
	err := r.db.WithContext(ctx).
		Select("worksheets.*").
		Joins("JOIN worksheet_items ON worksheet_items.subworksheet_uuid = worksheets.uuid").
		Where("worksheet_items.worksheet_uuid = ? AND worksheets.name = ?", baseUUID, name).
		Take(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(fmt.Sprintf("named %q in %s", name, baseUUID))
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (r *WorksheetRepositoryImpl) FindByUUIDPrefix(ctx context.Context, prefix string) ([]domain.Worksheet, error) {
	var list []domain.Worksheet
	err := r.db.WithContext(ctx).
		Where("uuid LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Order("uuid ASC").
		Limit(prefixMatchLimit).
		Find(&list).Error
	return list, err
}

// Create inserts a new, empty worksheet. The unique index on name is the
// authority on collisions; they surface as domain.ErrNameTaken.
// Create inserts ws together with its initial ACL rows.
func (r *WorksheetRepositoryImpl) Create(ctx context.Context, ws *domain.Worksheet, grants ...domain.GroupPermission) error {
	prepareNew(ws)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ws).Error; err != nil {
			return err
		}
		return insertGrants(tx, ws.UUID, grants)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || r.nameExists(ctx, ws.Name, ws.UUID) {
		return fmt.Errorf("%q: %w", ws.Name, domain.ErrNameTaken)
	}
	return err
}

// GetOrCreate inserts ws and its grants unless a worksheet with the same name
// exists, in which case the existing row is returned untouched. created is
// true only for the caller whose insert won.
func (r *WorksheetRepositoryImpl) GetOrCreate(ctx context.Context, ws *domain.Worksheet, grants ...domain.GroupPermission) (*domain.Worksheet, bool, error) {
	prepareNew(ws)

	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
			Create(ws)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		created = true
		return insertGrants(tx, ws.UUID, grants)
	})
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}
	if err == nil && created {
		return ws, true, nil
	}

	existing, err := r.FindByName(ctx, ws.Name)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func insertGrants(tx *gorm.DB, objectUUID string, grants []domain.GroupPermission) error {
	if len(grants) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]domain.GroupPermission, len(grants))
	for i, g := range grants {
		rows[i] = domain.GroupPermission{
			GroupUUID:  g.GroupUUID,
			ObjectUUID: objectUUID,
			Permission: g.Permission,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return tx.Create(&rows).Error
}

func prepareNew(ws *domain.Worksheet) {
	if ws.UUID == "" {
		ws.UUID = domain.NewUUID()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	ws.LastItemID = 0
	ws.ItemCount = 0
	ws.FrozenAt = nil
	if ws.Tags == nil {
		ws.Tags = []string{}
	}
}

// nameExists reports whether another worksheet than except already uses name.
func (r *WorksheetRepositoryImpl) nameExists(ctx context.Context, name, except string) bool {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Worksheet{}).
		Where("name = ? AND uuid <> ?", name, except).
		Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

// ReplaceItems swaps the whole item list in one conditional write. The write
// only applies while the stored version still equals expected, so of two
// callers holding the same token exactly one succeeds.
func (r *WorksheetRepositoryImpl) ReplaceItems(ctx context.Context, uuid string, expected domain.VersionToken, items []domain.WorksheetItem) (domain.VersionToken, error) {
	// an empty replace still consumes one id so the token always moves
	next := domain.VersionToken{
		LastItemID: expected.LastItemID + int64(max(len(items), 1)),
		Length:     len(items),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Worksheet{}).
			Where("uuid = ? AND last_item_id = ? AND item_count = ? AND frozen_at IS NULL",
				uuid, expected.LastItemID, expected.Length).
			Updates(map[string]any{
				"last_item_id": next.LastItemID,
				"item_count":   next.Length,
				"updated_at":   time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := missReason(tx, uuid); err != nil {
				return err
			}
			return fmt.Errorf("worksheet %s: %w", uuid, domain.ErrVersionConflict)
		}

		if err := tx.Where("worksheet_uuid = ?", uuid).Delete(&domain.WorksheetItem{}).Error; err != nil {
			return err
		}
		return insertItems(tx, uuid, expected.LastItemID+1, items)
	})
	if err != nil {
		return domain.VersionToken{}, err
	}
	return next, nil
}

// AppendItems adds items to the end of the list without a caller token. The
// counter bump and the read back happen in the same transaction, so
// concurrent appends each get a disjoint block of seq values.
func (r *WorksheetRepositoryImpl) AppendItems(ctx context.Context, uuid string, items []domain.WorksheetItem) (domain.VersionToken, error) {
	var token domain.VersionToken
	n := len(items)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if n > 0 {
			res := tx.Model(&domain.Worksheet{}).
				Where("uuid = ? AND frozen_at IS NULL", uuid).
				Updates(map[string]any{
					"last_item_id": gorm.Expr("last_item_id + ?", n),
					"item_count":   gorm.Expr("item_count + ?", n),
					"updated_at":   time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				if err := missReason(tx, uuid); err != nil {
					return err
				}
				return notFound(uuid)
			}
		}

		var ws domain.Worksheet
		err := tx.Select("uuid", "last_item_id", "item_count", "frozen_at").
			Where("uuid = ?", uuid).
			Take(&ws).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(uuid)
		}
		if err != nil {
			return err
		}
		if n == 0 && ws.Frozen() {
			return fmt.Errorf("%s: %w", &ws, domain.ErrFrozen)
		}
		token = ws.Version()

		return insertItems(tx, uuid, ws.LastItemID-int64(n)+1, items)
	})
	if err != nil {
		return domain.VersionToken{}, err
	}
	return token, nil
}

// missReason explains why a guarded update matched no row. It returns nil
// when the worksheet exists and is not frozen.
func missReason(tx *gorm.DB, uuid string) error {
	var ws domain.Worksheet
	err := tx.Select("uuid", "name", "frozen_at").Where("uuid = ?", uuid).Take(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(uuid)
	}
	if err != nil {
		return err
	}
	if ws.Frozen() {
		return fmt.Errorf("%s: %w", &ws, domain.ErrFrozen)
	}
	return nil
}

func insertItems(tx *gorm.DB, uuid string, firstSeq int64, items []domain.WorksheetItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]domain.WorksheetItem, len(items))
	for i, item := range items {
		item.ID = 0
		item.WorksheetUUID = uuid
		item.Seq = firstSeq + int64(i)
		rows[i] = item
	}
	return tx.CreateInBatches(rows, 100).Error
}

// UpdateMetadata applies update atomically. Fields other than the freeze flag
// are rejected with domain.ErrFrozen once the worksheet is frozen; freezing
// twice keeps the first timestamp.
func (r *WorksheetRepositoryImpl) UpdateMetadata(ctx context.Context, uuid string, update domain.MetadataUpdate) error {
	if update.Empty() {
		_, err := r.FindByUUID(ctx, uuid, false)
		return err
	}

	now := time.Now().UTC()
	values := domain.Worksheet{UpdatedAt: now}
	columns := []string{"updated_at"}
	if update.Name != nil {
		values.Name = *update.Name
		columns = append(columns, "name")
	}
	if update.Title != nil {
		values.Title = *update.Title
		columns = append(columns, "title")
	}
	if update.OwnerID != nil {
		values.OwnerID = *update.OwnerID
		columns = append(columns, "owner_id")
	}
	if update.Tags != nil {
		values.Tags = *update.Tags
		if values.Tags == nil {
			values.Tags = []string{}
		}
		columns = append(columns, "tags")
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !update.OnlyFreeze() {
			res := tx.Model(&domain.Worksheet{}).
				Where("uuid = ? AND frozen_at IS NULL", uuid).
				Select(columns).
				Updates(&values)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				if err := missReason(tx, uuid); err != nil {
					return err
				}
			}
		}

		if update.Freeze {
			if err := tx.Model(&domain.Worksheet{}).
				Where("uuid = ? AND frozen_at IS NULL", uuid).
				Updates(map[string]any{"frozen_at": now, "updated_at": now}).Error; err != nil {
				return err
			}
		}

		var count int64
		if err := tx.Model(&domain.Worksheet{}).Where("uuid = ?", uuid).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return notFound(uuid)
		}
		return nil
	})
	if err != nil && update.Name != nil && !errors.Is(err, domain.ErrFrozen) && !errors.Is(err, domain.ErrNotFound) {
		if errors.Is(err, gorm.ErrDuplicatedKey) || r.nameExists(ctx, *update.Name, uuid) {
			return fmt.Errorf("%q: %w", *update.Name, domain.ErrNameTaken)
		}
	}
	return err
}

// Delete removes the worksheet, its items and its ACL rows. Without force the
// row only goes while it is empty and not frozen, and that condition is part
// of the DELETE itself. Items of other worksheets that point at it are left
// dangling.
func (r *WorksheetRepositoryImpl) Delete(ctx context.Context, uuid string, force bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("uuid = ?", uuid)
		if !force {
			query = query.Where("item_count = 0 AND frozen_at IS NULL")
		}
		res := query.Delete(&domain.Worksheet{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if force {
				return notFound(uuid)
			}
			if err := missReason(tx, uuid); err != nil {
				return err
			}
			return fmt.Errorf("worksheet %s: %w", uuid, domain.ErrNotEmpty)
		}

		if err := tx.Where("worksheet_uuid = ?", uuid).Delete(&domain.WorksheetItem{}).Error; err != nil {
			return err
		}
		return tx.Where("object_uuid = ?", uuid).Delete(&domain.GroupPermission{}).Error
	})
}

// SetGroupPermission upserts the ACL row for (groupUUID, objectUUID). Setting
// PermissionNone removes the row.
func (r *WorksheetRepositoryImpl) SetGroupPermission(ctx context.Context, groupUUID, objectUUID string, level domain.PermissionLevel) error {
	db := r.db.WithContext(ctx)
	if level == domain.PermissionNone {
		return db.Where("group_uuid = ? AND object_uuid = ?", groupUUID, objectUUID).
			Delete(&domain.GroupPermission{}).Error
	}

	now := time.Now().UTC()
	row := domain.GroupPermission{
		GroupUUID:  groupUUID,
		ObjectUUID: objectUUID,
		Permission: level,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_uuid"}, {Name: "object_uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{"permission", "updated_at"}),
	}).Create(&row).Error
}

// GroupPermissions returns the ACL of one object with group names filled in.
func (r *WorksheetRepositoryImpl) GroupPermissions(ctx context.Context, objectUUID string) ([]domain.GroupPermission, error) {
	all, err := r.BatchGroupPermissions(ctx, []string{objectUUID})
	if err != nil {
		return nil, err
	}
	rows := all[objectUUID]
	if len(rows) == 0 {
		return []domain.GroupPermission{}, nil
	}

	groupUUIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		groupUUIDs = append(groupUUIDs, row.GroupUUID)
	}
	var groups []domain.Group
	if err := r.db.WithContext(ctx).Where("uuid IN ?", groupUUIDs).Find(&groups).Error; err != nil {
		return nil, err
	}
	names := make(map[string]string, len(groups))
	for _, g := range groups {
		names[g.UUID] = g.Name
	}
	for i := range rows {
		rows[i].GroupName = names[rows[i].GroupUUID]
	}
	return rows, nil
}

func (r *WorksheetRepositoryImpl) BatchGroupPermissions(ctx context.Context, objectUUIDs []string) (map[string][]domain.GroupPermission, error) {
	result := make(map[string][]domain.GroupPermission, len(objectUUIDs))
	if len(objectUUIDs) == 0 {
		return result, nil
	}

	var rows []domain.GroupPermission
	if err := r.db.WithContext(ctx).
		Where("object_uuid IN ?", objectUUIDs).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		result[row.ObjectUUID] = append(result[row.ObjectUUID], row)
	}
	return result, nil
}

// UserPermissions computes the level userID holds on each of uuids straight
// from the store. Unknown worksheets are absent from the result.
func (r *WorksheetRepositoryImpl) UserPermissions(ctx context.Context, userID uint64, uuids []string) (map[string]domain.PermissionLevel, error) {
	levels := make(map[string]domain.PermissionLevel, len(uuids))
	if len(uuids) == 0 {
		return levels, nil
	}

	var owners []domain.Worksheet
	if err := r.db.WithContext(ctx).
		Select("uuid", "owner_id").
		Where("uuid IN ?", uuids).
		Find(&owners).Error; err != nil {
		return nil, err
	}

	groups := map[string]bool{}
	if userID != 0 {
		var memberships []string
		if err := r.db.WithContext(ctx).
			Model(&domain.UserGroup{}).
			Where("user_id = ?", userID).
			Pluck("group_uuid", &memberships).Error; err != nil {
			return nil, err
		}
		for _, g := range memberships {
			groups[g] = true
		}
	}

	acl, err := r.BatchGroupPermissions(ctx, uuids)
	if err != nil {
		return nil, err
	}
	for _, ws := range owners {
		levels[ws.UUID] = permission.Level(userID, ws.OwnerID, groups, acl[ws.UUID])
	}
	return levels, nil
}

// Search returns the worksheets matching filter that userID can at least read,
// oldest first.
func (r *WorksheetRepositoryImpl) Search(ctx context.Context, userID uint64, filter domain.SearchFilter) ([]domain.Worksheet, error) {
	db := r.db.WithContext(ctx)

	readable := db.Model(&domain.GroupPermission{}).
		Select("object_uuid").
		Where("permission >= ?", domain.PermissionRead)
	q := db.Model(&domain.Worksheet{})
	if userID == 0 {
		q = q.Where("uuid IN (?)", readable.Where("group_uuid = ?", domain.PublicGroupUUID))
	} else {
		memberOf := db.Model(&domain.UserGroup{}).Select("group_uuid").Where("user_id = ?", userID)
		readable = readable.Where("group_uuid = ? OR group_uuid IN (?)", domain.PublicGroupUUID, memberOf)
		q = q.Where("owner_id = ? OR uuid IN (?)", userID, readable)
	}

	if filter.OwnerID != nil {
		q = q.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.Name != "" {
		q = q.Where("name = ?", filter.Name)
	}
	for _, term := range filter.Terms {
		like := "%" + escapeLike(strings.ToLower(term)) + "%"
		q = q.Where("(LOWER(name) LIKE ? ESCAPE '\\' OR LOWER(title) LIKE ? ESCAPE '\\')", like, like)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var list []domain.Worksheet
	err := q.Order("created_at ASC, uuid ASC").Find(&list).Error
	return list, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
