package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"worksheet-service/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserRepository defines the interface for user and group data access
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	FindByName(ctx context.Context, name string) (*domain.User, error)
	FindByID(ctx context.Context, id uint64) (*domain.User, error)
	FindByIDs(ctx context.Context, ids []uint64) ([]domain.User, error)
	Search(ctx context.Context, query string, limit int) ([]domain.User, error)
	IncreaseTokenVersion(ctx context.Context, id uint64) error
	Deactivate(ctx context.Context, id uint64) error

	CreateGroup(ctx context.Context, group *domain.Group, ownerID uint64) error
	FindGroup(ctx context.Context, uuid string) (*domain.Group, error)
	AddMember(ctx context.Context, groupUUID string, userID uint64, isAdmin bool) error
	IsGroupAdmin(ctx context.Context, groupUUID string, userID uint64) (bool, error)
	GroupUUIDsForUser(ctx context.Context, userID uint64) ([]string, error)
}

// UserRepositoryImpl implements UserRepository
type UserRepositoryImpl struct {
	db *gorm.DB
}

// NewRepository creates a new user repository
func NewRepository(db *gorm.DB) UserRepository {
	return &UserRepositoryImpl{db: db}
}

// Create creates a new user
func (r *UserRepositoryImpl) Create(ctx context.Context, user *domain.User) error {
	err := r.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("user %q: %w", user.UserName, domain.ErrNameTaken)
	}
	return err
}

func (r *UserRepositoryImpl) findOne(ctx context.Context, what string, query string, args ...any) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).Where(query, args...).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", what, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByEmail finds a user by email
func (r *UserRepositoryImpl) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.findOne(ctx, email, "email = ?", email)
}

func (r *UserRepositoryImpl) FindByName(ctx context.Context, name string) (*domain.User, error) {
	return r.findOne(ctx, name, "user_name = ?", name)
}

// FindByID finds a user by ID
func (r *UserRepositoryImpl) FindByID(ctx context.Context, id uint64) (*domain.User, error) {
	return r.findOne(ctx, fmt.Sprint(id), "id = ?", id)
}

// FindByIDs loads many users in one query; unknown ids are skipped.
func (r *UserRepositoryImpl) FindByIDs(ctx context.Context, ids []uint64) ([]domain.User, error) {
	var users []domain.User
	if len(ids) == 0 {
		return users, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&users).Error
	return users, err
}

func (r *UserRepositoryImpl) Search(ctx context.Context, query string, limit int) ([]domain.User, error) {
	var users []domain.User
	like := "%" + strings.ToLower(query) + "%"
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND (LOWER(user_name) LIKE ? OR LOWER(email) LIKE ?)", true, like, like).
		Order("user_name ASC").
		Limit(limit).
		Find(&users).Error
	return users, err
}

// IncreaseTokenVersion invalidates every token issued so far.
func (r *UserRepositoryImpl) IncreaseTokenVersion(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", id).
		Update("token_version", gorm.Expr("token_version + 1")).Error
}

// Deactivate deactivates a user
func (r *UserRepositoryImpl) Deactivate(ctx context.Context, id uint64) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CreateGroup inserts the group and makes ownerID its first admin.
func (r *UserRepositoryImpl) CreateGroup(ctx context.Context, group *domain.Group, ownerID uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(group).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("group %q: %w", group.Name, domain.ErrNameTaken)
			}
			return err
		}
		return tx.Create(&domain.UserGroup{
			GroupUUID: group.UUID,
			UserID:    ownerID,
			IsAdmin:   true,
			CreatedAt: time.Now().UTC(),
		}).Error
	})
}

func (r *UserRepositoryImpl) FindGroup(ctx context.Context, uuid string) (*domain.Group, error) {
	var group domain.Group
	err := r.db.WithContext(ctx).Where("uuid = ?", uuid).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("group %s: %w", uuid, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// AddMember adds userID to the group, or updates its admin flag when it is
// already a member.
func (r *UserRepositoryImpl) AddMember(ctx context.Context, groupUUID string, userID uint64, isAdmin bool) error {
	membership := domain.UserGroup{
		GroupUUID: groupUUID,
		UserID:    userID,
		IsAdmin:   isAdmin,
		CreatedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_uuid"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_admin"}),
	}).Create(&membership).Error
}

func (r *UserRepositoryImpl) IsGroupAdmin(ctx context.Context, groupUUID string, userID uint64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.UserGroup{}).
		Where("group_uuid = ? AND user_id = ? AND is_admin = ?", groupUUID, userID, true).
		Count(&count).Error
	return count > 0, err
}

func (r *UserRepositoryImpl) GroupUUIDsForUser(ctx context.Context, userID uint64) ([]string, error) {
	var uuids []string
	err := r.db.WithContext(ctx).Model(&domain.UserGroup{}).
		Where("user_id = ?", userID).
		Pluck("group_uuid", &uuids).Error
	return uuids, err
}
