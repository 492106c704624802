package user

import (
	"context"
	defError "errors"
	"fmt"

	"worksheet-service/internal/domain"
	"worksheet-service/internal/errors"
	"worksheet-service/redis"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const searchLimit = 20

// Service defines the interface for user and group business logic
type Service interface {
	Register(ctx context.Context, user *domain.User) error
	Login(ctx context.Context, email, password string) (*domain.User, error)
	GetUserByID(ctx context.Context, id uint64) (*domain.User, error)
	GetUsers(ctx context.Context, ids []uint64) ([]domain.User, error)
	FindUserByName(ctx context.Context, name string) (*domain.User, error)
	SearchUsers(ctx context.Context, query string) ([]domain.SafeUser, error)
	IncreaseTokenVersion(ctx context.Context, id uint64) error
	DeactivateUser(ctx context.Context, id uint64) error

	CreateGroup(ctx context.Context, principal domain.Principal, name string) (*domain.Group, error)
	AddMember(ctx context.Context, principal domain.Principal, groupUUID, userName string, isAdmin bool) error
	GroupUUIDsForUser(ctx context.Context, userID uint64) ([]string, error)
	GroupExists(ctx context.Context, uuid string) (bool, error)
}

// DefaultService implements Service
type DefaultService struct {
	repository UserRepository
	cache      *redis.Cache
}

// NewService creates a new user service
func NewService(repository UserRepository, cache *redis.Cache) Service {
	return &DefaultService{repository: repository, cache: cache}
}

// Register registers a new user
func (s *DefaultService) Register(ctx context.Context, user *domain.User) error {
	// Check if user with email or name already exists
	for _, lookup := range []func() (*domain.User, error){
		func() (*domain.User, error) { return s.repository.FindByEmail(ctx, user.Email) },
		func() (*domain.User, error) { return s.repository.FindByName(ctx, user.UserName) },
	} {
		_, err := lookup()
		if err == nil {
			return errors.UnprocessableEntity("User already registered", nil)
		}
		if !defError.Is(err, domain.ErrNotFound) {
			return errors.Internal(err)
		}
	}

	// Hash the password before saving
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return errors.UnprocessableEntity("Invalid password", err)
	}
	user.PasswordHash = string(hashedPassword)
	user.IsActive = true

	if err := s.repository.Create(ctx, user); err != nil {
		if defError.Is(err, domain.ErrNameTaken) {
			return errors.UnprocessableEntity("User already registered", err)
		}
		return errors.Internal(err)
	}
	log.Info().Uint64("user_id", user.ID).Str("user_name", user.UserName).Msg("user registered")
	return nil
}

// Login authenticates a user
func (s *DefaultService) Login(ctx context.Context, email, password string) (*domain.User, error) {
	user, err := s.repository.FindByEmail(ctx, email)
	if err != nil {
		return nil, errors.Unauthorized("User not found", err)
	}

	// Check if user is active
	if !user.IsActive {
		return nil, errors.Unauthorized("User is not active", nil)
	}

	// Check password
	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if err != nil {
		return nil, errors.UnprocessableEntity("Wrong password", err)
	}

	return user, nil
}

// GetUserByID gets a user by ID
func (s *DefaultService) GetUserByID(ctx context.Context, id uint64) (*domain.User, error) {
	user, err := s.repository.FindByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "User not found")
	}
	return user, nil
}

func (s *DefaultService) GetUsers(ctx context.Context, ids []uint64) ([]domain.User, error) {
	users, err := s.repository.FindByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Internal(err)
	}
	return users, nil
}

func (s *DefaultService) FindUserByName(ctx context.Context, name string) (*domain.User, error) {
	user, err := s.repository.FindByName(ctx, name)
	if err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("User %s not found", name))
	}
	return user, nil
}

func (s *DefaultService) SearchUsers(ctx context.Context, query string) ([]domain.SafeUser, error) {
	users, err := s.repository.Search(ctx, query, searchLimit)
	if err != nil {
		return nil, errors.Internal(err)
	}
	safe := make([]domain.SafeUser, 0, len(users))
	for i := range users {
		u := users[i].ToSafeUser()
		u.Email = ""
		safe = append(safe, u)
	}
	return safe, nil
}

func (s *DefaultService) IncreaseTokenVersion(ctx context.Context, id uint64) error {
	return s.repository.IncreaseTokenVersion(ctx, id)
}

// DeactivateUser deactivates a user
func (s *DefaultService) DeactivateUser(ctx context.Context, id uint64) error {
	if err := s.repository.Deactivate(ctx, id); err != nil {
		return notFoundOr(err, "User not found")
	}
	return nil
}

// CreateGroup creates a user defined group administered by its creator.
func (s *DefaultService) CreateGroup(ctx context.Context, principal domain.Principal, name string) (*domain.Group, error) {
	if !principal.Authenticated() {
		return nil, errors.Forbidden("You must be logged in to create a group", nil)
	}

	owner := principal.UserID
	group := &domain.Group{
		UUID:        domain.NewUUID(),
		Name:        name,
		OwnerID:     &owner,
		UserDefined: true,
	}
	if err := s.repository.CreateGroup(ctx, group, owner); err != nil {
		if defError.Is(err, domain.ErrNameTaken) {
			return nil, errors.PreconditionFailed(fmt.Sprintf("Group with name %s already exists", name), err)
		}
		return nil, errors.Internal(err)
	}
	return group, nil
}

// AddMember adds userName to the group. Only group admins may do this.
func (s *DefaultService) AddMember(ctx context.Context, principal domain.Principal, groupUUID, userName string, isAdmin bool) error {
	group, err := s.repository.FindGroup(ctx, groupUUID)
	if err != nil {
		return notFoundOr(err, "Group not found")
	}
	if !group.UserDefined {
		return errors.Forbidden(fmt.Sprintf("Members of %s cannot be changed", group.Name), nil)
	}

	admin, err := s.repository.IsGroupAdmin(ctx, group.UUID, principal.UserID)
	if err != nil {
		return errors.Internal(err)
	}
	if !admin {
		return errors.Forbidden(fmt.Sprintf("You are not an admin of group %s", group.Name), nil)
	}

	member, err := s.FindUserByName(ctx, userName)
	if err != nil {
		return err
	}
	if err := s.repository.AddMember(ctx, group.UUID, member.ID, isAdmin); err != nil {
		return errors.Internal(err)
	}

	// memberships change which worksheets show up in listings
	s.cache.IncrementVersion(ctx, redis.WorksheetsVersionKey)
	return nil
}

func (s *DefaultService) GroupUUIDsForUser(ctx context.Context, userID uint64) ([]string, error) {
	return s.repository.GroupUUIDsForUser(ctx, userID)
}

func (s *DefaultService) GroupExists(ctx context.Context, uuid string) (bool, error) {
	_, err := s.repository.FindGroup(ctx, uuid)
	if defError.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func notFoundOr(err error, message string) error {
	if defError.Is(err, domain.ErrNotFound) {
		return errors.NotFound(message, err)
	}
	return errors.Internal(err)
}
