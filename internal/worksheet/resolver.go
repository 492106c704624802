package worksheet

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"worksheet-service/internal/domain"
	"worksheet-service/internal/permission"

	"github.com/rs/zerolog/log"
)

var (
	fullUUIDRegexp   = regexp.MustCompile(`^0x[0-9a-f]{32}$`)
	uuidPrefixRegexp = regexp.MustCompile(`^0x[0-9a-f]+$`)
)

const dashboardTitle = "Dashboard"

// publicRead is the ACL every new worksheet starts with.
var publicRead = domain.GroupPermission{GroupUUID: domain.PublicGroupUUID, Permission: domain.PermissionRead}

// dashboardItems is what a fresh dashboard shows.
var dashboardItems = []domain.WorksheetItem{
	{Type: domain.ItemTypeMarkup, Value: "## My worksheets"},
	{Type: domain.ItemTypeDirective, Value: "search .mine"},
	{Type: domain.ItemTypeMarkup, Value: "## Shared with me"},
	{Type: domain.ItemTypeDirective, Value: "search .shared"},
}

// Resolver maps worksheet specs to worksheets and creates worksheets,
// including the home and dashboard worksheets that are created on first use.
type Resolver struct {
	repo WorksheetRepository
}

func NewResolver(repo WorksheetRepository) *Resolver {
	return &Resolver{repo: repo}
}

// Lookup finds an existing worksheet by uuid, unique uuid prefix or name.
// Names are first matched among the sub-worksheets of baseUUID. The home
// token stands for the caller's home worksheet. Nothing is created.
func (r *Resolver) Lookup(ctx context.Context, principal domain.Principal, baseUUID, spec string) (*domain.Worksheet, error) {
	if isHomeSpec(spec) {
		if !principal.Authenticated() {
			return nil, fmt.Errorf("anonymous users have no home worksheet: %w", domain.ErrNotFound)
		}
		spec = domain.HomeWorksheetName(principal.UserName)
	}

	switch {
	case fullUUIDRegexp.MatchString(spec):
		return r.repo.FindByUUID(ctx, spec, false)

	case uuidPrefixRegexp.MatchString(spec):
		matches, err := r.repo.FindByUUIDPrefix(ctx, spec)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
			return nil, fmt.Errorf("no worksheet uuid starts with %s: %w", spec, domain.ErrNotFound)
		case 1:
			return &matches[0], nil
		default:
			return nil, fmt.Errorf("more than one worksheet uuid starts with %s: %w", spec, domain.ErrAmbiguous)
		}
	}

	if baseUUID != "" {
		ws, err := r.repo.FindSubworksheetByName(ctx, baseUUID, spec)
		if err == nil {
			return ws, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return r.repo.FindByName(ctx, spec)
}

// Resolve returns the uuid spec refers to. A missing home worksheet or
// dashboard is created on the spot; concurrent first accesses converge on
// the same worksheet.
func (r *Resolver) Resolve(ctx context.Context, principal domain.Principal, baseUUID, spec string) (string, error) {
	ws, err := r.Lookup(ctx, principal, baseUUID, spec)
	if err == nil {
		return ws.UUID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	switch {
	case isHomeSpec(spec) && principal.Authenticated():
		ws, err = r.getOrCreate(ctx, principal, domain.HomeWorksheetName(principal.UserName))
	case domain.IsDashboardName(spec):
		ws, err = r.getOrCreate(ctx, principal, spec)
	default:
		return "", err
	}
	if err != nil {
		return "", err
	}
	return ws.UUID, nil
}

// NewWorksheet creates an empty worksheet owned by principal.
func (r *Resolver) NewWorksheet(ctx context.Context, principal domain.Principal, name string) (*domain.Worksheet, error) {
	if !principal.Authenticated() {
		return nil, fmt.Errorf("%w: you must be logged in to create a worksheet", permission.ErrPermissionDenied)
	}
	if err := r.EnsureNameAvailable(ctx, principal, name); err != nil {
		return nil, err
	}

	ws := &domain.Worksheet{Name: name, OwnerID: principal.UserID}
	if err := r.repo.Create(ctx, ws, publicRead); err != nil {
		return nil, err
	}
	r.populate(ctx, ws)
	return ws, nil
}

// EnsureNameAvailable is an early, advisory check. The store's unique index
// remains the authority.
func (r *Resolver) EnsureNameAvailable(ctx context.Context, principal domain.Principal, name string) error {
	if !domain.ValidName(name) {
		return fmt.Errorf("%q: %w", name, domain.ErrInvalidName)
	}
	if domain.IsHomeWorksheetName(name) && name != domain.HomeWorksheetName(principal.UserName) {
		return fmt.Errorf("cannot use %s because it is potentially the home worksheet of another user: %w", name, domain.ErrNameTaken)
	}

	_, err := r.repo.FindByName(ctx, name)
	if err == nil {
		return fmt.Errorf("worksheet with name %s already exists: %w", name, domain.ErrNameTaken)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (r *Resolver) getOrCreate(ctx context.Context, principal domain.Principal, name string) (*domain.Worksheet, error) {
	if !principal.Authenticated() {
		return nil, fmt.Errorf("%w: you must be logged in to create %s", permission.ErrPermissionDenied, name)
	}

	ws, created, err := r.repo.GetOrCreate(ctx, &domain.Worksheet{Name: name, OwnerID: principal.UserID}, publicRead)
	if err != nil {
		return nil, err
	}

	if created {
		log.Info().Str("uuid", ws.UUID).Str("name", name).Uint64("owner_id", principal.UserID).Msg("created worksheet on first access")
		r.populate(ctx, ws)
	}
	return ws, nil
}

// populate fills in a fresh dashboard. The worksheet already exists at this
// point, so a failure only leaves it empty.
func (r *Resolver) populate(ctx context.Context, ws *domain.Worksheet) {
	if !domain.IsDashboardName(ws.Name) {
		return
	}

	items := make([]domain.WorksheetItem, len(dashboardItems))
	copy(items, dashboardItems)
	if _, err := r.repo.ReplaceItems(ctx, ws.UUID, ws.Version(), items); err != nil {
		log.Warn().Err(err).Str("uuid", ws.UUID).Msg("failed to populate dashboard")
		return
	}
	title := dashboardTitle
	if err := r.repo.UpdateMetadata(ctx, ws.UUID, domain.MetadataUpdate{Title: &title}); err != nil {
		log.Warn().Err(err).Str("uuid", ws.UUID).Msg("failed to set dashboard title")
	}

	fresh, err := r.repo.FindByUUID(ctx, ws.UUID, false)
	if err != nil {
		log.Warn().Err(err).Str("uuid", ws.UUID).Msg("failed to reload dashboard")
		return
	}
	*ws = *fresh
}

func isHomeSpec(spec string) bool {
	return spec == "" || spec == domain.HomeWorksheetToken
}
