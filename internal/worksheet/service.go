package worksheet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"worksheet-service/internal/bundle"
	"worksheet-service/internal/domain"
	apiError "worksheet-service/internal/errors"
	"worksheet-service/internal/permission"
	"worksheet-service/internal/worker"
	"worksheet-service/redis"

	"github.com/rs/zerolog/log"
)

type Service interface {
	GetWorksheet(ctx context.Context, principal domain.Principal, uuid string) (*WorksheetDocument, error)
	ListWorksheets(ctx context.Context, principal domain.Principal, query ListQuery) (*WorksheetList, error)
	CreateWorksheets(ctx context.Context, principal domain.Principal, names []string) ([]domain.Worksheet, error)
	UpdateWorksheets(ctx context.Context, principal domain.Principal, updates []MetadataInput) ([]domain.Worksheet, error)
	DeleteWorksheets(ctx context.Context, principal domain.Principal, uuids []string, force bool) error
	AddItems(ctx context.Context, principal domain.Principal, req AddItemsRequest, replace bool) (*AddItemsResult, error)
	SetPermissions(ctx context.Context, principal domain.Principal, grants []PermissionInput) ([]domain.GroupPermission, error)
	UserPermission(ctx context.Context, userID uint64, uuid string) (domain.PermissionLevel, error)
}

// UserDirectory is the read-only view of users and groups this package needs.
type UserDirectory interface {
	GetUserByID(ctx context.Context, id uint64) (*domain.User, error)
	GetUsers(ctx context.Context, ids []uint64) ([]domain.User, error)
	FindUserByName(ctx context.Context, name string) (*domain.User, error)
	GroupUUIDsForUser(ctx context.Context, userID uint64) ([]string, error)
	GroupExists(ctx context.Context, uuid string) (bool, error)
}

type Tokenizer interface {
	StringToTokens(value string) ([]string, error)
}

type DefaultService struct {
	repository WorksheetRepository
	resolver   *Resolver
	reconciler *Reconciler
	oracle     *permission.Oracle
	users      UserDirectory
	bundles    bundle.Directory
	tokenizer  Tokenizer
	cache      *redis.Cache
	pool       *worker.WorkerPool
	cacheTTL   time.Duration
}

func NewService(
	repository WorksheetRepository,
	users UserDirectory,
	bundles bundle.Directory,
	tokenizer Tokenizer,
	cache *redis.Cache,
	pool *worker.WorkerPool,
	cacheTTL time.Duration,
) Service {
	resolver := NewResolver(repository)
	return &DefaultService{
		repository: repository,
		resolver:   resolver,
		reconciler: NewReconciler(bundles, resolver),
		oracle:     permission.NewOracle(users, repository),
		users:      users,
		bundles:    bundles,
		tokenizer:  tokenizer,
		cache:      cache,
		pool:       pool,
		cacheTTL:   cacheTTL,
	}
}

func (s *DefaultService) GetWorksheet(ctx context.Context, principal domain.Principal, uuid string) (*WorksheetDocument, error) {
	ws, err := s.repository.FindByUUID(ctx, uuid, true)
	if err != nil {
		return nil, toAPIError(err)
	}
	level, err := s.oracle.PermissionLevel(ctx, principal, ws)
	if err != nil {
		return nil, toAPIError(err)
	}
	if level < domain.PermissionRead {
		return nil, toAPIError(s.denyRead(ctx, principal, ws))
	}

	acl, err := s.repository.GroupPermissions(ctx, ws.UUID)
	if err != nil {
		return nil, toAPIError(err)
	}

	doc := &WorksheetDocument{
		WorksheetInfo: WorksheetInfo{Worksheet: *ws, Permission: level, GroupPermissions: acl},
	}
	var bundleIDs, subworksheetIDs []string
	doc.Items, bundleIDs, subworksheetIDs = s.itemViews(ws.Items)

	doc.Bundles = s.bundleInfos(ctx, bundleIDs)

	doc.Subworksheets, err = s.subworksheetSummaries(ctx, subworksheetIDs)
	if err != nil {
		return nil, toAPIError(err)
	}

	ownerIDs := []uint64{ws.OwnerID}
	for _, info := range doc.Bundles {
		if info.OwnerID != 0 {
			ownerIDs = append(ownerIDs, info.OwnerID)
		}
	}
	doc.Users, err = s.safeUsers(ctx, ownerIDs)
	if err != nil {
		return nil, toAPIError(err)
	}
	return doc, nil
}

// itemViews renders stored items and collects the distinct references in
// order of first appearance. Directives are tokenized here and only here.
func (s *DefaultService) itemViews(items []domain.WorksheetItem) ([]ItemView, []string, []string) {
	views := make([]ItemView, 0, len(items))
	var bundleIDs, subworksheetIDs []string
	seen := map[string]bool{}

	for _, item := range items {
		view := ItemView{
			Type:             item.Type,
			BundleUUID:       item.BundleUUID,
			SubworksheetUUID: item.SubworksheetUUID,
			Value:            item.Value,
		}
		if item.BundleUUID != nil && !seen["b"+*item.BundleUUID] {
			seen["b"+*item.BundleUUID] = true
			bundleIDs = append(bundleIDs, *item.BundleUUID)
		}
		if item.SubworksheetUUID != nil && !seen["w"+*item.SubworksheetUUID] {
			seen["w"+*item.SubworksheetUUID] = true
			subworksheetIDs = append(subworksheetIDs, *item.SubworksheetUUID)
		}
		if item.Type == domain.ItemTypeDirective {
			tokens, err := s.tokenizer.StringToTokens(item.Value)
			if err != nil {
				log.Warn().Err(err).Str("worksheet_uuid", item.WorksheetUUID).Msg("cannot tokenize directive")
			} else {
				view.Tokens = tokens
			}
		}
		views = append(views, view)
	}
	return views, bundleIDs, subworksheetIDs
}

// bundleInfos returns one entry per id. Bundles the directory does not know,
// or cannot be asked about, render as stubs carrying only their uuid.
func (s *DefaultService) bundleInfos(ctx context.Context, ids []string) []bundle.Info {
	infos := make([]bundle.Info, 0, len(ids))
	if len(ids) == 0 {
		return infos
	}

	found, err := s.bundles.BatchGetBundleInfo(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Int("count", len(ids)).Msg("bundle directory unavailable, rendering stubs")
		found = nil
	}
	for _, id := range ids {
		info, ok := found[id]
		if !ok {
			info = bundle.Info{UUID: id}
		}
		infos = append(infos, info)
	}
	return infos
}

func (s *DefaultService) subworksheetSummaries(ctx context.Context, ids []string) ([]WorksheetSummary, error) {
	summaries := make([]WorksheetSummary, 0, len(ids))
	if len(ids) == 0 {
		return summaries, nil
	}

	found, err := s.repository.BatchGet(ctx, ids, false)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		summary := WorksheetSummary{UUID: id}
		if ws, ok := found[id]; ok {
			summary.Name = ws.Name
			summary.Title = ws.Title
			summary.OwnerID = ws.OwnerID
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *DefaultService) safeUsers(ctx context.Context, ids []uint64) ([]domain.SafeUser, error) {
	unique := make([]uint64, 0, len(ids))
	seen := map[uint64]bool{}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	users, err := s.users.GetUsers(ctx, unique)
	if err != nil {
		return nil, err
	}
	safe := make([]domain.SafeUser, 0, len(users))
	for i := range users {
		u := users[i].ToSafeUser()
		u.Email = ""
		safe = append(safe, u)
	}
	return safe, nil
}

func (s *DefaultService) ListWorksheets(ctx context.Context, principal domain.Principal, query ListQuery) (*WorksheetList, error) {
	var (
		list *WorksheetList
		err  error
	)
	if len(query.Specs) > 0 {
		list, err = s.listBySpecs(ctx, principal, query)
	} else {
		list, err = s.search(ctx, principal, query)
	}
	if err != nil {
		return nil, toAPIError(err)
	}
	return list, nil
}

func (s *DefaultService) listBySpecs(ctx context.Context, principal domain.Principal, query ListQuery) (*WorksheetList, error) {
	uuids := make([]string, 0, len(query.Specs))
	seen := map[string]bool{}
	for _, spec := range query.Specs {
		id, err := s.resolver.Resolve(ctx, principal, query.Base, spec)
		if err != nil {
			return nil, err
		}
		if !seen[id] {
			seen[id] = true
			uuids = append(uuids, id)
		}
	}

	found, err := s.repository.BatchGet(ctx, uuids, false)
	if err != nil {
		return nil, err
	}
	worksheets := make([]domain.Worksheet, 0, len(uuids))
	for _, id := range uuids {
		ws, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("worksheet %s: %w", id, domain.ErrNotFound)
		}
		worksheets = append(worksheets, *ws)
	}

	infos, err := s.annotate(ctx, principal, worksheets)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		if infos[i].Permission < domain.PermissionRead {
			return nil, s.denyRead(ctx, principal, &infos[i].Worksheet)
		}
	}
	return s.withOwners(ctx, infos)
}

func (s *DefaultService) search(ctx context.Context, principal domain.Principal, query ListQuery) (*WorksheetList, error) {
	version := s.cache.GetVersion(ctx, redis.WorksheetsVersionKey)
	cacheKey := fmt.Sprintf("worksheets:search:v:%d:u:%d:p:%d:ps:%d:q:%s",
		version, principal.UserID, query.Page, query.PerPage, strings.Join(query.Keywords, "\x1f"))

	var cached WorksheetList
	if found, _ := s.cache.Get(ctx, cacheKey, &cached); found {
		return &cached, nil
	}

	filter, err := s.parseKeywords(ctx, principal, query.Keywords)
	if err != nil {
		return nil, err
	}
	if query.PerPage > 0 {
		filter.Limit = query.PerPage
		filter.Offset = (max(query.Page, 1) - 1) * query.PerPage
	}

	worksheets, err := s.repository.Search(ctx, principal.UserID, filter)
	if err != nil {
		return nil, err
	}
	infos, err := s.annotate(ctx, principal, worksheets)
	if err != nil {
		return nil, err
	}
	list, err := s.withOwners(ctx, infos)
	if err != nil {
		return nil, err
	}

	result := *list
	s.pool.Submit(func(ctx context.Context) error {
		return s.cache.Set(ctx, cacheKey, result, s.cacheTTL)
	})
	return list, nil
}

// parseKeywords understands owner=<user>, name=<worksheet>, .mine and free
// text matched against names and titles.
func (s *DefaultService) parseKeywords(ctx context.Context, principal domain.Principal, keywords []string) (domain.SearchFilter, error) {
	var filter domain.SearchFilter
	for _, kw := range keywords {
		switch {
		case kw == "":
		case kw == ".mine":
			id := principal.UserID
			filter.OwnerID = &id
		case strings.HasPrefix(kw, "owner="):
			user, err := s.users.FindUserByName(ctx, strings.TrimPrefix(kw, "owner="))
			if err != nil {
				return filter, err
			}
			filter.OwnerID = &user.ID
		case strings.HasPrefix(kw, "name="):
			filter.Name = strings.TrimPrefix(kw, "name=")
		default:
			filter.Terms = append(filter.Terms, kw)
		}
	}
	return filter, nil
}

func (s *DefaultService) annotate(ctx context.Context, principal domain.Principal, worksheets []domain.Worksheet) ([]WorksheetInfo, error) {
	infos := make([]WorksheetInfo, 0, len(worksheets))
	if len(worksheets) == 0 {
		return infos, nil
	}

	ptrs := make([]*domain.Worksheet, len(worksheets))
	uuids := make([]string, len(worksheets))
	for i := range worksheets {
		ptrs[i] = &worksheets[i]
		uuids[i] = worksheets[i].UUID
	}
	levels, err := s.oracle.PermissionLevels(ctx, principal, ptrs)
	if err != nil {
		return nil, err
	}
	acl, err := s.repository.BatchGroupPermissions(ctx, uuids)
	if err != nil {
		return nil, err
	}

	for _, ws := range worksheets {
		rows := acl[ws.UUID]
		if rows == nil {
			rows = []domain.GroupPermission{}
		}
		infos = append(infos, WorksheetInfo{
			Worksheet:        ws,
			Permission:       levels[ws.UUID],
			GroupPermissions: rows,
		})
	}
	return infos, nil
}

func (s *DefaultService) withOwners(ctx context.Context, infos []WorksheetInfo) (*WorksheetList, error) {
	ids := make([]uint64, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.OwnerID)
	}
	users, err := s.safeUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &WorksheetList{Data: infos, Users: users}, nil
}

func (s *DefaultService) CreateWorksheets(ctx context.Context, principal domain.Principal, names []string) ([]domain.Worksheet, error) {
	created := make([]domain.Worksheet, 0, len(names))
	defer func() {
		if len(created) > 0 {
			s.invalidateListings(ctx)
		}
	}()

	for _, name := range names {
		ws, err := s.resolver.NewWorksheet(ctx, principal, name)
		if err != nil {
			return created, toAPIError(err)
		}
		log.Info().Str("uuid", ws.UUID).Str("name", ws.Name).Uint64("owner_id", ws.OwnerID).Msg("worksheet created")
		created = append(created, *ws)
	}
	return created, nil
}

func (s *DefaultService) UpdateWorksheets(ctx context.Context, principal domain.Principal, updates []MetadataInput) ([]domain.Worksheet, error) {
	result := make([]domain.Worksheet, 0, len(updates))
	defer func() {
		if len(result) > 0 {
			s.invalidateListings(ctx)
		}
	}()

	for _, in := range updates {
		ws, err := s.updateMetadata(ctx, principal, in)
		if err != nil {
			return result, toAPIError(err)
		}
		result = append(result, *ws)
	}
	return result, nil
}

func (s *DefaultService) updateMetadata(ctx context.Context, principal domain.Principal, in MetadataInput) (*domain.Worksheet, error) {
	ws, err := s.repository.FindByUUID(ctx, in.UUID, false)
	if err != nil {
		return nil, err
	}
	if err := s.oracle.RequireAll(ctx, principal, ws); err != nil {
		return nil, err
	}

	update := domain.MetadataUpdate{
		Title:  in.Title,
		Tags:   in.Tags,
		Freeze: bool(in.Frozen) || in.Freeze != nil,
	}
	if in.Name != nil && *in.Name != ws.Name {
		if err := s.resolver.EnsureNameAvailable(ctx, principal, *in.Name); err != nil {
			return nil, err
		}
		update.Name = in.Name
	}
	switch {
	case in.OwnerSpec != nil:
		owner, err := s.users.FindUserByName(ctx, *in.OwnerSpec)
		if err != nil {
			return nil, err
		}
		update.OwnerID = &owner.ID
	case in.OwnerID != nil:
		if _, err := s.users.GetUserByID(ctx, *in.OwnerID); err != nil {
			return nil, err
		}
		update.OwnerID = in.OwnerID
	}

	if ws.Frozen() && !update.OnlyFreeze() {
		return nil, fmt.Errorf("cannot change metadata of %s: %w", ws, domain.ErrFrozen)
	}
	if err := s.repository.UpdateMetadata(ctx, ws.UUID, update); err != nil {
		return nil, err
	}
	return s.repository.FindByUUID(ctx, ws.UUID, false)
}

func (s *DefaultService) DeleteWorksheets(ctx context.Context, principal domain.Principal, uuids []string, force bool) error {
	deleted := 0
	defer func() {
		if deleted > 0 {
			s.invalidateListings(ctx)
		}
	}()

	for _, id := range uuids {
		ws, err := s.repository.FindByUUID(ctx, id, false)
		if err != nil {
			return toAPIError(err)
		}
		if err := s.oracle.RequireAll(ctx, principal, ws); err != nil {
			return toAPIError(err)
		}
		if err := s.repository.Delete(ctx, ws.UUID, force); err != nil {
			switch {
			case errors.Is(err, domain.ErrFrozen):
				return apiError.PreconditionFailed(fmt.Sprintf("Can't delete worksheet %s because it is frozen (--force to override).", ws.UUID), err)
			case errors.Is(err, domain.ErrNotEmpty):
				return apiError.PreconditionFailed(fmt.Sprintf("Can't delete worksheet %s because it is not empty (--force to override).", ws.UUID), err)
			}
			return toAPIError(err)
		}
		deleted++
		log.Info().Str("uuid", ws.UUID).Bool("force", force).Msg("worksheet deleted")
	}
	return nil
}

type itemBatch struct {
	ws     *domain.Worksheet
	inputs []ItemInput
	items  []domain.WorksheetItem
}

// AddItems writes items grouped by target worksheet. Every group is checked
// and reconciled before anything is written, and each worksheet then gets a
// single atomic replace or append.
func (s *DefaultService) AddItems(ctx context.Context, principal domain.Principal, req AddItemsRequest, replace bool) (*AddItemsResult, error) {
	var order []string
	batches := map[string]*itemBatch{}
	for _, in := range req.Items {
		b, ok := batches[in.WorksheetUUID]
		if !ok {
			b = &itemBatch{}
			batches[in.WorksheetUUID] = b
			order = append(order, in.WorksheetUUID)
		}
		b.inputs = append(b.inputs, in)
	}

	for _, id := range order {
		b := batches[id]
		ws, err := s.repository.FindByUUID(ctx, id, false)
		if err != nil {
			return nil, toAPIError(err)
		}
		if err := s.oracle.RequireAll(ctx, principal, ws); err != nil {
			return nil, toAPIError(err)
		}
		if ws.Frozen() {
			return nil, toAPIError(fmt.Errorf("cannot add items to %s: %w", ws, domain.ErrFrozen))
		}
		if _, ok := req.Versions[id]; replace && !ok {
			return nil, apiError.UnprocessableEntity(fmt.Sprintf("Version token for worksheet %s is required to replace its items", id), nil)
		}

		b.ws = ws
		b.items, err = s.reconciler.Reconcile(ctx, principal, id, b.inputs, req.Legacy)
		if err != nil {
			return nil, toAPIError(err)
		}
	}

	versions := make(map[string]domain.VersionToken, len(order))
	defer func() {
		if len(versions) > 0 {
			s.invalidateListings(ctx)
		}
	}()

	for _, id := range order {
		b := batches[id]
		var (
			token domain.VersionToken
			err   error
		)
		if replace {
			token, err = s.repository.ReplaceItems(ctx, id, req.Versions[id], b.items)
		} else {
			token, err = s.repository.AppendItems(ctx, id, b.items)
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, apiError.Conflict(fmt.Sprintf("%s was updated concurrently!", b.ws), err)
		}
		if err != nil {
			return nil, toAPIError(err)
		}
		versions[id] = token
	}

	return &AddItemsResult{Items: req.Items, Versions: versions}, nil
}

func (s *DefaultService) SetPermissions(ctx context.Context, principal domain.Principal, grants []PermissionInput) ([]domain.GroupPermission, error) {
	result := make([]domain.GroupPermission, 0, len(grants))
	defer func() {
		if len(result) > 0 {
			s.invalidateListings(ctx)
		}
	}()

	for _, g := range grants {
		ws, err := s.repository.FindByUUID(ctx, g.ObjectUUID, false)
		if err != nil {
			return result, toAPIError(err)
		}
		if err := s.oracle.RequireAll(ctx, principal, ws); err != nil {
			return result, toAPIError(err)
		}
		exists, err := s.users.GroupExists(ctx, g.GroupUUID)
		if err != nil {
			return result, toAPIError(err)
		}
		if !exists {
			return result, apiError.NotFound(fmt.Sprintf("Group %s not found", g.GroupUUID), nil)
		}
		if err := s.repository.SetGroupPermission(ctx, g.GroupUUID, ws.UUID, g.Permission); err != nil {
			return result, toAPIError(err)
		}
		result = append(result, domain.GroupPermission{
			GroupUUID:  g.GroupUUID,
			ObjectUUID: ws.UUID,
			Permission: g.Permission,
		})
	}
	return result, nil
}

// UserPermission answers for any user, not just the caller. It backs the
// internal API used by other services.
func (s *DefaultService) UserPermission(ctx context.Context, userID uint64, uuid string) (domain.PermissionLevel, error) {
	levels, err := s.repository.UserPermissions(ctx, userID, []string{uuid})
	if err != nil {
		return domain.PermissionNone, toAPIError(err)
	}
	level, ok := levels[uuid]
	if !ok {
		return domain.PermissionNone, toAPIError(fmt.Errorf("worksheet %s: %w", uuid, domain.ErrNotFound))
	}
	return level, nil
}

// denyRead builds the error for a caller found to lack read access.
func (s *DefaultService) denyRead(ctx context.Context, principal domain.Principal, ws *domain.Worksheet) error {
	if err := s.oracle.RequireRead(ctx, principal, ws); err != nil {
		return err
	}
	// access was granted in between; still report the original decision
	return fmt.Errorf("%w: no read permission on %s", permission.ErrPermissionDenied, ws)
}

func (s *DefaultService) invalidateListings(ctx context.Context) {
	s.cache.IncrementVersion(context.WithoutCancel(ctx), redis.WorksheetsVersionKey)
}

// toAPIError maps domain conditions onto the error taxonomy the handlers
// render. Errors that already are APIErrors pass through.
func toAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apiError.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, permission.ErrPermissionDenied):
		return apiError.Forbidden(err.Error(), err)
	case errors.Is(err, domain.ErrNotFound):
		return apiError.NotFound(err.Error(), err)
	case errors.Is(err, domain.ErrNameTaken), errors.Is(err, domain.ErrFrozen), errors.Is(err, domain.ErrNotEmpty):
		return apiError.PreconditionFailed(err.Error(), err)
	case errors.Is(err, domain.ErrVersionConflict):
		return apiError.Conflict(err.Error(), err)
	case errors.Is(err, domain.ErrInvalidName):
		return apiError.UnprocessableEntity(err.Error(), err)
	case errors.Is(err, domain.ErrAmbiguous):
		return apiError.BadRequest(err.Error(), err)
	default:
		return apiError.Internal(err)
	}
}
