// Package permission answers what a principal may do with a worksheet.
//
// Levels are computed as a pure max-reduce over the ACL rows whose group the
// principal belongs to. The owner always holds PermissionAll and the public
// group applies to everyone, including anonymous callers.
package permission

import (
	"context"
	"errors"
	"fmt"

	"worksheet-service/internal/domain"
)

var ErrPermissionDenied = errors.New("permission denied")

// Level computes the permission userID holds on an object owned by ownerID.
// groups is the set of groups userID belongs to; the public group is implied.
func Level(userID, ownerID uint64, groups map[string]bool, acl []domain.GroupPermission) domain.PermissionLevel {
	if userID != 0 && userID == ownerID {
		return domain.PermissionAll
	}

	level := domain.PermissionNone
	for _, row := range acl {
		if row.GroupUUID != domain.PublicGroupUUID && !groups[row.GroupUUID] {
			continue
		}
		level = max(level, row.Permission)
	}
	return level
}

type MembershipSource interface {
	GroupUUIDsForUser(ctx context.Context, userID uint64) ([]string, error)
}

type ACLSource interface {
	BatchGroupPermissions(ctx context.Context, objectUUIDs []string) (map[string][]domain.GroupPermission, error)
}

type Oracle struct {
	members MembershipSource
	acl     ACLSource
}

func NewOracle(members MembershipSource, acl ACLSource) *Oracle {
	return &Oracle{members: members, acl: acl}
}

// PermissionLevel returns the level principal holds on ws.
func (o *Oracle) PermissionLevel(ctx context.Context, principal domain.Principal, ws *domain.Worksheet) (domain.PermissionLevel, error) {
	levels, err := o.PermissionLevels(ctx, principal, []*domain.Worksheet{ws})
	if err != nil {
		return domain.PermissionNone, err
	}
	return levels[ws.UUID], nil
}

// PermissionLevels computes levels for many worksheets with one ACL read.
func (o *Oracle) PermissionLevels(ctx context.Context, principal domain.Principal, worksheets []*domain.Worksheet) (map[string]domain.PermissionLevel, error) {
	groups, err := o.groupsOf(ctx, principal)
	if err != nil {
		return nil, err
	}

	uuids := make([]string, 0, len(worksheets))
	for _, ws := range worksheets {
		uuids = append(uuids, ws.UUID)
	}
	acl, err := o.acl.BatchGroupPermissions(ctx, uuids)
	if err != nil {
		return nil, fmt.Errorf("load group permissions: %w", err)
	}

	levels := make(map[string]domain.PermissionLevel, len(worksheets))
	for _, ws := range worksheets {
		levels[ws.UUID] = Level(principal.UserID, ws.OwnerID, groups, acl[ws.UUID])
	}
	return levels, nil
}

func (o *Oracle) RequireRead(ctx context.Context, principal domain.Principal, ws *domain.Worksheet) error {
	return o.require(ctx, principal, ws, domain.PermissionRead)
}

func (o *Oracle) RequireAll(ctx context.Context, principal domain.Principal, ws *domain.Worksheet) error {
	return o.require(ctx, principal, ws, domain.PermissionAll)
}

func (o *Oracle) require(ctx context.Context, principal domain.Principal, ws *domain.Worksheet, need domain.PermissionLevel) error {
	have, err := o.PermissionLevel(ctx, principal, ws)
	if err != nil {
		return err
	}
	if have < need {
		who := "anonymous user"
		if principal.Authenticated() {
			who = fmt.Sprintf("user %q", principal.UserName)
		}
		return fmt.Errorf("%w: %s does not have %s permission on %s", ErrPermissionDenied, who, need, ws)
	}
	return nil
}

func (o *Oracle) groupsOf(ctx context.Context, principal domain.Principal) (map[string]bool, error) {
	groups := map[string]bool{domain.PublicGroupUUID: true}
	if !principal.Authenticated() {
		return groups, nil
	}
	uuids, err := o.members.GroupUUIDsForUser(ctx, principal.UserID)
	if err != nil {
		return nil, fmt.Errorf("load group memberships: %w", err)
	}
	for _, g := range uuids {
		groups[g] = true
	}
	return groups, nil
}
