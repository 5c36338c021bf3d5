// Package directory owns group identity, metadata, memberships and roles.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/models"
	"crew-chat-service/internal/repositories"
)

const (
	defaultMaxNameLength        = 100
	defaultMaxDescriptionLength = 2000
)

// Publisher receives directory events; *hub.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev models.GroupEvent)
}

// Purger drops per-group state owned by another component when a group is deleted.
type Purger interface {
	PurgeGroup(ctx context.Context, groupID int64) error
}

// Uploader stores binary objects and returns a stable URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Options tunes directory policy.
type Options struct {
	// AllowSelfJoin lets a user add themselves to any group as a plain member.
	AllowSelfJoin        bool
	MaxNameLength        int
	MaxDescriptionLength int
	Uploader             Uploader
}

// Directory is the GroupDirectory component. Mutations of one group are
// serialized by a per-group mutex; different groups proceed in parallel.
type Directory struct {
	repo    repositories.GroupRepository
	events  Publisher
	opts    Options
	log     zerolog.Logger
	locks   sync.Map
	purgers []Purger
	now     func() time.Time
}

// New constructs a Directory.
func New(repo repositories.GroupRepository, events Publisher, log zerolog.Logger, opts Options) *Directory {
	if opts.MaxNameLength <= 0 {
		opts.MaxNameLength = defaultMaxNameLength
	}
	if opts.MaxDescriptionLength <= 0 {
		opts.MaxDescriptionLength = defaultMaxDescriptionLength
	}
	return &Directory{
		repo:   repo,
		events: events,
		opts:   opts,
		log:    log.With().Str("component", "directory").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnDelete registers components whose per-group state cascades with group deletion.
func (d *Directory) OnDelete(purgers ...Purger) {
	d.purgers = append(d.purgers, purgers...)
}

func (d *Directory) lock(groupID int64) func() {
	mu, _ := d.locks.LoadOrStore(groupID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// CreateGroup creates a group owned by owner, who becomes its first admin.
func (d *Directory) CreateGroup(ctx context.Context, owner int64, name, description string) (models.Group, error) {
	name, err := d.validName(name)
	if err != nil {
		return models.Group{}, err
	}
	if utf8.RuneCountInString(description) > d.opts.MaxDescriptionLength {
		return models.Group{}, errs.New(errs.ErrInvalidArgument, "description exceeds %d characters", d.opts.MaxDescriptionLength)
	}

	group, err := d.repo.CreateGroup(ctx, models.Group{Name: name, Description: description, OwnerID: owner})
	if err != nil {
		return models.Group{}, err
	}

	d.log.Info().Int64("group_id", group.ID).Int64("owner_id", owner).Msg("group created")
	d.publish(ctx, models.GroupEvent{Type: models.EventGroupCreated, GroupID: group.ID, ActorID: owner, Group: &group})
	return group, nil
}

// GetGroup fetches a group.
func (d *Directory) GetGroup(ctx context.Context, groupID int64) (models.Group, error) {
	return d.repo.GetGroup(ctx, groupID)
}

// ListGroupsForUser returns the groups user belongs to.
func (d *Directory) ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error) {
	return d.repo.ListGroupsForUser(ctx, userID)
}

// AddMember adds target to a group. Only admins may add others; a user may
// add themselves as a member when self-join is allowed.
func (d *Directory) AddMember(ctx context.Context, actor, groupID, target int64, role models.Role) (models.Membership, error) {
	if role == "" {
		role = models.RoleMember
	}
	if !role.Valid() {
		return models.Membership{}, errs.New(errs.ErrInvalidArgument, "unknown role %q", role)
	}

	unlock := d.lock(groupID)
	defer unlock()

	if _, err := d.repo.GetGroup(ctx, groupID); err != nil {
		return models.Membership{}, err
	}

	selfJoin := d.opts.AllowSelfJoin && actor == target && role == models.RoleMember
	if !selfJoin {
		if _, err := d.requireAdmin(ctx, groupID, actor); err != nil {
			return models.Membership{}, err
		}
	}

	m, err := d.repo.AddMember(ctx, models.Membership{GroupID: groupID, UserID: target, Role: role})
	if err != nil {
		return models.Membership{}, err
	}

	d.publish(ctx, models.GroupEvent{Type: models.EventMembershipChanged, GroupID: groupID, ActorID: actor, Membership: &m, Action: models.MembershipAdded})
	return m, nil
}

// RemoveMember removes target from a group. Admins may remove anyone, any
// member may remove themselves. The owner and the last admin cannot be removed.
func (d *Directory) RemoveMember(ctx context.Context, actor, groupID, target int64) error {
	unlock := d.lock(groupID)
	defer unlock()

	group, err := d.repo.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if actor != target {
		if _, err := d.requireAdmin(ctx, groupID, actor); err != nil {
			return err
		}
	}

	m, err := d.repo.GetMembership(ctx, groupID, target)
	if err != nil {
		return err
	}
	if m.IsAdmin() {
		if err := d.keepsAdmin(ctx, group, target); err != nil {
			return err
		}
	}
	if err := d.repo.RemoveMember(ctx, groupID, target); err != nil {
		return err
	}

	d.publish(ctx, models.GroupEvent{Type: models.EventMembershipChanged, GroupID: groupID, ActorID: actor, Membership: &m, Action: models.MembershipRemoved})
	return nil
}

// SetMemberRole promotes or demotes a member. Admin only.
func (d *Directory) SetMemberRole(ctx context.Context, actor, groupID, target int64, role models.Role) (models.Membership, error) {
	if !role.Valid() {
		return models.Membership{}, errs.New(errs.ErrInvalidArgument, "unknown role %q", role)
	}

	unlock := d.lock(groupID)
	defer unlock()

	group, err := d.repo.GetGroup(ctx, groupID)
	if err != nil {
		return models.Membership{}, err
	}
	if _, err := d.requireAdmin(ctx, groupID, actor); err != nil {
		return models.Membership{}, err
	}

	current, err := d.repo.GetMembership(ctx, groupID, target)
	if err != nil {
		return models.Membership{}, err
	}
	if current.Role == role {
		return current, nil
	}
	if current.IsAdmin() {
		if err := d.keepsAdmin(ctx, group, target); err != nil {
			return models.Membership{}, err
		}
	}

	m, err := d.repo.SetMemberRole(ctx, groupID, target, role)
	if err != nil {
		return models.Membership{}, err
	}

	d.publish(ctx, models.GroupEvent{Type: models.EventMembershipChanged, GroupID: groupID, ActorID: actor, Membership: &m, Action: models.MembershipRoleChanged})
	return m, nil
}

// TransferOwnership hands the group to another member, who becomes admin.
func (d *Directory) TransferOwnership(ctx context.Context, actor, groupID, target int64) (models.Group, error) {
	unlock := d.lock(groupID)
	defer unlock()

	group, err := d.repo.GetGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	if group.OwnerID != actor {
		return models.Group{}, errs.New(errs.ErrPermissionDenied, "only the owner may transfer ownership")
	}
	if target == actor {
		return group, nil
	}
	before, err := d.repo.GetMembership(ctx, groupID, target)
	if err != nil {
		return models.Group{}, err
	}

	group, err = d.repo.TransferOwnership(ctx, groupID, target)
	if err != nil {
		return models.Group{}, err
	}

	if !before.IsAdmin() {
		before.Role = models.RoleAdmin
		d.publish(ctx, models.GroupEvent{Type: models.EventMembershipChanged, GroupID: groupID, ActorID: actor, Membership: &before, Action: models.MembershipRoleChanged})
	}
	d.publish(ctx, models.GroupEvent{Type: models.EventGroupUpdated, GroupID: groupID, ActorID: actor, Group: &group})
	return group, nil
}

// UpdateMetadata changes name, description or image url. Admin only.
func (d *Directory) UpdateMetadata(ctx context.Context, actor, groupID int64, fields models.GroupFields) (models.Group, error) {
	if fields.Empty() {
		return models.Group{}, errs.New(errs.ErrInvalidArgument, "no fields to update")
	}

	unlock := d.lock(groupID)
	defer unlock()

	group, err := d.repo.GetGroup(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	if _, err := d.requireAdmin(ctx, groupID, actor); err != nil {
		return models.Group{}, err
	}

	if fields.Name != nil {
		name, err := d.validName(*fields.Name)
		if err != nil {
			return models.Group{}, err
		}
		group.Name = name
	}
	if fields.Description != nil {
		if utf8.RuneCountInString(*fields.Description) > d.opts.MaxDescriptionLength {
			return models.Group{}, errs.New(errs.ErrInvalidArgument, "description exceeds %d characters", d.opts.MaxDescriptionLength)
		}
		group.Description = *fields.Description
	}
	if fields.ImageURL != nil {
		group.ImageURL = strings.TrimSpace(*fields.ImageURL)
	}

	updated, err := d.repo.UpdateGroup(ctx, group)
	if err != nil {
		return models.Group{}, err
	}

	d.publish(ctx, models.GroupEvent{Type: models.EventGroupUpdated, GroupID: groupID, ActorID: actor, Group: &updated})
	return updated, nil
}

// SetImage uploads a group image to object storage and stores its URL.
func (d *Directory) SetImage(ctx context.Context, actor, groupID int64, data []byte, contentType string) (models.Group, error) {
	if d.opts.Uploader == nil {
		return models.Group{}, errs.New(errs.ErrInvalidArgument, "image uploads are not configured")
	}
	if len(data) == 0 {
		return models.Group{}, errs.New(errs.ErrInvalidArgument, "empty image")
	}
	if _, err := d.repo.GetGroup(ctx, groupID); err != nil {
		return models.Group{}, err
	}
	if _, err := d.requireAdmin(ctx, groupID, actor); err != nil {
		return models.Group{}, err
	}

	url, err := d.opts.Uploader.Upload(ctx, data, contentType)
	if err != nil {
		return models.Group{}, errs.Transient("upload group image", err)
	}
	return d.UpdateMetadata(ctx, actor, groupID, models.GroupFields{ImageURL: &url})
}

// DeleteGroup removes a group and cascades memberships, messages and presence. Owner only.
func (d *Directory) DeleteGroup(ctx context.Context, actor, groupID int64) error {
	unlock := d.lock(groupID)
	defer unlock()

	group, err := d.repo.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.OwnerID != actor {
		return errs.New(errs.ErrPermissionDenied, "only the owner may delete the group")
	}

	if err := d.repo.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	d.locks.Delete(groupID)
	d.publish(ctx, models.GroupEvent{Type: models.EventGroupDeleted, GroupID: groupID, ActorID: actor, Group: &group})

	for _, p := range d.purgers {
		if err := p.PurgeGroup(ctx, groupID); err != nil {
			d.log.Error().Err(err).Int64("group_id", groupID).Msg("cascade purge failed")
		}
	}
	d.log.Info().Int64("group_id", groupID).Int64("actor_id", actor).Msg("group deleted")
	return nil
}

// ListMembers returns the memberships of a group in a stable order.
func (d *Directory) ListMembers(ctx context.Context, groupID int64) ([]models.Membership, error) {
	if _, err := d.repo.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return d.repo.ListMembers(ctx, groupID)
}

// Membership returns the (group, user) membership.
func (d *Directory) Membership(ctx context.Context, groupID, userID int64) (models.Membership, error) {
	return d.repo.GetMembership(ctx, groupID, userID)
}

// IsMember checks membership; an absent group is not an error.
func (d *Directory) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	_, err := d.repo.GetMembership(ctx, groupID, userID)
	if errors.Is(err, repositories.ErrMembershipNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errs.Transient("membership lookup", err)
	}
	return true, nil
}

func (d *Directory) requireAdmin(ctx context.Context, groupID, actor int64) (models.Membership, error) {
	m, err := d.repo.GetMembership(ctx, groupID, actor)
	if errors.Is(err, repositories.ErrMembershipNotFound) {
		return models.Membership{}, errs.New(errs.ErrPermissionDenied, "not a member of group %d", groupID)
	}
	if err != nil {
		return models.Membership{}, err
	}
	if !m.IsAdmin() {
		return models.Membership{}, errs.New(errs.ErrPermissionDenied, "admin role required")
	}
	return m, nil
}

// keepsAdmin fails when target may not stop being an admin of group.
func (d *Directory) keepsAdmin(ctx context.Context, group models.Group, target int64) error {
	admins, err := d.repo.CountAdmins(ctx, group.ID)
	if err != nil {
		return err
	}
	if admins <= 1 {
		return errs.New(errs.ErrInvariantViolation, "group %d would be left without an admin", group.ID)
	}
	if target == group.OwnerID {
		return errs.New(errs.ErrInvariantViolation, "the owner must transfer ownership or delete the group")
	}
	return nil
}

func (d *Directory) validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errs.New(errs.ErrInvalidArgument, "name is required")
	}
	if utf8.RuneCountInString(name) > d.opts.MaxNameLength {
		return "", errs.New(errs.ErrInvalidArgument, "name exceeds %d characters", d.opts.MaxNameLength)
	}
	return name, nil
}

func (d *Directory) publish(ctx context.Context, ev models.GroupEvent) {
	if d.events == nil {
		return
	}
	ev.OccurredAt = d.now()
	d.events.Publish(ctx, ev)
}
