package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/models"
)

var (
	ErrGroupNotFound      = fmt.Errorf("group %w", errs.ErrNotFound)
	ErrMembershipNotFound = fmt.Errorf("membership %w", errs.ErrNotFound)
	ErrMembershipExists   = fmt.Errorf("%w: membership already exists", errs.ErrConflict)
)

// GroupRepository abstracts group and membership persistence.
type GroupRepository interface {
	CreateGroup(ctx context.Context, group models.Group) (models.Group, error)
	GetGroup(ctx context.Context, groupID int64) (models.Group, error)
	UpdateGroup(ctx context.Context, group models.Group) (models.Group, error)
	DeleteGroup(ctx context.Context, groupID int64) error
	TransferOwnership(ctx context.Context, groupID, newOwnerID int64) (models.Group, error)
	ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error)

	GetMembership(ctx context.Context, groupID, userID int64) (models.Membership, error)
	AddMember(ctx context.Context, membership models.Membership) (models.Membership, error)
	RemoveMember(ctx context.Context, groupID, userID int64) error
	SetMemberRole(ctx context.Context, groupID, userID int64, role models.Role) (models.Membership, error)
	ListMembers(ctx context.Context, groupID int64) ([]models.Membership, error)
	CountAdmins(ctx context.Context, groupID int64) (int, error)
}

// GroupRepo is a sqlx implementation of GroupRepository.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

const groupColumns = `id, name, description, image_url, owner_id, created_at, updated_at`

// CreateGroup creates a group and the owner's admin membership atomically.
func (r *GroupRepo) CreateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Group{}, errs.Transient("begin create group", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var created models.Group
	if err = tx.GetContext(ctx, &created,
		`INSERT INTO groups (name, description, image_url, owner_id) VALUES ($1, $2, $3, $4) RETURNING `+groupColumns,
		group.Name, group.Description, group.ImageURL, group.OwnerID); err != nil {
		return models.Group{}, err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)`,
		created.ID, created.OwnerID, models.RoleAdmin, created.CreatedAt); err != nil {
		return models.Group{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Group{}, errs.Transient("commit create group", err)
	}
	return created, nil
}

// GetGroup fetches a single group.
func (r *GroupRepo) GetGroup(ctx context.Context, groupID int64) (models.Group, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT `+groupColumns+` FROM groups WHERE id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return group, err
}

// UpdateGroup stores name, description and image url.
func (r *GroupRepo) UpdateGroup(ctx context.Context, group models.Group) (models.Group, error) {
	var updated models.Group
	err := r.db.GetContext(ctx, &updated,
		`UPDATE groups SET name=$2, description=$3, image_url=$4, updated_at=NOW() WHERE id=$1 RETURNING `+groupColumns,
		group.ID, group.Name, group.Description, group.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return updated, err
}

// DeleteGroup removes a group; memberships and messages cascade.
func (r *GroupRepo) DeleteGroup(ctx context.Context, groupID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id=$1`, groupID)
	if err != nil {
		return err
	}
	return expectRow(res, ErrGroupNotFound)
}

// TransferOwnership points owner_id at newOwnerID and makes sure they are an admin.
func (r *GroupRepo) TransferOwnership(ctx context.Context, groupID, newOwnerID int64) (models.Group, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Group{}, errs.Transient("begin transfer ownership", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var res sql.Result
	res, err = tx.ExecContext(ctx, `UPDATE group_members SET role=$3 WHERE group_id=$1 AND user_id=$2`, groupID, newOwnerID, models.RoleAdmin)
	if err != nil {
		return models.Group{}, err
	}
	if err = expectRow(res, ErrMembershipNotFound); err != nil {
		return models.Group{}, err
	}

	var group models.Group
	err = tx.GetContext(ctx, &group, `UPDATE groups SET owner_id=$2, updated_at=NOW() WHERE id=$1 RETURNING `+groupColumns, groupID, newOwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrGroupNotFound
	}
	if err != nil {
		return models.Group{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Group{}, errs.Transient("commit transfer ownership", err)
	}
	return group, nil
}

// ListGroupsForUser returns groups that include the user.
func (r *GroupRepo) ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error) {
	groups := []models.Group{}
	err := r.db.SelectContext(ctx, &groups, `SELECT g.id, g.name, g.description, g.image_url, g.owner_id, g.created_at, g.updated_at FROM groups g INNER JOIN group_members gm ON gm.group_id = g.id WHERE gm.user_id=$1 ORDER BY g.created_at DESC`, userID)
	return groups, err
}

// GetMembership fetches the (group, user) membership.
func (r *GroupRepo) GetMembership(ctx context.Context, groupID, userID int64) (models.Membership, error) {
	var m models.Membership
	err := r.db.GetContext(ctx, &m, `SELECT group_id, user_id, role, joined_at FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Membership{}, ErrMembershipNotFound
	}
	return m, err
}

// AddMember inserts a membership; a duplicate pair yields ErrMembershipExists.
func (r *GroupRepo) AddMember(ctx context.Context, membership models.Membership) (models.Membership, error) {
	var m models.Membership
	err := r.db.GetContext(ctx, &m,
		`INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, $3) RETURNING group_id, user_id, role, joined_at`,
		membership.GroupID, membership.UserID, membership.Role)
	if isUniqueViolation(err) {
		return models.Membership{}, ErrMembershipExists
	}
	if isForeignKeyViolation(err) {
		return models.Membership{}, ErrGroupNotFound
	}
	return m, err
}

// RemoveMember deletes a membership.
func (r *GroupRepo) RemoveMember(ctx context.Context, groupID, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id=$1 AND user_id=$2`, groupID, userID)
	if err != nil {
		return err
	}
	return expectRow(res, ErrMembershipNotFound)
}

// SetMemberRole changes a member's role.
func (r *GroupRepo) SetMemberRole(ctx context.Context, groupID, userID int64, role models.Role) (models.Membership, error) {
	var m models.Membership
	err := r.db.GetContext(ctx, &m,
		`UPDATE group_members SET role=$3 WHERE group_id=$1 AND user_id=$2 RETURNING group_id, user_id, role, joined_at`,
		groupID, userID, role)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Membership{}, ErrMembershipNotFound
	}
	return m, err
}

// ListMembers returns memberships ordered by join time.
func (r *GroupRepo) ListMembers(ctx context.Context, groupID int64) ([]models.Membership, error) {
	members := []models.Membership{}
	err := r.db.SelectContext(ctx, &members, `SELECT group_id, user_id, role, joined_at FROM group_members WHERE group_id=$1 ORDER BY joined_at ASC, user_id ASC`, groupID)
	return members, err
}

// CountAdmins counts the admins of a group.
func (r *GroupRepo) CountAdmins(ctx context.Context, groupID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM group_members WHERE group_id=$1 AND role=$2`, groupID, models.RoleAdmin)
	return count, err
}

func expectRow(res sql.Result, notFound error) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
