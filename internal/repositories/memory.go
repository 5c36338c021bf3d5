package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"crew-chat-service/internal/models"
)

// MemoryGroupRepo keeps groups and memberships in process memory. It backs
// development runs without DB_DSN and the component tests.
type MemoryGroupRepo struct {
	mu      sync.RWMutex
	nextID  int64
	groups  map[int64]models.Group
	members map[int64]map[int64]models.Membership
	now     func() time.Time
}

// NewMemoryGroupRepo constructs an empty MemoryGroupRepo.
func NewMemoryGroupRepo() *MemoryGroupRepo {
	return &MemoryGroupRepo{
		groups:  make(map[int64]models.Group),
		members: make(map[int64]map[int64]models.Membership),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryGroupRepo) CreateGroup(_ context.Context, group models.Group) (models.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := r.now()
	group.ID = r.nextID
	group.CreatedAt = now
	group.UpdatedAt = now
	r.groups[group.ID] = group
	r.members[group.ID] = map[int64]models.Membership{
		group.OwnerID: {GroupID: group.ID, UserID: group.OwnerID, Role: models.RoleAdmin, JoinedAt: now},
	}
	return group, nil
}

func (r *MemoryGroupRepo) GetGroup(_ context.Context, groupID int64) (models.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group, ok := r.groups[groupID]
	if !ok {
		return models.Group{}, ErrGroupNotFound
	}
	return group, nil
}

func (r *MemoryGroupRepo) UpdateGroup(_ context.Context, group models.Group) (models.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.groups[group.ID]
	if !ok {
		return models.Group{}, ErrGroupNotFound
	}
	existing.Name = group.Name
	existing.Description = group.Description
	existing.ImageURL = group.ImageURL
	existing.UpdatedAt = r.now()
	r.groups[group.ID] = existing
	return existing, nil
}

func (r *MemoryGroupRepo) DeleteGroup(_ context.Context, groupID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[groupID]; !ok {
		return ErrGroupNotFound
	}
	delete(r.groups, groupID)
	delete(r.members, groupID)
	return nil
}

func (r *MemoryGroupRepo) TransferOwnership(_ context.Context, groupID, newOwnerID int64) (models.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.groups[groupID]
	if !ok {
		return models.Group{}, ErrGroupNotFound
	}
	m, ok := r.members[groupID][newOwnerID]
	if !ok {
		return models.Group{}, ErrMembershipNotFound
	}
	m.Role = models.RoleAdmin
	r.members[groupID][newOwnerID] = m
	group.OwnerID = newOwnerID
	group.UpdatedAt = r.now()
	r.groups[groupID] = group
	return group, nil
}

func (r *MemoryGroupRepo) ListGroupsForUser(_ context.Context, userID int64) ([]models.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups := []models.Group{}
	for id, members := range r.members {
		if _, ok := members[userID]; ok {
			groups = append(groups, r.groups[id])
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID > groups[j].ID })
	return groups, nil
}

func (r *MemoryGroupRepo) GetMembership(_ context.Context, groupID, userID int64) (models.Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[groupID][userID]
	if !ok {
		return models.Membership{}, ErrMembershipNotFound
	}
	return m, nil
}

func (r *MemoryGroupRepo) AddMember(_ context.Context, membership models.Membership) (models.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.members[membership.GroupID]
	if !ok {
		return models.Membership{}, ErrGroupNotFound
	}
	if _, exists := members[membership.UserID]; exists {
		return models.Membership{}, ErrMembershipExists
	}
	membership.JoinedAt = r.now()
	members[membership.UserID] = membership
	return membership, nil
}

func (r *MemoryGroupRepo) RemoveMember(_ context.Context, groupID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[groupID][userID]; !ok {
		return ErrMembershipNotFound
	}
	delete(r.members[groupID], userID)
	return nil
}

func (r *MemoryGroupRepo) SetMemberRole(_ context.Context, groupID, userID int64, role models.Role) (models.Membership, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[groupID][userID]
	if !ok {
		return models.Membership{}, ErrMembershipNotFound
	}
	m.Role = role
	r.members[groupID][userID] = m
	return m, nil
}

func (r *MemoryGroupRepo) ListMembers(_ context.Context, groupID int64) ([]models.Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]models.Membership, 0, len(r.members[groupID]))
	for _, m := range r.members[groupID] {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (r *MemoryGroupRepo) CountAdmins(_ context.Context, groupID int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, m := range r.members[groupID] {
		if m.IsAdmin() {
			count++
		}
	}
	return count, nil
}

// MemoryGroupMessageRepo keeps each group's log as a slice ordered by sequence.
type MemoryGroupMessageRepo struct {
	mu   sync.RWMutex
	logs map[int64][]models.Message
}

// NewMemoryGroupMessageRepo constructs an empty MemoryGroupMessageRepo.
func NewMemoryGroupMessageRepo() *MemoryGroupMessageRepo {
	return &MemoryGroupMessageRepo{logs: make(map[int64][]models.Message)}
}

func (r *MemoryGroupMessageRepo) AppendGroupMessage(_ context.Context, msg models.Message) (models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.logs[msg.GroupID]
	if n := len(log); n > 0 && log[n-1].Sequence >= msg.Sequence {
		return models.Message{}, ErrDuplicateSequence
	}
	msg.Sender = models.Sender{}
	r.logs[msg.GroupID] = append(log, msg)
	return msg, nil
}

func (r *MemoryGroupMessageRepo) ListGroupMessagesSince(_ context.Context, groupID, since int64, limit int) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log := r.logs[groupID]
	start := sort.Search(len(log), func(i int) bool { return log[i].Sequence > since })
	end := len(log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]models.Message, end-start)
	copy(out, log[start:end])
	return out, nil
}

func (r *MemoryGroupMessageRepo) GroupSequenceBounds(_ context.Context, groupID int64) (int64, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log := r.logs[groupID]
	if len(log) == 0 {
		return 0, 0, nil
	}
	return log[0].Sequence, log[len(log)-1].Sequence, nil
}

func (r *MemoryGroupMessageRepo) TruncateGroupMessages(_ context.Context, groupID, beforeSeq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.logs[groupID]
	cut := sort.Search(len(log), func(i int) bool { return log[i].Sequence >= beforeSeq })
	r.logs[groupID] = append([]models.Message(nil), log[cut:]...)
	return nil
}

func (r *MemoryGroupMessageRepo) DeleteGroupMessages(_ context.Context, groupID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.logs, groupID)
	return nil
}

var _ GroupRepository = (*GroupRepo)(nil)
var _ GroupRepository = (*MemoryGroupRepo)(nil)
var _ GroupMessageRepository = (*GroupMessageRepo)(nil)
var _ GroupMessageRepository = (*MemoryGroupMessageRepo)(nil)
