package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"crew-chat-service/internal/models"
)

type DirectoryMock struct {
	mock.Mock
}

func (m *DirectoryMock) CreateGroup(ctx context.Context, owner int64, name, description string) (models.Group, error) {
	args := m.Called(ctx, owner, name, description)
	return groupArg(args, 0), args.Error(1)
}

func (m *DirectoryMock) GetGroup(ctx context.Context, groupID int64) (models.Group, error) {
	args := m.Called(ctx, groupID)
	return groupArg(args, 0), args.Error(1)
}

func (m *DirectoryMock) ListGroupsForUser(ctx context.Context, userID int64) ([]models.Group, error) {
	args := m.Called(ctx, userID)
	var list []models.Group
	if val := args.Get(0); val != nil {
		list = val.([]models.Group)
	}
	return list, args.Error(1)
}

func (m *DirectoryMock) UpdateMetadata(ctx context.Context, actor, groupID int64, fields models.GroupFields) (models.Group, error) {
	args := m.Called(ctx, actor, groupID, fields)
	return groupArg(args, 0), args.Error(1)
}

func (m *DirectoryMock) SetImage(ctx context.Context, actor, groupID int64, data []byte, contentType string) (models.Group, error) {
	args := m.Called(ctx, actor, groupID, data, contentType)
	return groupArg(args, 0), args.Error(1)
}

func (m *DirectoryMock) DeleteGroup(ctx context.Context, actor, groupID int64) error {
	args := m.Called(ctx, actor, groupID)
	return args.Error(0)
}

func (m *DirectoryMock) TransferOwnership(ctx context.Context, actor, groupID, target int64) (models.Group, error) {
	args := m.Called(ctx, actor, groupID, target)
	return groupArg(args, 0), args.Error(1)
}

func (m *DirectoryMock) ListMembers(ctx context.Context, groupID int64) ([]models.Membership, error) {
	args := m.Called(ctx, groupID)
	var list []models.Membership
	if val := args.Get(0); val != nil {
		list = val.([]models.Membership)
	}
	return list, args.Error(1)
}

func (m *DirectoryMock) AddMember(ctx context.Context, actor, groupID, target int64, role models.Role) (models.Membership, error) {
	args := m.Called(ctx, actor, groupID, target, role)
	return membershipArg(args, 0), args.Error(1)
}

func (m *DirectoryMock) SetMemberRole(ctx context.Context, actor, groupID, target int64, role models.Role) (models.Membership, error) {
	args := m.Called(ctx, actor, groupID, target, role)
	return membershipArg(args, 0), args.Error(1)
}

func (m *DirectoryMock) RemoveMember(ctx context.Context, actor, groupID, target int64) error {
	args := m.Called(ctx, actor, groupID, target)
	return args.Error(0)
}

func (m *DirectoryMock) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	args := m.Called(ctx, groupID, userID)
	return args.Bool(0), args.Error(1)
}

type ProfileResolverMock struct {
	mock.Mock
}

func (m *ProfileResolverMock) Resolve(ctx context.Context, ids []int64) (map[int64]models.Profile, error) {
	args := m.Called(ctx, ids)
	var profiles map[int64]models.Profile
	if val := args.Get(0); val != nil {
		profiles = val.(map[int64]models.Profile)
	}
	return profiles, args.Error(1)
}

type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, data, contentType)
	return args.String(0), args.Error(1)
}

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) Authenticate(ctx context.Context, token string) (int64, error) {
	args := m.Called(ctx, token)
	var userID int64
	if val := args.Get(0); val != nil {
		userID = val.(int64)
	}
	return userID, args.Error(1)
}

func groupArg(args mock.Arguments, i int) models.Group {
	if val := args.Get(i); val != nil {
		return val.(models.Group)
	}
	return models.Group{}
}

func membershipArg(args mock.Arguments, i int) models.Membership {
	if val := args.Get(i); val != nil {
		return val.(models.Membership)
	}
	return models.Membership{}
}
