package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/mocks"
	"crew-chat-service/internal/models"
	"crew-chat-service/internal/telemetry"
)

func setupGroupRouter(handler *GroupHandler, userID int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", userID)
		c.Next()
	})
	handler.Register(r)
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCreateGroupSuccess(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	publisher := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(publisher, "audit.test", "crew-chat-service", "test", zerolog.Nop())
	router := setupGroupRouter(NewGroupHandler(dir, audit), 1)

	dir.On("CreateGroup", mock.Anything, int64(1), "crew", "night shift").
		Return(models.Group{ID: 10, Name: "crew", OwnerID: 1}, nil)
	publisher.On("Publish", mock.Anything, "audit.test", mock.Anything).Return(nil)

	body := bytes.NewBufferString(`{"name":"crew","description":"night shift"}`)
	req := httptest.NewRequest(http.MethodPost, "/groups", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, float64(10), decodeBody(t, w)["id"])
	dir.AssertExpectations(t)
	publisher.AssertCalled(t, "Publish", mock.Anything, "audit.test", mock.Anything)
}

func TestCreateGroupRejectsMissingName(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupGroupRouter(NewGroupHandler(dir, nil), 1)

	req := httptest.NewRequest(http.MethodPost, "/groups", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_argument", decodeBody(t, w)["kind"])
	dir.AssertNotCalled(t, "CreateGroup", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetGroupRequiresMembership(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupGroupRouter(NewGroupHandler(dir, nil), 3)

	dir.On("IsMember", mock.Anything, int64(10), int64(3)).Return(false, nil)

	req := httptest.NewRequest(http.MethodGet, "/groups/10", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "permission_denied", decodeBody(t, w)["kind"])
	dir.AssertNotCalled(t, "GetGroup", mock.Anything, mock.Anything)
}

func TestInvalidGroupID(t *testing.T) {
	router := setupGroupRouter(NewGroupHandler(new(mocks.DirectoryMock), nil), 1)

	req := httptest.NewRequest(http.MethodGet, "/groups/abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateGroupPassesOnlyProvidedFields(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupGroupRouter(NewGroupHandler(dir, nil), 1)

	dir.On("UpdateMetadata", mock.Anything, int64(1), int64(10), mock.MatchedBy(func(f models.GroupFields) bool {
		return f.Name != nil && *f.Name == "renamed" && f.Description == nil && f.ImageURL == nil
	})).Return(models.Group{ID: 10, Name: "renamed"}, nil)

	req := httptest.NewRequest(http.MethodPatch, "/groups/10", bytes.NewBufferString(`{"name":"renamed"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	dir.AssertExpectations(t)
}

func TestAddMemberDefaultsRole(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupGroupRouter(NewGroupHandler(dir, nil), 1)

	dir.On("AddMember", mock.Anything, int64(1), int64(10), int64(2), models.RoleMember).
		Return(models.Membership{GroupID: 10, UserID: 2, Role: models.RoleMember}, nil)

	req := httptest.NewRequest(http.MethodPost, "/groups/10/members", bytes.NewBufferString(`{"user_id":2}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "member", decodeBody(t, w)["role"])
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"permission", errs.New(errs.ErrPermissionDenied, "not an admin"), http.StatusForbidden, "permission_denied"},
		{"invariant", errs.New(errs.ErrInvariantViolation, "last admin"), http.StatusConflict, "invariant_violation"},
		{"not found", errs.New(errs.ErrNotFound, "no such member"), http.StatusNotFound, "not_found"},
		{"transient", errs.Transient("remove member", bytes.ErrTooLarge), http.StatusServiceUnavailable, "transient_transport"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := new(mocks.DirectoryMock)
			router := setupGroupRouter(NewGroupHandler(dir, nil), 1)
			dir.On("RemoveMember", mock.Anything, int64(1), int64(10), int64(2)).Return(tc.err)

			req := httptest.NewRequest(http.MethodDelete, "/groups/10/members/2", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			require.Equal(t, tc.status, w.Code)
			require.Equal(t, tc.kind, decodeBody(t, w)["kind"])
		})
	}
}

func TestRemoveMemberNoContent(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupGroupRouter(NewGroupHandler(dir, nil), 1)
	dir.On("RemoveMember", mock.Anything, int64(1), int64(10), int64(2)).Return(nil)

	req := httptest.NewRequest(http.MethodDelete, "/groups/10/members/2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupGroupRouter(NewGroupHandler(dir, nil), 1)
	dir.On("ListGroupsForUser", mock.Anything, int64(1)).Return(nil, bytes.ErrTooLarge)

	req := httptest.NewRequest(http.MethodGet, "/groups", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "internal error", body["error"])
	require.Equal(t, "internal", body["kind"])
}

func TestSetImageRejectsNonImage(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupGroupRouter(NewGroupHandler(dir, nil), 1)

	req := httptest.NewRequest(http.MethodPut, "/groups/10/image", bytes.NewBufferString("hello"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	dir.AssertNotCalled(t, "SetImage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSetImageForwardsBody(t *testing.T) {
	dir := new(mocks.DirectoryMock)
	router := setupGroupRouter(NewGroupHandler(dir, nil), 1)
	png := []byte{0x89, 'P', 'N', 'G'}
	dir.On("SetImage", mock.Anything, int64(1), int64(10), png, "image/png").
		Return(models.Group{ID: 10, ImageURL: "http://cdn/groups/x.png"}, nil)

	req := httptest.NewRequest(http.MethodPut, "/groups/10/image", bytes.NewReader(png))
	req.Header.Set("Content-Type", "image/png")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "http://cdn/groups/x.png", decodeBody(t, w)["image_url"])
}
