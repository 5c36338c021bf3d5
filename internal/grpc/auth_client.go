package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"crew-chat-service/internal/errs"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// AuthClient validates tokens against auth-service.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// Authenticate verifies the token and returns the authenticated user id.
func (a *AuthClient) Authenticate(ctx context.Context, token string) (int64, error) {
	req, err := structpb.NewStruct(map[string]any{"token": token})
	if err != nil {
		return 0, err
	}
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, validateTokenMethod, req, resp); err != nil {
		err = classify("auth.ValidateToken", err)
		if errs.IsTransient(err) {
			return 0, err
		}
		return 0, errors.Join(errs.ErrUnauthenticated, err)
	}

	fields := resp.GetFields()
	userID := int64(fields["user_id"].GetNumberValue())
	if !fields["valid"].GetBoolValue() || userID == 0 {
		return 0, errs.New(errs.ErrUnauthenticated, "invalid token")
	}
	return userID, nil
}
