package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"crew-chat-service/internal/models"
)

const bulkUsersMethod = "/user.UserInternal/BulkUsers"

// UserClient resolves display profiles from user-service.
type UserClient struct {
	conn grpc.ClientConnInterface
}

// NewUserClient constructs the wrapper.
func NewUserClient(conn grpc.ClientConnInterface) *UserClient {
	return &UserClient{conn: conn}
}

// Resolve fetches multiple users in one call. Ids the service does not
// know are absent from the result.
func (u *UserClient) Resolve(ctx context.Context, ids []int64) (map[int64]models.Profile, error) {
	if len(ids) == 0 {
		return map[int64]models.Profile{}, nil
	}
	values := make([]any, 0, len(ids))
	for _, id := range ids {
		values = append(values, float64(id))
	}
	req, err := structpb.NewStruct(map[string]any{"ids": values})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := u.conn.Invoke(ctx, bulkUsersMethod, req, resp); err != nil {
		return nil, classify("user.BulkUsers", err)
	}

	out := make(map[int64]models.Profile, len(ids))
	for _, v := range resp.GetFields()["users"].GetListValue().GetValues() {
		user := v.GetStructValue().GetFields()
		id := int64(user["id"].GetNumberValue())
		if id == 0 {
			continue
		}
		out[id] = models.Profile{
			Name:      user["username"].GetStringValue(),
			AvatarURL: user["avatar_url"].GetStringValue(),
		}
	}
	return out, nil
}
