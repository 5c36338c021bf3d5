package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectURL(t *testing.T) {
	require.Equal(t, "http://cdn.local/images/groups/a.png", ObjectURL("http://cdn.local/", "images", "groups/a.png"))
}

func TestNewDerivesPublicURL(t *testing.T) {
	u, err := New(Config{Endpoint: "http://localhost:9000", AccessKey: "k", SecretKey: "s", Bucket: "images"})
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9000", u.cfg.PublicURL)
}
