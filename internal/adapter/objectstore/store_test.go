package objectstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/couchcryptid/risk-attribution-service/internal/cache"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Bucket: "results"})
	require.Error(t, err)

	_, err = New(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)

	s, err := New(Config{Endpoint: "localhost:9000", Bucket: "results", AccessKey: "a", SecretKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", s.region)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "results/abc123.json", objectKey(cache.Key("abc123")))
}

func TestTranslate(t *testing.T) {
	notFound := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	require.ErrorIs(t, translate(notFound), cache.ErrPayloadNotFound)

	other := errors.New("connection refused")
	assert.Equal(t, other, translate(other))
}

// TestStore_RoundTrip runs against a real S3 endpoint when S3_TEST_ENDPOINT
// is set, e.g. a local MinIO container.
func TestStore_RoundTrip(t *testing.T) {
	endpoint := os.Getenv("S3_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_TEST_ENDPOINT not set")
	}
	ctx := context.Background()
	s, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("S3_TEST_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_TEST_SECRET_KEY"),
		Bucket:    "risk-attribution-test",
	})
	require.NoError(t, err)
	require.NoError(t, s.CheckReadiness(ctx))

	key, _, err := cache.KeyFor("objectstore-test", uuid.NewString())
	require.NoError(t, err)

	ref, err := s.Put(ctx, key, []byte(`{"ok":true}`))
	require.NoError(t, err)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	require.ErrorIs(t, err, cache.ErrPayloadNotFound)
}
