package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeorders/internal/config"
)

func TestManifestKey(t *testing.T) {
	assert.Equal(t, "manifests/o1.txt", ManifestKey("o1"))
}

func TestNewObjectStore_ParsesSchemeFromEndpoint(t *testing.T) {
	store, err := NewObjectStore(config.StorageConfig{Endpoint: "https://s3.example.com", Region: "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "s3.example.com", store.client.EndpointURL().Host)
	assert.Equal(t, "https", store.client.EndpointURL().Scheme)
}

// a bare S3 stand-in: HEAD on a missing key answers 404
func TestPresignManifest_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store, err := NewObjectStore(config.StorageConfig{
		Endpoint:        srv.URL,
		AccessKey:       "key",
		SecretKey:       "secret",
		BucketManifests: "manifests",
		Region:          "us-east-1",
	})
	require.NoError(t, err)

	_, err = store.PresignManifest(context.Background(), "o1")
	assert.True(t, errors.Is(err, ErrObjectNotFound), "got %v", err)
}
