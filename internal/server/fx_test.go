package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/config"
	memorypublisher "github.com/JakeFAU/starred-export/internal/publisher/memory"
	localstorage "github.com/JakeFAU/starred-export/internal/storage/local"
	memorystorage "github.com/JakeFAU/starred-export/internal/storage/memory"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.DataDir = t.TempDir()
	cfg.Logging.Development = false
	return &cfg
}

func TestBuildServesAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendMemory

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Close(ctx)
	})
	assert.Nil(t, app.runStore)
	assert.NotNil(t, app.progressHub)
	assert.DirExists(t, filepath.Join(cfg.Storage.DataDir, "images"))
	assert.DirExists(t, filepath.Join(cfg.Storage.DataDir, "jobs"))

	h := app.apiServer.Handler()
	for path, want := range map[string]int{
		"/healthz":  http.StatusOK,
		"/readyz":   http.StatusOK,
		"/v1/queue": http.StatusOK,
		"/v1/runs":  http.StatusServiceUnavailable,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"username":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetupStorageBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backend string
		check   func(t *testing.T, got any)
	}{
		{config.BackendNone, func(t *testing.T, got any) { assert.Nil(t, got) }},
		{config.BackendMemory, func(t *testing.T, got any) { assert.IsType(t, &memorystorage.BlobStore{}, got) }},
		{config.BackendLocal, func(t *testing.T, got any) { assert.IsType(t, &localstorage.BlobStore{}, got) }},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Storage: config.StorageConfig{
				Backend: tt.backend,
				Local:   config.LocalStorageConfig{BaseDir: t.TempDir()},
			}}
			store, err := setupStorage(context.Background(), &App{cfg: cfg, logger: zap.NewNop()})
			require.NoError(t, err)
			tt.check(t, store)
		})
	}
}

func TestSetupPublisherDefaultsToMemory(t *testing.T) {
	t.Parallel()

	app := &App{cfg: &config.Config{}, logger: zap.NewNop()}
	pub, err := setupPublisher(context.Background(), app)
	require.NoError(t, err)
	assert.IsType(t, &memorypublisher.Publisher{}, pub)
	assert.Nil(t, app.publisher)
}

func TestSetupDatabaseSkipsWithoutDSN(t *testing.T) {
	t.Parallel()

	app := &App{cfg: &config.Config{}, logger: zap.NewNop()}
	require.NoError(t, setupDatabase(context.Background(), app))
	assert.Nil(t, app.runStore)
}
