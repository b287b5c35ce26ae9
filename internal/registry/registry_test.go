package registry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/domain"
	"github.com/ratchetd/ratchet/internal/registry"
	sqlstorage "github.com/ratchetd/ratchet/internal/storage/sql"
	"github.com/ratchetd/ratchet/internal/storage/sql/repository"
	"github.com/ratchetd/ratchet/internal/taskfs"
)

func newStore(t *testing.T) *repository.Store {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "registry-test.db")
	store, err := sqlstorage.Open(context.Background(), sqlstorage.Config{URL: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func writeTaskDir(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, taskfs.Write(dir, &taskfs.Definition{
		Metadata: taskfs.Metadata{Name: name, Version: "1.0.0", Tags: []string{"synced"}},
		Code:     "function execute(input) { return input; }",
	}))
	return dir
}

func TestDirectorySync(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	root := t.TempDir()

	writeTaskDir(t, root, "alpha")
	writeTaskDir(t, root, "beta")

	src := config.RegistrySource{Name: "local", Type: config.SourceDirectory, URI: root}
	reg := registry.New(store, []config.RegistrySource{src}, nil)

	require.NoError(t, reg.SyncAll(ctx))

	alpha, err := store.FindTaskByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "local", alpha.Source)
	assert.True(t, alpha.InSync)
	assert.Equal(t, []string{"synced"}, alpha.Tags)

	// Re-sync updates, does not duplicate.
	require.NoError(t, reg.SyncAll(ctx))
	n, err := store.CountTasks(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// A removed task goes out of sync; the row survives for history.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "beta")))
	require.NoError(t, reg.SyncAll(ctx))
	beta, err := store.FindTaskByName(ctx, "beta")
	require.NoError(t, err)
	assert.False(t, beta.InSync)
}

func TestGitSourceRejected(t *testing.T) {
	store := newStore(t)
	src := config.RegistrySource{Name: "repo", Type: config.SourceGit, URI: "git://example.com/tasks"}
	reg := registry.New(store, []config.RegistrySource{src}, nil)

	err := reg.SyncSource(context.Background(), src)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestHTTPSync(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/tasks/gamma.json", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"metadata": taskfs.Metadata{Name: "gamma", Version: "2.0.0"},
			"code":     "function execute(input) { return { echoed: input }; }",
		})
	})
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tasks": []map[string]string{
				{"name": "gamma", "version": "2.0.0", "url": srv.URL + "/tasks/gamma.json"},
			},
		})
	})

	src := config.RegistrySource{Name: "remote", Type: config.SourceHTTP, URI: srv.URL + "/index.json"}
	reg := registry.New(store, []config.RegistrySource{src}, nil)
	require.NoError(t, reg.SyncSource(ctx, src))

	gamma, err := store.FindTaskByName(ctx, "gamma")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", gamma.Version)
	assert.Equal(t, "remote", gamma.Source)
	assert.NotEmpty(t, gamma.Path)
}
