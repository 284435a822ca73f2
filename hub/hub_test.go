package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hannes/policylens/models"
)

type fakeHub struct {
	mu       sync.Mutex
	requests []string
	auth     []string
}

func (f *fakeHub) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.URL.Path)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	if strings.Contains(r.URL.Path, "missing") {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte("content of " + r.URL.Path))
}

func TestClient_FileURL(t *testing.T) {
	c := New(Options{Directory: t.TempDir()}, zap.NewNop())

	assert.Equal(t,
		"https://huggingface.co/mianyangacd/privacy-policy-spanbert/resolve/main/PIT_fine_tuned_bert/tokenizer.json",
		c.FileURL("PIT_fine_tuned_bert", "tokenizer.json"))
}

func TestClient_Pull(t *testing.T) {
	hub := &fakeHub{}
	srv := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer srv.Close()

	dir := t.TempDir()
	spec := models.ModelSpec{Role: models.RolePIT, Subfolder: "PIT_fine_tuned_bert", MaxLength: 256, LabelMapping: true}

	// an existing file is kept
	require.NoError(t, os.MkdirAll(filepath.Join(dir, spec.Subfolder), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, spec.Subfolder, models.TokenizerFileName), []byte("local"), 0600))

	c := New(Options{Endpoint: srv.URL, Repo: "org/repo", Token: "secret", Directory: dir}, zap.NewNop())
	require.NoError(t, c.Pull(context.Background(), []models.ModelSpec{spec}))

	assert.ElementsMatch(t, []string{
		"/org/repo/resolve/main/PIT_fine_tuned_bert/onnx/model.onnx",
		"/org/repo/resolve/main/PIT_fine_tuned_bert/label_mapping.json",
	}, hub.requests)
	for _, a := range hub.auth {
		assert.Equal(t, "Bearer secret", a)
	}

	model, err := os.ReadFile(filepath.Join(dir, spec.Subfolder, models.ModelFileName))
	require.NoError(t, err)
	assert.Equal(t, "content of /org/repo/resolve/main/PIT_fine_tuned_bert/onnx/model.onnx", string(model))

	tok, err := os.ReadFile(filepath.Join(dir, spec.Subfolder, models.TokenizerFileName))
	require.NoError(t, err)
	assert.Equal(t, "local", string(tok))

	assert.Empty(t, Missing(dir, []models.ModelSpec{spec}))
}

func TestClient_PullNotFound(t *testing.T) {
	hub := &fakeHub{}
	srv := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer srv.Close()

	dir := t.TempDir()
	spec := models.ModelSpec{Role: models.RoleDDN, Subfolder: "missing_model", MaxLength: 128}

	c := New(Options{Endpoint: srv.URL, Repo: "org/repo", Directory: dir}, zap.NewNop())
	err := c.Pull(context.Background(), []models.ModelSpec{spec})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	_, statErr := os.Stat(filepath.Join(dir, spec.Subfolder, models.ModelFileName+".part"))
	assert.True(t, os.IsNotExist(statErr), "partial download must be removed")
	assert.Len(t, Missing(dir, []models.ModelSpec{spec}), 2)
}
