package models

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeModelTree(t *testing.T, root string, specs []ModelSpec, skip string) {
	t.Helper()
	for _, spec := range specs {
		dir := filepath.Join(root, spec.Subfolder)
		require.NoError(t, os.MkdirAll(dir, 0750))
		for _, name := range spec.RequiredFiles() {
			rel := filepath.Join(spec.Subfolder, name)
			if rel == skip {
				continue
			}
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0600))
		}
	}
}

func TestValidateDirectory(t *testing.T) {
	root := t.TempDir()
	writeModelTree(t, root, DefaultSpecs, "")

	abs, err := ValidateDirectory(root, DefaultSpecs)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))
}

func TestValidateDirectory_MissingFile(t *testing.T) {
	root := t.TempDir()
	missing := filepath.Join("PIT_fine_tuned_bert", LabelMappingFileName)
	writeModelTree(t, root, DefaultSpecs, missing)

	_, err := ValidateDirectory(root, DefaultSpecs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), missing)
}

func TestValidateDirectory_NotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	_, err := ValidateDirectory(file, DefaultSpecs)
	assert.ErrorContains(t, err, "not a directory")

	_, err = ValidateDirectory(filepath.Join(t.TempDir(), "nope"), DefaultSpecs)
	assert.ErrorContains(t, err, "does not exist")
}

func TestManager_UnhealthyWhenDirectoryInvalid(t *testing.T) {
	m := NewManager(ManagerConfig{
		Backend:   BackendONNX,
		Directory: filepath.Join(t.TempDir(), "missing"),
	}, zap.NewNop())

	assert.False(t, m.IsHealthy())
	assert.Error(t, m.LastError())

	_, err := m.Classify(context.Background(), "text")
	assert.True(t, errors.Is(err, ErrUnhealthy))

	info := m.Info()
	assert.False(t, info.Healthy)
	require.NotNil(t, info.Error)
	assert.Contains(t, *info.Error, "does not exist")
}

func TestManager_WithSuite(t *testing.T) {
	span := &mockSpanModel{answers: map[string]string{QuestionFor(AttrPIT): "email"}}
	m := NewManagerWithSuite(newTestSuite(make([]float32, 10), span), zap.NewNop())
	ctx := context.Background()

	labels, err := m.Classify(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, []string{CategoryNone}, labels)

	spans, err := m.Extract(ctx, "We collect email.", []string{AttrPIT})
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, spans[AttrPIT])

	value, err := m.Predict(ctx, AttrPIT, "email")
	require.NoError(t, err)
	assert.Equal(t, "Contact", value)

	require.NoError(t, m.Close())
	assert.True(t, span.closed)
	_, err = m.Predict(ctx, AttrPIT, "email")
	assert.ErrorIs(t, err, ErrUnhealthy)
}

// newModelServer fakes the remote inference contract.
func newModelServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/classify", func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logits := map[string][]float32{
			string(RoleCategory): {-2, -2, -2, 3, -2, -2, -2, -2, -2, -2},
			string(RolePIT):      {0, 4},
			string(RolePurpose):  {4, 0},
			string(RoleTPE):      {4},
			string(RoleDDN):      {0, 4},
		}[req.Model]
		_ = json.NewEncoder(w).Encode(classifyResponse{Logits: logits})
	})
	mux.HandleFunc("/span", func(w http.ResponseWriter, r *http.Request) {
		var req spanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		span := ""
		if strings.Contains(req.Question, AttrPIT) {
			span = "email address"
		}
		_ = json.NewEncoder(w).Encode(spanResponse{Span: span})
	})
	mux.HandleFunc("/labels/", func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/labels/") {
		case string(RolePIT):
			_, _ = w.Write([]byte(`{"Financial": 0, "Contact": 1}`))
		case string(RolePurpose):
			_, _ = w.Write([]byte(`{"Marketing": 0, "Analytics": 1}`))
		case string(RoleTPE):
			_, _ = w.Write([]byte(`{"Advertiser": 0}`))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestManager_RemoteBackend(t *testing.T) {
	srv := newModelServer(t)

	m := NewManager(ManagerConfig{
		Backend: BackendRemote,
		Options: BackendConfig{BaseURL: srv.URL},
	}, zap.NewNop())
	require.True(t, m.IsHealthy(), "last error: %v", m.LastError())
	ctx := context.Background()

	labels, err := m.Classify(ctx, "We collect your email address.")
	require.NoError(t, err)
	assert.Equal(t, []string{CategoryFirstParty}, labels)

	spans, err := m.Extract(ctx, "We collect your email address.", []string{AttrPIT, AttrPurpose})
	require.NoError(t, err)
	assert.Equal(t, []string{"email address"}, spans[AttrPIT])
	assert.Empty(t, spans[AttrPurpose])

	ddn, err := m.Predict(ctx, AttrDoesDoesNot, "collect")
	require.NoError(t, err)
	assert.Equal(t, DoesNotValue, ddn)

	pit, err := m.Predict(ctx, AttrPIT, "email address")
	require.NoError(t, err)
	assert.Equal(t, "Contact", pit)

	assert.Equal(t, BackendRemote, m.Info().Backend)
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := NewBackend("tensorflow", BackendConfig{})
	assert.ErrorContains(t, err, "backend factory not found")

	_, err = NewBackend(BackendRemote, BackendConfig{})
	assert.ErrorContains(t, err, "base_url is required")
}
