package models

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	BackendONNX   = "onnx"
	BackendRemote = "remote"
)

// SequenceClassifier returns the raw logits of a text classification head.
type SequenceClassifier interface {
	Name() string
	Logits(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// SpanModel answers a question with a substring of the context.
type SpanModel interface {
	Name() string
	Span(ctx context.Context, question, passage string) (string, error)
	Close() error
}

// Backend creates the models of a Suite.
type Backend interface {
	Name() string
	Classifier(spec ModelSpec, numLabels int) (SequenceClassifier, error)
	SpanModel(spec ModelSpec) (SpanModel, error)
	LabelMapping(spec ModelSpec) (LabelMap, error)
}

// BackendConfig carries the settings any backend may need.
type BackendConfig struct {
	Directory    string
	LibraryPath  string
	TokenTypeIDs bool
	BaseURL      string
	Timeout      time.Duration
}

type NewBackendFunc func(cfg BackendConfig) (Backend, error)

var (
	backendMu        sync.RWMutex
	backendFactories = make(map[string]NewBackendFunc)
)

func RegisterBackend(name string, factory NewBackendFunc) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendFactories[name] = factory
}

func NewBackend(name string, cfg BackendConfig) (Backend, error) {
	backendMu.RLock()
	factory, ok := backendFactories[name]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend factory not found for name: %s", name)
	}
	return factory(cfg)
}

func init() {
	RegisterBackend(BackendONNX, func(cfg BackendConfig) (Backend, error) {
		if cfg.Directory == "" {
			return nil, fmt.Errorf("directory is required for the onnx backend")
		}
		return NewONNXBackend(cfg.Directory, cfg.LibraryPath, cfg.TokenTypeIDs), nil
	})

	RegisterBackend(BackendRemote, func(cfg BackendConfig) (Backend, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base_url is required for the remote backend")
		}
		return NewRemoteBackend(cfg.BaseURL, cfg.Timeout), nil
	})
}
