package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnhealthy is returned while no working model suite is loaded.
var ErrUnhealthy = errors.New("models are not ready")

const validationSentence = "We collect your email address to send you account notifications."

// ManagerConfig selects the backend and the model directory.
type ManagerConfig struct {
	Backend   string
	Directory string
	Threshold float64
	Specs     []ModelSpec
	// Options is passed to the backend factory; Directory is filled in from
	// the validated model directory.
	Options BackendConfig
}

// Manager manages the model suite lifecycle with thread-safe hot reload
type Manager struct {
	mu        sync.RWMutex
	cfg       ManagerConfig
	suite     *Suite
	isHealthy bool
	lastError error
	loadedAt  time.Time
	logger    *zap.Logger
}

// NewManager creates a manager and performs the initial load. A failed load
// leaves the manager unhealthy instead of failing, so the server can start
// and report the problem.
func NewManager(cfg ManagerConfig, logger *zap.Logger) *Manager {
	if len(cfg.Specs) == 0 {
		cfg.Specs = DefaultSpecs
	}
	m := &Manager{cfg: cfg, logger: logger.Named("model_manager")}

	if err := m.Reload(cfg.Directory); err != nil {
		m.logger.Warn("failed to load initial models, manager marked unhealthy", zap.Error(err))
	}
	return m
}

// NewManagerWithSuite wraps an already built suite.
func NewManagerWithSuite(suite *Suite, logger *zap.Logger) *Manager {
	return &Manager{
		suite:     suite,
		isHealthy: true,
		loadedAt:  time.Now(),
		logger:    logger.Named("model_manager"),
	}
}

// Reload loads a new suite from directory, validates it with one inference
// per model and swaps it in.
func (m *Manager) Reload(directory string) error {
	m.logger.Info("reloading models", zap.String("backend", m.cfg.Backend), zap.String("directory", directory))

	backendCfg := m.cfg.Options
	if m.cfg.Backend == BackendONNX || m.cfg.Backend == "" {
		abs, err := ValidateDirectory(directory, m.cfg.Specs)
		if err != nil {
			m.markUnhealthy(err)
			return fmt.Errorf("validation failed: %w", err)
		}
		backendCfg.Directory = abs
	}

	name := m.cfg.Backend
	if name == "" {
		name = BackendONNX
	}
	backend, err := NewBackend(name, backendCfg)
	if err != nil {
		m.markUnhealthy(err)
		return err
	}

	suite, err := LoadSuite(backend, m.cfg.Specs, m.cfg.Threshold)
	if err != nil {
		m.markUnhealthy(err)
		return fmt.Errorf("failed to load models: %w", err)
	}

	m.logger.Info("running validation inference")
	if err := validateSuite(context.Background(), suite); err != nil {
		if closeErr := suite.Close(); closeErr != nil {
			m.logger.Warn("failed to close rejected suite", zap.Error(closeErr))
		}
		m.markUnhealthy(err)
		return fmt.Errorf("model validation failed: %w", err)
	}

	m.mu.Lock()
	old := m.suite
	m.suite = suite
	m.cfg.Directory = directory
	m.isHealthy = true
	m.lastError = nil
	m.loadedAt = time.Now()
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("failed to close previous suite", zap.Error(err))
		}
	}

	m.logger.Info("model reload complete", zap.String("directory", directory))
	return nil
}

func validateSuite(ctx context.Context, s *Suite) error {
	if _, err := s.Classify(ctx, validationSentence); err != nil {
		return err
	}
	if _, err := s.Extract(ctx, validationSentence, []string{AttrPIT}); err != nil {
		return err
	}
	for _, attr := range []string{AttrPIT, AttrPurpose, AttrTPE, AttrDoesDoesNot} {
		if _, err := s.Predict(ctx, attr, "email address"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) markUnhealthy(err error) {
	m.mu.Lock()
	m.isHealthy = false
	m.lastError = err
	m.mu.Unlock()
	m.logger.Error("models unhealthy", zap.Error(err))
}

// ValidateDirectory checks that every spec's subfolder holds its required
// files and returns the absolute directory.
func ValidateDirectory(dir string, specs []ModelSpec) (string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("directory does not exist: %s", dir)
		}
		return "", fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory: %s", dir)
	}

	var missing []string
	for _, spec := range specs {
		for _, name := range spec.RequiredFiles() {
			rel := filepath.Join(spec.Subfolder, name)
			if _, err := os.Stat(filepath.Join(dir, rel)); os.IsNotExist(err) {
				missing = append(missing, rel)
			}
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required files in directory: %v", missing)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}
	return absDir, nil
}

// Classify runs the category model of the current suite.
func (m *Manager) Classify(ctx context.Context, paragraph string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.readyLocked(); err != nil {
		return nil, err
	}
	return m.suite.Classify(ctx, paragraph)
}

// Extract runs the span model of the current suite.
func (m *Manager) Extract(ctx context.Context, sentence string, attributes []string) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.readyLocked(); err != nil {
		return nil, err
	}
	return m.suite.Extract(ctx, sentence, attributes)
}

// Predict runs an attribute classifier of the current suite.
func (m *Manager) Predict(ctx context.Context, attribute, text string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.readyLocked(); err != nil {
		return "", err
	}
	return m.suite.Predict(ctx, attribute, text)
}

func (m *Manager) readyLocked() error {
	if !m.isHealthy || m.suite == nil {
		if m.lastError != nil {
			return fmt.Errorf("%w: %v", ErrUnhealthy, m.lastError)
		}
		return ErrUnhealthy
	}
	return nil
}

// IsHealthy returns whether the current suite is usable
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isHealthy
}

// LastError returns the last error encountered (if any)
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Info describes the current model state.
type Info struct {
	Backend   string    `json:"backend"`
	Directory string    `json:"directory"`
	Healthy   bool      `json:"healthy"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
	Error     *string   `json:"error"`
}

// Info returns information about the current model state
func (m *Manager) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := Info{
		Backend:   m.cfg.Backend,
		Directory: m.cfg.Directory,
		Healthy:   m.isHealthy,
		LoadedAt:  m.loadedAt,
	}
	if m.lastError != nil {
		msg := m.lastError.Error()
		info.Error = &msg
	}
	return info
}

// Close releases the current suite.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.isHealthy = false
	if m.suite == nil {
		return nil
	}
	m.logger.Info("closing model suite")
	err := m.suite.Close()
	m.suite = nil
	if err != nil {
		return fmt.Errorf("failed to close models: %w", err)
	}
	return nil
}
