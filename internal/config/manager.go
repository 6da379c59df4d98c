package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ConfigFormat represents supported configuration file formats
type ConfigFormat string

const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
)

// ChangeEvent represents a configuration change event
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // create, modify, delete
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when configuration changes
type ChangeHandler func(event ChangeEvent) error

// Validator rejects a parsed file before it replaces the previous version
type Validator func(map[string]interface{}) error

// ConfigManager watches a directory of YAML/JSON files and notifies
// handlers registered per file name when one changes.
type ConfigManager struct {
	configDir  string
	configs    map[string]map[string]interface{}
	modTimes   map[string]time.Time
	handlers   map[string][]ChangeHandler
	validators map[string]Validator
	watcher    *fsnotify.Watcher
	started    bool
	stopCh     chan struct{}
	logger     *zap.Logger
	mu         sync.RWMutex

	pollInterval  time.Duration
	enablePolling bool
	debounce      time.Duration
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configDir string, logger *zap.Logger) (*ConfigManager, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &ConfigManager{
		configDir:    configDir,
		configs:      make(map[string]map[string]interface{}),
		modTimes:     make(map[string]time.Time),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]Validator),
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
		debounce:     50 * time.Millisecond,
	}, nil
}

// Start loads every config file and begins watching for changes
func (cm *ConfigManager) Start(ctx context.Context) error {
	cm.mu.Lock()
	if cm.started {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	if err := cm.watcher.Add(cm.configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := cm.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	cm.mu.Lock()
	cm.started = true
	loaded := len(cm.configs)
	polling := cm.enablePolling
	cm.mu.Unlock()

	go cm.watchLoop(ctx)
	if polling {
		go cm.pollLoop(ctx)
	}

	cm.logger.Info("Configuration manager started",
		zap.String("config_dir", cm.configDir),
		zap.Int("loaded_configs", loaded),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching for configuration changes
func (cm *ConfigManager) Stop() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.started {
		return nil
	}
	close(cm.stopCh)
	cm.started = false
	return cm.watcher.Close()
}

// RegisterHandler registers a handler for a file name (base name, e.g.
// "routing_rules.yaml"). "*" receives every change.
func (cm *ConfigManager) RegisterHandler(file string, handler ChangeHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[file] = append(cm.handlers[file], handler)
}

// RegisterValidator registers a validator for a file name
func (cm *ConfigManager) RegisterValidator(file string, v Validator) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[file] = v
}

// EnablePolling turns on modification-time polling as a fallback for
// filesystems where fsnotify is unreliable (bind mounts, NFS).
func (cm *ConfigManager) EnablePolling(interval time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.enablePolling = true
	if interval > 0 {
		cm.pollInterval = interval
	}
}

// GetConfig returns a copy of the last valid contents of a file
func (cm *ConfigManager) GetConfig(file string) (map[string]interface{}, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg, ok := cm.configs[file]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out, true
}

// ReloadConfig forces a reload of one file
func (cm *ConfigManager) ReloadConfig(file string) error {
	return cm.loadFile(filepath.Join(cm.configDir, file), "modify")
}

func (cm *ConfigManager) watchLoop(ctx context.Context) {
	pending := make(map[string]*time.Timer)
	var pendingMu sync.Mutex
	defer func() {
		pendingMu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		pendingMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case event, ok := <-cm.watcher.Events:
			if !ok {
				return
			}
			if !isConfigFile(event.Name) {
				continue
			}
			// Editors emit bursts of writes; collapse them per file
			name := event.Name
			op := event.Op
			pendingMu.Lock()
			if t, exists := pending[name]; exists {
				t.Stop()
			}
			pending[name] = time.AfterFunc(cm.debounce, func() {
				pendingMu.Lock()
				delete(pending, name)
				pendingMu.Unlock()
				cm.handleWatchEvent(name, op)
			})
			pendingMu.Unlock()
		case err, ok := <-cm.watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (cm *ConfigManager) handleWatchEvent(path string, op fsnotify.Op) {
	switch {
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if _, err := os.Stat(path); err == nil {
			// Atomic rename-over: the file still exists under the same name
			cm.reload(path, "modify")
			return
		}
		cm.handleRemoval(path)
	case op&fsnotify.Create != 0:
		cm.reload(path, "create")
	case op&fsnotify.Write != 0:
		cm.reload(path, "modify")
	}
}

func (cm *ConfigManager) reload(path, action string) {
	if err := cm.loadFile(path, action); err != nil {
		cm.logger.Warn("Config reload rejected, keeping previous version",
			zap.String("file", filepath.Base(path)),
			zap.Error(err),
		)
	}
}

func (cm *ConfigManager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(cm.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.stopCh:
			return
		case <-ticker.C:
			cm.checkForChanges()
		}
	}
}

func (cm *ConfigManager) checkForChanges() {
	entries, err := os.ReadDir(cm.configDir)
	if err != nil {
		cm.logger.Error("Failed to scan config directory", zap.Error(err))
		return
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isConfigFile(e.Name()) {
			continue
		}
		seen[e.Name()] = true
		info, err := e.Info()
		if err != nil {
			continue
		}
		cm.mu.RLock()
		last, known := cm.modTimes[e.Name()]
		cm.mu.RUnlock()
		if !known {
			cm.reload(filepath.Join(cm.configDir, e.Name()), "create")
		} else if info.ModTime().After(last) {
			cm.reload(filepath.Join(cm.configDir, e.Name()), "modify")
		}
	}

	cm.mu.RLock()
	var gone []string
	for name := range cm.configs {
		if !seen[name] {
			gone = append(gone, name)
		}
	}
	cm.mu.RUnlock()
	for _, name := range gone {
		cm.handleRemoval(filepath.Join(cm.configDir, name))
	}
}

func (cm *ConfigManager) loadAll() error {
	entries, err := os.ReadDir(cm.configDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isConfigFile(e.Name()) {
			continue
		}
		if err := cm.loadFile(filepath.Join(cm.configDir, e.Name()), "create"); err != nil {
			cm.logger.Warn("Failed to load config file",
				zap.String("file", e.Name()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (cm *ConfigManager) loadFile(path, action string) error {
	name := filepath.Base(path)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	cfg := make(map[string]interface{})
	if len(strings.TrimSpace(string(data))) > 0 {
		switch detectFormat(path) {
		case FormatJSON:
			err = json.Unmarshal(data, &cfg)
		default:
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}

	cm.mu.RLock()
	validate := cm.validators[name]
	cm.mu.RUnlock()
	if validate != nil {
		if err := validate(cfg); err != nil {
			return fmt.Errorf("validate %s: %w", name, err)
		}
	}

	cm.mu.Lock()
	cm.configs[name] = cfg
	cm.modTimes[name] = info.ModTime()
	cm.mu.Unlock()

	cm.logger.Info("Configuration loaded",
		zap.String("file", name),
		zap.String("action", action),
	)
	cm.notify(ChangeEvent{File: name, Action: action, Config: cfg, Timestamp: time.Now()})
	return nil
}

func (cm *ConfigManager) handleRemoval(path string) {
	name := filepath.Base(path)
	cm.mu.Lock()
	_, existed := cm.configs[name]
	delete(cm.configs, name)
	delete(cm.modTimes, name)
	cm.mu.Unlock()
	if !existed {
		return
	}
	cm.logger.Info("Configuration removed", zap.String("file", name))
	cm.notify(ChangeEvent{File: name, Action: "delete", Timestamp: time.Now()})
}

// notify runs handlers synchronously so callers observe a consistent order
func (cm *ConfigManager) notify(event ChangeEvent) {
	cm.mu.RLock()
	handlers := append([]ChangeHandler(nil), cm.handlers[event.File]...)
	handlers = append(handlers, cm.handlers["*"]...)
	cm.mu.RUnlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			cm.logger.Error("Config change handler failed",
				zap.String("file", event.File),
				zap.String("action", event.Action),
				zap.Error(err),
			)
		}
	}
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func detectFormat(path string) ConfigFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}
