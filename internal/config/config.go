// Package config provides a pool policy manager that loads and watches a JSON
// policy file: the boost mints the pool participates in and the member
// authorities that are banned from contributing.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gagliardetto/solana-go"
)

// Conf represents the policy file structure.
type Conf struct {
	BannedMembers []string `json:"bannedMembers"`
	BoostMints    []string `json:"boostMints"`
}

// Manager is a struct that manages the pool policy.
type Manager struct {
	lock       sync.RWMutex
	banned     map[string]struct{}
	boostMints []solana.PublicKey
	configPath string

	log *slog.Logger
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Options {
	return func(o *options) {
		o.Logger = logger
	}
}

// New creates a new policy manager with the specified path.
func New(path string, args ...Options) *Manager {
	opts := options{
		Logger: slog.Default(),
	}

	for _, opt := range args {
		opt(&opts)
	}

	return &Manager{
		configPath: path,
		banned:     make(map[string]struct{}),
		log:        opts.Logger,
	}
}

// Load reads the policy from the specified file and updates the internal state.
func (cm *Manager) Load() error {
	file, err := os.Open(cm.configPath)
	if err != nil {
		return fmt.Errorf("opening policy file: %w", err)
	}
	defer file.Close()

	var newConf Conf
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&newConf); err != nil {
		return fmt.Errorf("decoding policy JSON: %w", err)
	}

	banned := make(map[string]struct{}, len(newConf.BannedMembers))
	for _, member := range newConf.BannedMembers {
		banned[member] = struct{}{}
	}

	boostMints := make([]solana.PublicKey, 0, len(newConf.BoostMints))
	for _, mint := range newConf.BoostMints {
		pk, err := solana.PublicKeyFromBase58(mint)
		if err != nil {
			cm.log.Warn("Ignoring invalid boost mint in policy", "mint", mint, "err", err)
			continue
		}
		boostMints = append(boostMints, pk)
	}

	cm.lock.Lock()
	cm.banned = banned
	cm.boostMints = boostMints
	cm.lock.Unlock()

	cm.log.Info("Policy loaded", "bannedMembers", len(banned), "boostMints", len(boostMints))
	return nil
}

// Watch starts watching the policy file for changes.
//
// It returns two channels: one for policy changes which result in a successful load and another for unrecoverable watcher errors.
func (cm *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	configDir, _ := filepath.Split(cm.configPath)
	if configDir == "" {
		configDir = "."
	}
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", configDir, err)
	}

	cm.log.Info("Watching policy directory", "dir", configDir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	// Initial load of the policy
	if err := cm.Load(); err != nil {
		cm.log.Warn("Error loading initial policy", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				cm.log.Info("Policy watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				if event.Name != cm.configPath {
					continue
				}

				cm.log.Debug("Policy file changed. Reloading...")
				if err := cm.Load(); err != nil {
					cm.log.Warn("Error reloading policy", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				cm.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// IsBanned reports whether a member authority is banned from the pool.
func (cm *Manager) IsBanned(authority string) bool {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	_, ok := cm.banned[authority]
	return ok
}

// BoostMints returns the boost mints the pool participates in.
func (cm *Manager) BoostMints() []solana.PublicKey {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.boostMints
}
