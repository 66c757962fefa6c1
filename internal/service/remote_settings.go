package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"streamvault/internal/logging"
	"streamvault/internal/remote"
)

// RemoteURLKey holds the server address chosen by the user.
const RemoteURLKey = "streamvault.remote_url"

// RemoteEndpoint is the companion server client as seen by the settings.
type RemoteEndpoint interface {
	BaseURL() string
	SetBaseURL(baseURL string)
	Ping(ctx context.Context, baseURL string) error
}

// SettingsStore persists small values
type SettingsStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// RemoteAddress describes the active server address
type RemoteAddress struct {
	URL     string `json:"url"`
	Default string `json:"default"`
	Custom  bool   `json:"custom"`
	Enabled bool   `json:"enabled"`
}

// RemoteSettings lets the user change the companion server address at
// runtime. A saved address overrides the configured default.
type RemoteSettings struct {
	endpoint RemoteEndpoint
	settings SettingsStore
	fallback string

	mu     sync.Mutex
	custom bool
}

// NewRemoteSettings creates the settings over endpoint. fallback is the
// address from the environment, possibly empty.
func NewRemoteSettings(endpoint RemoteEndpoint, settings SettingsStore, fallback string) *RemoteSettings {
	return &RemoteSettings{
		endpoint: endpoint,
		settings: settings,
		fallback: strings.TrimRight(fallback, "/"),
	}
}

// Load applies a previously saved address. An unusable saved value is
// ignored.
func (r *RemoteSettings) Load() error {
	data, ok, err := r.settings.Get(RemoteURLKey)
	if err != nil {
		return fmt.Errorf("failed to read remote address: %w", err)
	}
	if !ok {
		return nil
	}

	baseURL, err := remote.NormalizeBaseURL(string(data))
	if err != nil {
		logging.WithError(err).Warn("Ignoring saved remote address")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoint.SetBaseURL(baseURL)
	r.custom = true
	logging.WithField("url", baseURL).Info("Using saved remote address")
	return nil
}

// Address returns the active address
func (r *RemoteSettings) Address() RemoteAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addressLocked()
}

// SetURL saves and applies raw. An empty raw drops the saved address and
// returns to the configured default.
func (r *RemoteSettings) SetURL(raw string) (RemoteAddress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(raw) == "" {
		if err := r.settings.Delete(RemoteURLKey); err != nil {
			return RemoteAddress{}, fmt.Errorf("failed to reset remote address: %w", err)
		}
		r.endpoint.SetBaseURL(r.fallback)
		r.custom = false
		logging.WithField("url", r.fallback).Info("Remote address reset to default")
		return r.addressLocked(), nil
	}

	baseURL, err := remote.NormalizeBaseURL(raw)
	if err != nil {
		return RemoteAddress{}, fmt.Errorf("%w: %v", ErrInvalidSetting, err)
	}
	if err := r.settings.Set(RemoteURLKey, []byte(baseURL)); err != nil {
		return RemoteAddress{}, fmt.Errorf("failed to save remote address: %w", err)
	}
	r.endpoint.SetBaseURL(baseURL)
	r.custom = true
	logging.WithField("url", baseURL).Info("Remote address updated")
	return r.addressLocked(), nil
}

// Test checks that raw answers, or the active address when raw is empty.
// The active address is not changed.
func (r *RemoteSettings) Test(ctx context.Context, raw string) error {
	var candidate string
	if strings.TrimSpace(raw) != "" {
		baseURL, err := remote.NormalizeBaseURL(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSetting, err)
		}
		candidate = baseURL
	}

	if err := r.endpoint.Ping(ctx, candidate); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RemoteSettings) addressLocked() RemoteAddress {
	current := r.endpoint.BaseURL()
	return RemoteAddress{
		URL:     current,
		Default: r.fallback,
		Custom:  r.custom,
		Enabled: current != "",
	}
}
