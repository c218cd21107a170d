// Package channel manages provider accounts (credential channels): the
// registry of configured channels and the sealed API keys backing them.
package channel

import (
	"errors"
	"fmt"
	"sync"

	"filippo.io/age"

	"tether/internal/config"
)

var (
	// ErrChannelNotFound indicates no channel with the given id is configured.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrDecryptFailed indicates the stored credential could not be unsealed.
	ErrDecryptFailed = errors.New("credential decryption failed")
)

// Credentials is a resolved, decrypted channel credential set.
type Credentials struct {
	ChannelID    string
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Store resolves channel credentials from configuration, unsealing API keys
// with the local age identity. Safe for concurrent use; Reload swaps the
// channel list when the config file changes on disk.
type Store struct {
	mu       sync.RWMutex
	channels []config.ChannelConfig
	identity *age.X25519Identity
}

// NewStore creates a Store over the given channel list.
func NewStore(channels []config.ChannelConfig, identity *age.X25519Identity) *Store {
	return &Store{channels: channels, identity: identity}
}

// Reload replaces the channel list, e.g. after a config file change.
func (s *Store) Reload(channels []config.ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = channels
}

// List returns the configured channels without credentials.
func (s *Store) List() []config.ChannelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]config.ChannelConfig, len(s.channels))
	copy(out, s.channels)
	for i := range out {
		out[i].APIKeySealed = ""
	}
	return out
}

// Resolve returns the decrypted credentials for a channel.
func (s *Store) Resolve(channelID string) (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *config.ChannelConfig
	for i := range s.channels {
		if s.channels[i].ID == channelID {
			found = &s.channels[i]
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}

	apiKey, err := Unseal(found.APIKeySealed, s.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s: %v", ErrDecryptFailed, channelID, err)
	}

	return &Credentials{
		ChannelID:    found.ID,
		Name:         found.Name,
		APIKey:       string(apiKey),
		BaseURL:      found.BaseURL,
		DefaultModel: found.DefaultModel,
	}, nil
}

// SealKey encrypts an API key for storage in the config file.
func (s *Store) SealKey(apiKey string) (string, error) {
	return Seal([]byte(apiKey), s.identity)
}
