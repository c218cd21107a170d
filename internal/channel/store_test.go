package channel

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	identity, err := LoadOrCreateIdentity(filepath.Join(t.TempDir(), "identity.key"))
	require.NoError(t, err)
	return NewStore(nil, identity)
}

func TestSealUnsealRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sealed, err := s.SealKey("sk-test-12345")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-test-12345")

	s.Reload([]config.ChannelConfig{{
		ID:           "work",
		Name:         "Work",
		BaseURL:      "https://api.example.com",
		APIKeySealed: sealed,
		DefaultModel: "claude-sonnet-4-5",
	}})

	creds, err := s.Resolve("work")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-12345", creds.APIKey)
	assert.Equal(t, "https://api.example.com", creds.BaseURL)
	assert.Equal(t, "claude-sonnet-4-5", creds.DefaultModel)
}

func TestResolveUnknownChannel(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Resolve("missing")
	assert.True(t, errors.Is(err, ErrChannelNotFound))
}

func TestResolveCorruptCiphertext(t *testing.T) {
	s := newTestStore(t)
	s.Reload([]config.ChannelConfig{{ID: "bad", APIKeySealed: "not base64!!"}})

	_, err := s.Resolve("bad")
	assert.True(t, errors.Is(err, ErrDecryptFailed))
}

func TestResolveWrongIdentity(t *testing.T) {
	sealer := newTestStore(t)
	sealed, err := sealer.SealKey("sk-secret")
	require.NoError(t, err)

	// A different identity must not be able to unseal the key.
	other := newTestStore(t)
	other.Reload([]config.ChannelConfig{{ID: "work", APIKeySealed: sealed}})

	_, err = other.Resolve("work")
	assert.True(t, errors.Is(err, ErrDecryptFailed))
}

func TestLoadOrCreateIdentityIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	assert.Equal(t, first.String(), second.String())
}

func TestListStripsSealedKeys(t *testing.T) {
	s := newTestStore(t)
	s.Reload([]config.ChannelConfig{{ID: "work", APIKeySealed: "c2VhbGVk"}})

	list := s.List()
	require.Len(t, list, 1)
	assert.Empty(t, list[0].APIKeySealed)
}
