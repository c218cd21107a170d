package execenv

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/channel"
	"tether/internal/config"
)

type staticProxy string

func (p staticProxy) ProxyURL() string { return string(p) }

func newTestChannels(t *testing.T) *channel.Store {
	t.Helper()
	identity, err := channel.LoadOrCreateIdentity(filepath.Join(t.TempDir(), "identity.key"))
	require.NoError(t, err)

	store := channel.NewStore(nil, identity)
	sealed, err := store.SealKey("sk-test")
	require.NoError(t, err)

	store.Reload([]config.ChannelConfig{{
		ID:           "work",
		Name:         "Work",
		BaseURL:      "https://api.example.com",
		APIKeySealed: sealed,
		DefaultModel: "claude-sonnet-4-5",
	}})
	return store
}

func TestBuildResolvesCredentials(t *testing.T) {
	b := NewBuilder(newTestChannels(t), staticProxy("http://proxy:8080"), config.RuntimeConfig{
		WorkDir:        "/tmp/project",
		PermissionMode: "ask",
	}, nil)

	ec, err := b.Build("sess-1", "work", "", "")
	require.NoError(t, err)

	assert.Equal(t, "sess-1", ec.SessionID)
	assert.Equal(t, "sk-test", ec.APIKey)
	assert.Equal(t, "https://api.example.com", ec.BaseURL)
	assert.Equal(t, "http://proxy:8080", ec.ProxyURL)
	// Model falls back to the channel default when not pinned.
	assert.Equal(t, "claude-sonnet-4-5", ec.Model)
	assert.Equal(t, "/tmp/project", ec.WorkDir)
	assert.Equal(t, "ask", ec.PermissionMode)
	assert.Equal(t, "http://proxy:8080", ec.Env["HTTPS_PROXY"])
}

func TestBuildUnknownChannel(t *testing.T) {
	b := NewBuilder(newTestChannels(t), nil, config.RuntimeConfig{}, nil)

	ec, err := b.Build("sess-1", "missing", "", "")
	assert.Nil(t, ec, "no partial context on failure")
	assert.True(t, errors.Is(err, channel.ErrChannelNotFound))
}

func TestBuildWorkspacePolicy(t *testing.T) {
	workspaces := []config.WorkspaceConfig{{
		ID:              "proj",
		Path:            "/srv/proj",
		DisallowedTools: []string{"WebFetch", "Bash"},
	}}
	b := NewBuilder(newTestChannels(t), nil, config.RuntimeConfig{WorkDir: "/tmp"}, workspaces)

	ec, err := b.Build("sess-1", "work", "", "proj")
	require.NoError(t, err)
	assert.Equal(t, "/srv/proj", ec.WorkDir)
	assert.Equal(t, []string{"WebFetch", "Bash"}, ec.DisallowedTools)

	// Sessions without a workspace keep the runtime-level work dir and an
	// unrestricted tool set.
	plain, err := b.Build("sess-2", "work", "", "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp", plain.WorkDir)
	assert.Empty(t, plain.DisallowedTools)

	_, err = b.Build("sess-3", "work", "", "gone")
	assert.True(t, errors.Is(err, ErrWorkspaceNotFound))
}

func TestBuildExplicitModelWins(t *testing.T) {
	b := NewBuilder(newTestChannels(t), nil, config.RuntimeConfig{WorkDir: "/tmp"}, nil)

	ec, err := b.Build("sess-1", "work", "claude-opus-4-1", "")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-1", ec.Model)
}

func TestContextsAreIndependent(t *testing.T) {
	b := NewBuilder(newTestChannels(t), nil, config.RuntimeConfig{WorkDir: "/tmp"}, nil)

	first, err := b.Build("sess-1", "work", "", "")
	require.NoError(t, err)
	second, err := b.Build("sess-2", "work", "", "")
	require.NoError(t, err)

	first.Env["MARKER"] = "one"
	_, leaked := second.Env["MARKER"]
	assert.False(t, leaked, "each context must carry a private env copy")
}

func TestConfigProxyPrefersExplicitURL(t *testing.T) {
	p := ConfigProxy{Cfg: config.ProxyConfig{URL: "http://corp-proxy:3128", UseEnvironment: true}}
	assert.Equal(t, "http://corp-proxy:3128", p.ProxyURL())

	t.Setenv("HTTPS_PROXY", "http://env-proxy:3128")
	env := ConfigProxy{Cfg: config.ProxyConfig{UseEnvironment: true}}
	assert.Equal(t, "http://env-proxy:3128", env.ProxyURL())

	off := ConfigProxy{Cfg: config.ProxyConfig{UseEnvironment: false}}
	assert.Equal(t, "", off.ProxyURL())
}

func TestParseVersionOutput(t *testing.T) {
	cases := map[string]string{
		"2.1.14 (Claude Code)": "2.1.14",
		"v1.0.3":               "1.0.3",
		"agent 0.9.1-beta.2":   "0.9.1-beta.2",
	}
	for in, want := range cases {
		got, err := ParseVersionOutput(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseVersionOutput("no version here")
	assert.Error(t, err)
}
