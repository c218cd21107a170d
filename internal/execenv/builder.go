// Package execenv assembles the immutable execution context for one agent
// run: resolved channel credentials, effective proxy, shell requirements and
// a private environment copy.
package execenv

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"tether/internal/channel"
	"tether/internal/config"
	"tether/internal/runtime"
)

// ErrShellNotFound indicates no usable shell was detected on a platform that
// requires one. This is a hard precondition failure, reported before any
// network activity.
var ErrShellNotFound = errors.New("no usable shell found")

// ErrWorkspaceNotFound indicates the session references a workspace that is
// no longer configured.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Builder produces execution contexts. It never mutates global environment
// state: every context carries its own environment map.
type Builder struct {
	channels   *channel.Store
	proxy      ProxyResolver
	runtime    config.RuntimeConfig
	workspaces []config.WorkspaceConfig
}

// ProxyResolver yields the effective proxy URL for outbound agent traffic.
type ProxyResolver interface {
	ProxyURL() string
}

// ConfigProxy resolves the proxy from configuration, falling back to the
// standard environment variables when allowed.
type ConfigProxy struct {
	Cfg config.ProxyConfig
}

// ProxyURL implements ProxyResolver.
func (p ConfigProxy) ProxyURL() string {
	if p.Cfg.URL != "" {
		return p.Cfg.URL
	}
	if !p.Cfg.UseEnvironment {
		return ""
	}
	for _, key := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// NewBuilder creates a Builder.
func NewBuilder(channels *channel.Store, proxy ProxyResolver, rt config.RuntimeConfig, workspaces []config.WorkspaceConfig) *Builder {
	return &Builder{channels: channels, proxy: proxy, runtime: rt, workspaces: workspaces}
}

// Build assembles the execution context for one run. Credential resolution
// failures (unknown channel, undecryptable key) and a missing workspace are
// terminal: no partial context is ever returned.
func (b *Builder) Build(sessionID, channelID, modelID, workspaceID string) (*runtime.ExecutionContext, error) {
	creds, err := b.channels.Resolve(channelID)
	if err != nil {
		return nil, err
	}

	workspace, err := b.findWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}

	shellEnv, err := detectShell()
	if err != nil {
		return nil, err
	}

	model := modelID
	if model == "" {
		model = creds.DefaultModel
	}

	workDir := ""
	var disallowedTools []string
	if workspace != nil {
		workDir = workspace.Path
		disallowedTools = append(disallowedTools, workspace.DisallowedTools...)
	}
	if workDir == "" {
		workDir = b.runtime.WorkDir
	}
	if workDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve work dir: %w", err)
		}
		workDir = home
	}

	proxyURL := ""
	if b.proxy != nil {
		proxyURL = b.proxy.ProxyURL()
	}

	env := baseEnvironment()
	for k, v := range shellEnv {
		env[k] = v
	}
	if proxyURL != "" {
		env["HTTPS_PROXY"] = proxyURL
		env["HTTP_PROXY"] = proxyURL
	}

	permissionMode := b.runtime.PermissionMode
	if permissionMode == "" {
		permissionMode = "ask"
	}

	slog.Debug("execution context built",
		"sessionID", sessionID,
		"channelID", channelID,
		"model", model,
		"hasProxy", proxyURL != "")

	return &runtime.ExecutionContext{
		SessionID:       sessionID,
		APIKey:          creds.APIKey,
		BaseURL:         creds.BaseURL,
		ProxyURL:        proxyURL,
		Model:           model,
		WorkDir:         workDir,
		DisallowedTools: disallowedTools,
		PermissionMode:  permissionMode,
		Env:             env,
	}, nil
}

// findWorkspace resolves an optional workspace id against configuration.
func (b *Builder) findWorkspace(id string) (*config.WorkspaceConfig, error) {
	if id == "" {
		return nil, nil
	}
	for i := range b.workspaces {
		if b.workspaces[i].ID == id {
			return &b.workspaces[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
}

// baseEnvironment copies the variables the runtime process inherits. The
// copy is private to one context; callers may add to it freely.
func baseEnvironment() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "PATH", "HOME", "USER", "LANG", "TMPDIR", "TEMP", "TMP", "USERPROFILE", "APPDATA", "LOCALAPPDATA", "SYSTEMROOT", "COMSPEC":
			env[key] = value
		}
	}
	return env
}
