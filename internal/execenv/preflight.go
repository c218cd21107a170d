package execenv

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ErrRuntimeNotFound indicates the agent runtime executable is missing.
var ErrRuntimeNotFound = errors.New("agent runtime executable not found")

// ErrRuntimeTooOld indicates the installed runtime predates the minimum
// supported version.
var ErrRuntimeTooOld = errors.New("agent runtime version too old")

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?`)

// Preflight verifies the agent runtime binary exists and meets the minimum
// version. It runs once at startup and again when the runtime config
// changes, never per run.
func Preflight(ctx context.Context, binary, minVersion string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRuntimeNotFound, binary)
	}

	if minVersion == "" {
		return path, nil
	}

	versionCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(versionCtx, path, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("query runtime version: %w", err)
	}

	raw := versionPattern.FindString(strings.TrimSpace(string(out)))
	if raw == "" {
		return "", fmt.Errorf("unrecognized version output: %q", strings.TrimSpace(string(out)))
	}

	installed, err := semver.NewVersion(raw)
	if err != nil {
		return "", fmt.Errorf("parse runtime version %q: %w", raw, err)
	}
	minimum, err := semver.NewVersion(minVersion)
	if err != nil {
		return "", fmt.Errorf("parse minimum version %q: %w", minVersion, err)
	}

	if installed.LessThan(minimum) {
		return "", fmt.Errorf("%w: installed %s, minimum %s", ErrRuntimeTooOld, installed, minimum)
	}
	return path, nil
}

// ParseVersionOutput extracts a semver string from runtime --version output.
// Split out for testing.
func ParseVersionOutput(out string) (string, error) {
	raw := versionPattern.FindString(strings.TrimSpace(out))
	if raw == "" {
		return "", fmt.Errorf("unrecognized version output: %q", strings.TrimSpace(out))
	}
	return raw, nil
}
