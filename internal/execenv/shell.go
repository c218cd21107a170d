package execenv

import (
	"os"
	"os/exec"
	"runtime"
)

// detectShell returns shell-related environment variables for the runtime
// process. Unix platforms always have a usable shell; Windows requires a
// detected Git Bash (or WSL bash) for the runtime's shell tool, and its
// absence fails the run before anything else happens.
func detectShell() (map[string]string, error) {
	if runtime.GOOS != "windows" {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		return map[string]string{"SHELL": shell}, nil
	}
	return detectWindowsShell()
}

func detectWindowsShell() (map[string]string, error) {
	candidates := []string{
		`C:\Program Files\Git\bin\bash.exe`,
		`C:\Program Files (x86)\Git\bin\bash.exe`,
	}
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		candidates = append(candidates, localAppData+`\Programs\Git\bin\bash.exe`)
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return map[string]string{"SHELL": candidate, "CLAUDE_CODE_GIT_BASH_PATH": candidate}, nil
		}
	}
	// PATH lookup as a last resort (covers scoop/choco installs).
	if path, err := exec.LookPath("bash.exe"); err == nil {
		return map[string]string{"SHELL": path, "CLAUDE_CODE_GIT_BASH_PATH": path}, nil
	}
	return nil, ErrShellNotFound
}
