package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tether/internal/runtime"
)

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		command string
		want    runtime.DangerLevel
	}{
		{"ls -la", runtime.DangerSafe},
		{"cat main.go | grep func", runtime.DangerSafe},
		{"go test ./...", runtime.DangerNormal},
		{"git push origin main", runtime.DangerNormal},
		{"rm -rf /tmp/build", runtime.DangerDangerous},
		{"sudo apt install jq", runtime.DangerDangerous},
		{"git log | grep fix && rm old.log", runtime.DangerDangerous},
		{"echo hi > /etc/hosts", runtime.DangerDangerous},
		{"ls >> notes.txt", runtime.DangerNormal},
		{"$(which rm) -rf /", runtime.DangerDangerous},
		{"", runtime.DangerNormal},
		{"if [ -f x ]; then", runtime.DangerDangerous}, // unparsable
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyCommand(tt.command), "command: %q", tt.command)
	}
}
