package orchestrator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"tether/internal/storage"
)

func TestBuildTranscript_Empty(t *testing.T) {
	assert.Empty(t, buildTranscript(nil))
	assert.Empty(t, buildTranscript([]*storage.Message{
		{Role: storage.RoleStatus, Error: &storage.MessageError{Title: "boom"}},
		{Role: storage.RoleUser, Content: "   "},
	}))
}

func TestBuildTranscript_KeepsMostRecentTurns(t *testing.T) {
	var msgs []*storage.Message
	for i := 0; i < backfillLimit+5; i++ {
		msgs = append(msgs, &storage.Message{
			Role:    storage.RoleUser,
			Content: fmt.Sprintf("turn %d", i),
		})
	}

	got := buildTranscript(msgs)
	assert.Equal(t, backfillLimit, strings.Count(got, "turn "))
	assert.NotContains(t, got, "turn 4\n")
	assert.Contains(t, got, fmt.Sprintf("turn %d", backfillLimit+4))
	assert.True(t, strings.HasPrefix(got, transcriptOpen))
	assert.True(t, strings.HasSuffix(got, transcriptClose))
}
