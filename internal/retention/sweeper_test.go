package retention

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/config"
	"tether/internal/storage"
)

func TestSweep_PrunesOnlyIdleSessions(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	old, err := db.CreateSession("ch1", "", "")
	require.NoError(t, err)
	fresh, err := db.CreateSession("ch1", "", "")
	require.NoError(t, err)

	// Age the first session past the window.
	_, err = db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?",
		time.Now().Add(-10*24*time.Hour), old.ID)
	require.NoError(t, err)

	s := NewSweeper(db, config.RetentionConfig{Enabled: true, MaxAgeDays: 7, Schedule: "@daily"})
	s.Sweep()

	_, err = db.GetSession(old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = db.GetSession(fresh.ID)
	assert.NoError(t, err)
}

func TestStart_DisabledIsNoOp(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	s := NewSweeper(db, config.RetentionConfig{Enabled: false})
	require.NoError(t, s.Start())
	s.Stop()
}
