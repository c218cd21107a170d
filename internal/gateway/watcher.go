package gateway

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tether/internal/channel"
	"tether/internal/config"
	"tether/internal/gateway/websocket"
	"tether/pkg/logger"
)

const debounceDelay = 200 * time.Millisecond

// Watcher monitors the config file and hot-reloads the channel registry so
// credential edits take effect without a restart. Connected clients get a
// reload frame.
type Watcher struct {
	watcher    *fsnotify.Watcher
	hub        *websocket.Hub
	channels   *channel.Store
	configPath string

	stopCh chan struct{}
	mu     sync.Mutex
	timer  *time.Timer
}

// NewWatcher creates a config watcher.
func NewWatcher(hub *websocket.Hub, channels *channel.Store, configPath string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:    w,
		hub:        hub,
		channels:   channels,
		configPath: configPath,
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins watching the config file.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.configPath); err != nil {
		return err
	}
	go w.run()
	return nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors fire bursts of events per save; collapse them.
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(debounceDelay, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// reload re-reads the config and swaps the channel registry contents.
func (w *Watcher) reload() {
	cfg, err := config.Load(w.configPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", w.configPath).Msg("config reload failed")
		return
	}

	w.channels.Reload(cfg.Channels)
	logger.Info().Int("channels", len(cfg.Channels)).Msg("channel registry reloaded")
	w.hub.Broadcast("", &websocket.WSMessage{Type: websocket.TypeConfigReload})

	// Atomic saves replace the file; re-arm the watch on the new inode.
	w.watcher.Remove(w.configPath)
	if err := w.watcher.Add(w.configPath); err != nil {
		logger.Warn().Err(err).Msg("re-arm config watch")
	}
}
