package auth

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchCredsFile watches a local (non-URL) credentials file for external
// writes and re-reads its fields into p whenever the file changes, without
// issuing a network refresh. This covers a sibling process rotating the
// refresh token on disk out from under the gateway. The returned watcher
// should be closed on shutdown; a nil watcher and nil error are returned
// when credsFile names no local file to watch.
func (p *Principal) WatchCredsFile() (*fsnotify.Watcher, error) {
	if p.credsFile == "" || strings.HasPrefix(p.credsFile, "http://") || strings.HasPrefix(p.credsFile, "https://") {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(p.credsFile); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				p.reloadFromDisk()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("credentials file watch error", "error", err)
			}
		}
	}()

	return watcher, nil
}

func (p *Principal) reloadFromDisk() {
	raw, err := readLocalFile(p.credsFile)
	if err != nil {
		slog.Warn("failed to re-read credentials file", "path", p.credsFile, "error", err)
		return
	}
	var shape credsFileShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		slog.Warn("failed to parse credentials file after change", "path", p.credsFile, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if shape.RefreshToken != "" {
		p.RefreshToken = shape.RefreshToken
	}
	if shape.AccessToken != "" {
		p.AccessToken = shape.AccessToken
	}
	if shape.ProfileArn != "" {
		p.ProfileArn = shape.ProfileArn
	}
	if shape.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, shape.ExpiresAt); err == nil {
			p.ExpiresAt = t
		}
	}
	slog.Debug("reloaded credentials from disk", "path", p.credsFile)
}
