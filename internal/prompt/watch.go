package prompt

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch re-verifies the soul file and skills directory whenever either
// changes on disk. Verification failures are audited by the managers; this
// loop only triggers them early. Blocks until ctx is cancelled.
func Watch(ctx context.Context, soul *Soul, skills *Skills, soulPath, skillsDir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if soulPath != "" {
		if err := watcher.Add(soulPath); err != nil {
			slog.Warn("prompt.watch.soul_failed", "path", soulPath, "error", err)
		}
	}
	if skillsDir != "" {
		if err := watcher.Add(skillsDir); err != nil {
			slog.Warn("prompt.watch.skills_failed", "path", skillsDir, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			slog.Debug("prompt.watch.event", "path", ev.Name, "op", ev.Op.String())
			if soul != nil {
				soul.Verify()
			}
			if skills != nil {
				skills.Verify()
			}
			// Editors often replace files; re-arm the soul watch after rename.
			if ev.Name == soulPath && ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				_ = watcher.Add(soulPath)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("prompt.watch.error", "error", err)
		}
	}
}
