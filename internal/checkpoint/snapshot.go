package checkpoint

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultMaxSnapshots = 20

// snapshotter persists one JSON file per requested checkpoint so operators
// can inspect pending decisions without replaying the event log. The
// directory is bounded: once more than max snapshot files exist, the oldest
// are removed first.
type snapshotter struct {
	dir string
	max int
	log *slog.Logger
}

func newSnapshotter(dir string, max int) *snapshotter {
	if max <= 0 {
		max = defaultMaxSnapshots
	}
	return &snapshotter{dir: dir, max: max, log: slog.With("component", "checkpoint")}
}

func (s *snapshotter) write(cp Checkpoint) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.log.Warn("failed to create checkpoint snapshot dir", "dir", s.dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		s.log.Warn("failed to marshal checkpoint snapshot", "checkpoint_id", cp.ID, "error", err)
		return
	}
	path := filepath.Join(s.dir, cp.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Warn("failed to write checkpoint snapshot", "path", path, "error", err)
		return
	}
	s.prune()
}

// prune removes the oldest snapshot files beyond the configured bound.
func (s *snapshotter) prune() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	type snap struct {
		name string
		mod  int64
	}
	var snaps []snap
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if len(snaps) <= s.max {
		return
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].mod < snaps[j].mod })
	for _, old := range snaps[:len(snaps)-s.max] {
		if err := os.Remove(filepath.Join(s.dir, old.name)); err != nil {
			s.log.Warn("failed to prune checkpoint snapshot", "name", old.name, "error", err)
		}
	}
}
