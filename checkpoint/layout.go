// Package checkpoint implements the save/load engine: the on-disk shard
// layout of spec.md §4.7 and the range-intersection reassembly that lets a
// cluster restart with a different node count and still recover every row
// (original_source/kraken/io/saver.{h,cc}, checkpoint/checkpoint.{h,cc}).
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	modelInfoName    = "model.json"
	modelBinaryName  = "model.binary"
	routerInfoName   = "router.json"
	routerBinaryName = "router.binary"
	denseSuffix      = ".dense"
	sparseSuffix     = ".sparse"
	shardDirPrefix   = "shard_"
	tmpDirPrefix     = ".tmp-"

	// timestampLayout mirrors spec.md §4.7's <YYYY-MM-DD-HH-MM-SS> directory
	// name; it also happens to sort lexically in chronological order, which
	// sortedTimestampDirs relies on instead of parsing each name back into a
	// time.Time.
	timestampLayout = "2006-01-02-15-04-05"
)

// timestampNow formats the current time as the <YYYY-MM-DD-HH-MM-SS>
// snapshot directory name spec.md §4.7 fixes.
func timestampNow() string {
	return time.Now().UTC().Format(timestampLayout)
}

// shardDir returns the per-node root directory under saveDir, e.g.
// "<saveDir>/shard_3".
func shardDir(saveDir string, nodeID uint64) string {
	return filepath.Join(saveDir, shardDirPrefix+strconv.FormatUint(nodeID, 10))
}

// modelInfoPath / modelBinaryPath / routerInfoPath / routerBinaryPath name
// the fixed files inside one timestamped snapshot directory (spec.md §4.7).
func modelInfoPath(dir string) string    { return filepath.Join(dir, modelInfoName) }
func modelBinaryPath(dir string) string  { return filepath.Join(dir, modelBinaryName) }
func routerInfoPath(dir string) string   { return filepath.Join(dir, routerInfoName) }
func routerBinaryPath(dir string) string { return filepath.Join(dir, routerBinaryName) }

func denseTablePath(dir, name string) string  { return filepath.Join(dir, name+denseSuffix) }
func sparseTablePath(dir, name string) string { return filepath.Join(dir, name+sparseSuffix) }

// parseShardID extracts the node id from a "shard_<id>" directory name.
func parseShardID(name string) (uint64, bool) {
	if !strings.HasPrefix(name, shardDirPrefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(name, shardDirPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// modelShardIDs enumerates every "shard_<id>" directory directly under
// saveDir, sorted ascending — the first phase of the two-phase shard
// discovery spec.md §13 calls out (GetModelShardDirs in the original).
func modelShardIDs(saveDir string) ([]uint64, error) {
	entries, err := os.ReadDir(saveDir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read save dir %s: %w", saveDir, err)
	}
	var ids []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := parseShardID(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// sortedTimestampDirs returns every timestamped snapshot directory name
// directly under dir, oldest first, skipping any in-flight ".tmp-*" staging
// directory (GetSortedPartitionFolder's Go counterpart, minus the
// partition-index sort key since timestamps already sort lexically).
func sortedTimestampDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read shard dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), tmpDirPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// latestTimestampDir returns the newest snapshot directory under
// shard_<nodeID>, i.e. GetLatestShardDir.
func latestTimestampDir(saveDir string, nodeID uint64) (string, error) {
	dir := shardDir(saveDir, nodeID)
	names, err := sortedTimestampDirs(dir)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("checkpoint: no snapshots under %s", dir)
	}
	return filepath.Join(dir, names[len(names)-1]), nil
}

// pruneOldSnapshots removes timestamp directories under shard_<nodeID>
// beyond the newest maxSaveCount (spec.md §4.7: "retains at most
// max_save_count timestamped snapshots; older ones are removed before
// writing the new one"). Called after a new snapshot has already landed, so
// it keeps the newest maxSaveCount including the one just written.
func pruneOldSnapshots(saveDir string, nodeID uint64, maxSaveCount int) error {
	if maxSaveCount <= 0 {
		return nil
	}
	dir := shardDir(saveDir, nodeID)
	names, err := sortedTimestampDirs(dir)
	if err != nil {
		return err
	}
	if len(names) <= maxSaveCount {
		return nil
	}
	for _, stale := range names[:len(names)-maxSaveCount] {
		if err := os.RemoveAll(filepath.Join(dir, stale)); err != nil {
			return fmt.Errorf("checkpoint: prune %s: %w", stale, err)
		}
	}
	return nil
}
