package storage

import (
	"io/fs"
	"os"
	"path/filepath"
)

// sqliteSidecars are the files SQLite keeps next to a database in WAL mode.
var sqliteSidecars = []string{"-wal", "-shm", "-journal"}

// DiskUsage returns the size in bytes of each state path and their total.
// A path may be a SQLite database, whose WAL and shared-memory files are
// counted with it, or a directory such as a log index, summed recursively.
// Missing paths count as zero.
func DiskUsage(paths ...string) (map[string]int64, int64, error) {
	usage := make(map[string]int64, len(paths))
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, seen := usage[p]; seen {
			continue
		}
		n, err := pathSize(p)
		if err != nil {
			return nil, 0, err
		}
		usage[p] = n
		total += n
	}
	return usage, total, nil
}

func pathSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return dirSize(p)
	}
	n := info.Size()
	for _, suffix := range sqliteSidecars {
		if side, err := os.Stat(p + suffix); err == nil {
			n += side.Size()
		}
	}
	return n, nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
