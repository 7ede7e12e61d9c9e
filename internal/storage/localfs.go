package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is returned when the history database would live on a
// shared mount. SQLite locking is unreliable there, and simulation farms
// usually keep project trees on NFS, Lustre or GPFS.
var ErrNetworkFilesystem = errors.New("history database is on a network filesystem")

var sharedFilesystems = map[string]struct{}{
	"9p":         {},
	"afs":        {},
	"ceph":       {},
	"cifs":       {},
	"fuse.sshfs": {},
	"glusterfs":  {},
	"gpfs":       {},
	"lustre":     {},
	"nfs":        {},
	"nfs4":       {},
	"smb3":       {},
	"smbfs":      {},
}

const mountTable = "/proc/self/mounts"

func checkLocal(path string) error {
	f, err := os.Open(mountTable)
	if err != nil {
		// No mount table outside Linux; treat the disk as local.
		return nil
	}
	defer f.Close()
	return checkLocalIn(resolveExisting(path), f)
}

func checkLocalIn(path string, table io.Reader) error {
	fsType, mountPoint := mountFor(path, table)
	if _, shared := sharedFilesystems[strings.ToLower(fsType)]; shared {
		return fmt.Errorf("%w: %s is under %s mount %s; set history.path to a local disk or run with --no-history",
			ErrNetworkFilesystem, path, fsType, mountPoint)
	}
	return nil
}

// mountFor returns the filesystem type and mount point holding path. The
// longest matching mount point wins; later entries shadow earlier ones.
func mountFor(path string, table io.Reader) (fsType, mountPoint string) {
	sc := bufio.NewScanner(table)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		mp := mountUnescaper.Replace(fields[1])
		if !under(path, mp) || len(mp) < len(mountPoint) {
			continue
		}
		mountPoint, fsType = mp, fields[2]
	}
	return fsType, mountPoint
}

var mountUnescaper = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

func under(path, mountPoint string) bool {
	if mountPoint == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == mountPoint || strings.HasPrefix(path, mountPoint+"/")
}

// resolveExisting follows symlinks in the deepest existing ancestor of path,
// so a link into a shared mount is judged by its target.
func resolveExisting(path string) string {
	dir, rest := path, ""
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return path
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}
