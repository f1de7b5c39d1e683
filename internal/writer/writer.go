// Package writer implements the atomic, per-file comparison-and-commit
// manifestation step of spec.md §4.6: compare candidate content against
// what's on disk by SHA-1, and only on a difference replace the file
// atomically through a temporary sibling and rename.
package writer

import (
	"crypto/sha1" //nolint:gosec // content-comparison digest, not used for security
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/gocardless/rconfd/internal/rerror"
)

// Output is one file the manifestation pipeline wants on disk.
type Output struct {
	AbsPath string
	Content []byte
	Mode    os.FileMode
	// User is the owning user name; applied only when Privileged.
	User string
}

// Writer applies Outputs to disk.
type Writer struct {
	// Privileged indicates the process can chown files; skipped silently
	// otherwise, per spec.md §4.6.
	Privileged bool
}

// Result reports whether content actually changed.
type Result struct {
	Changed bool
	SHA1    [20]byte
}

// Write compares o.Content against the current file at o.AbsPath by SHA-1
// (a fresh digest of the existing file short-circuits large-file byte
// comparisons) and, on a difference, replaces it atomically: write to
// "<target>.rconfd.tmp.<pid>.<rand>" in the same directory, fsync, chmod,
// optionally chown, then rename over the target. Any failure removes the
// temp file and returns rerror.KindIO.
func (w Writer) Write(o Output) (Result, error) {
	candidateSum := sha1.Sum(o.Content) //nolint:gosec

	if existing, err := os.ReadFile(o.AbsPath); err == nil {
		if len(existing) == len(o.Content) && sha1.Sum(existing) == candidateSum { //nolint:gosec
			return Result{Changed: false, SHA1: candidateSum}, nil
		}
	}

	dir := filepath.Dir(o.AbsPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, rerror.Wrapf(rerror.KindIO, err, "failed to create directory %q", dir)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf("%s.rconfd.tmp.%d.%s", filepath.Base(o.AbsPath), os.Getpid(), uuid.NewString()))

	if err := w.writeTemp(tmpPath, o); err != nil {
		os.Remove(tmpPath)
		return Result{}, err
	}

	if err := os.Rename(tmpPath, o.AbsPath); err != nil {
		os.Remove(tmpPath)
		return Result{}, rerror.Wrapf(rerror.KindIO, err, "failed to rename %q to %q", tmpPath, o.AbsPath)
	}

	return Result{Changed: true, SHA1: candidateSum}, nil
}

func (w Writer) writeTemp(tmpPath string, o Output) error {
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, o.Mode)
	if err != nil {
		return rerror.Wrapf(rerror.KindIO, err, "failed to create temp file %q", tmpPath)
	}
	defer f.Close()

	if _, err := f.Write(o.Content); err != nil {
		return rerror.Wrapf(rerror.KindIO, err, "failed to write temp file %q", tmpPath)
	}

	if err := f.Sync(); err != nil {
		return rerror.Wrapf(rerror.KindIO, err, "failed to fsync temp file %q", tmpPath)
	}

	if err := os.Chmod(tmpPath, o.Mode); err != nil {
		return rerror.Wrapf(rerror.KindIO, err, "failed to chmod temp file %q", tmpPath)
	}

	if w.Privileged && o.User != "" {
		if err := chown(tmpPath, o.User); err != nil {
			return rerror.Wrapf(rerror.KindIO, err, "failed to chown temp file %q to %q", tmpPath, o.User)
		}
	}

	return nil
}

func chown(path, userName string) error {
	u, err := user.Lookup(userName)
	if err != nil {
		return err
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}

	return os.Chown(path, uid, gid)
}
