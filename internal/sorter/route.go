package sorter

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// BackupDirName is the directory under the output root that receives
// backups of the originals.
const BackupDirName = "backup"

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// maxNameAttempts bounds the collision suffix search.
	maxNameAttempts = 10000
)

// Actions recorded in an Outcome.
const (
	ActionMoved   = "moved"
	ActionCopied  = "copied"
	ActionDryRun  = "dry_run"
	ActionSkipped = "skipped"
	ActionFailed  = "failed"
)

var (
	// ErrInvalidLabel is returned for a label that cannot be used as a
	// directory name.
	ErrInvalidLabel = errors.New("invalid classification label")
	errNoFreeName   = errors.New("no free destination name")
)

type (
	// Router places classified images into the output tree.
	Router struct {
		outputDir string
		copy      bool
		dryRun    bool
		backup    bool
		rename    func(oldpath, newpath string) error
		log       *log.Logger
	}

	// RouterOptions configures a Router.
	RouterOptions struct {
		OutputDir string // Root of the sorted output tree.
		Copy      bool   // Copy instead of move.
		DryRun    bool   // Log intended actions only.
		Backup    bool   // Copy the original to OutputDir/backup first.
	}

	// Routed describes where an image went.
	Routed struct {
		Action      string
		Destination string
		Backup      string
	}
)

// NewRouter returns a Router.
func NewRouter(opts RouterOptions, logger *log.Logger) *Router {
	return &Router{
		outputDir: opts.OutputDir,
		copy:      opts.Copy,
		dryRun:    opts.DryRun,
		backup:    opts.Backup,
		rename:    os.Rename,
		log:       logger,
	}
}

// DestinationDir returns output/gender/ethnicity/bracket for c.
func (r *Router) DestinationDir(c Classification) (string, error) {
	gender, err := safeSegment(c.Gender)
	if err != nil {
		return "", fmt.Errorf("gender: %w", err)
	}
	ethnicity, err := safeSegment(c.Ethnicity)
	if err != nil {
		return "", fmt.Errorf("ethnicity: %w", err)
	}
	return filepath.Join(r.outputDir, gender, ethnicity, c.Bracket()), nil
}

// Route copies or moves src into the directory matching c, keeping name as
// the file name. Existing files are never overwritten: a numeric suffix is
// added instead (a.jpg, a-1.jpg, a-2.jpg, ...). In dry-run mode the
// intended actions are only logged.
func (r *Router) Route(src, name string, c Classification) (Routed, error) {
	dir, err := r.DestinationDir(c)
	if err != nil {
		return Routed{}, err
	}
	dest := filepath.Join(dir, name)
	backupDir := filepath.Join(r.outputDir, BackupDirName)

	action := ActionMoved
	if r.copy {
		action = ActionCopied
	}

	// Simulate only; no directories are created either.
	if r.dryRun {
		routed := Routed{Action: ActionDryRun, Destination: freeName(dest)}
		if r.backup {
			routed.Backup = freeName(filepath.Join(backupDir, name))
			r.log.WithFields(log.Fields{"type": "DRY RUN", "src": src, "dest": routed.Backup}).Info("Would have backed up file")
		}
		r.log.WithFields(log.Fields{"type": "DRY RUN", "src": src, "dest": routed.Destination, "action": action}).
			Info("Would have routed file")
		return routed, nil
	}

	// Create the destination directory; concurrent creation is fine.
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return Routed{}, fmt.Errorf("create destination dir: %w", err)
	}

	routed := Routed{Action: action}

	// Back up the original before touching it.
	if r.backup {
		if err := os.MkdirAll(backupDir, dirPerm); err != nil {
			return Routed{}, fmt.Errorf("create backup dir: %w", err)
		}
		backupPath, err := reserveName(filepath.Join(backupDir, name))
		if err != nil {
			return Routed{}, fmt.Errorf("reserve backup: %w", err)
		}
		if err := copyFile(src, backupPath); err != nil {
			_ = os.Remove(backupPath)
			return Routed{}, fmt.Errorf("backup: %w", err)
		}
		routed.Backup = backupPath
		r.log.WithFields(log.Fields{"type": "BACKUP", "src": src, "dest": backupPath}).Debug("Backed up file")
	}

	dest, err = reserveName(dest)
	if err != nil {
		return routed, fmt.Errorf("reserve destination: %w", err)
	}

	if r.copy {
		err = copyFile(src, dest)
	} else {
		err = moveFile(r.rename, src, dest)
	}
	if err != nil {
		_ = os.Remove(dest)
		return routed, fmt.Errorf("%s: %w", action, err)
	}

	routed.Destination = dest
	r.log.WithFields(log.Fields{"type": strings.ToUpper(action), "src": src, "dest": dest}).Debug("Routed file")

	return routed, nil
}

// safeSegment turns an analyzer label into a single path element.
func safeSegment(label string) (string, error) {
	s := strings.TrimSpace(label)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, `\`, "_")
	if s == "" || s == "." || s == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return s, nil
}

// candidateName returns path with the n-th collision suffix.
func candidateName(path string, n int) string {
	if n == 0 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(path, ext), n, ext)
}

// reserveName atomically creates an empty file at the first free candidate
// name and returns it.
func reserveName(path string) (string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		candidate := candidateName(path, i)
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if err == nil {
			return candidate, f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", errNoFreeName, path)
}

// freeName returns the name reserveName would currently pick, without
// creating anything.
func freeName(path string) string {
	for i := 0; i < maxNameAttempts; i++ {
		candidate := candidateName(path, i)
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
	return path
}

// copyFile copies the contents and permission bits of src into dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return os.Chmod(dst, info.Mode().Perm())
}

// moveFile renames src to dst, falling back to copy and delete when they
// live on different devices.
func moveFile(rename func(oldpath, newpath string) error, src, dst string) error {
	err := rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
