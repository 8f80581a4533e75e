// Package workspace derives and provisions the identity-scoped local directory
// contract the workload runs against.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/quatton/rvcsync/pkg/identity"
	"github.com/quatton/rvcsync/pkg/qerr"
)

// Paths holds root-relative directory templates ({user}, {model} placeholders)
// and the fixed alias names the workload expects.
type Paths struct {
	Models      string
	Input       string
	Output      string
	Logs        string
	InputAlias  string
	OutputAlias string
}

// Workspace is the set of absolute local paths for one identity.
type Workspace struct {
	Root        string
	ModelsDir   string
	InputDir    string
	OutputDir   string
	LogDir      string
	InputAlias  string
	OutputAlias string
}

// New derives the workspace for id under root. Nothing is created on disk.
func New(root string, p Paths, id identity.WorkerIdentity) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, qerr.New(qerr.CodeWorkspace, fmt.Errorf("resolving workspace root %s: %w", root, err))
	}
	join := func(tmpl string) string {
		return filepath.Join(absRoot, filepath.FromSlash(id.Expand(tmpl)))
	}
	return &Workspace{
		Root:        absRoot,
		ModelsDir:   join(p.Models),
		InputDir:    join(p.Input),
		OutputDir:   join(p.Output),
		LogDir:      join(p.Logs),
		InputAlias:  filepath.Join(absRoot, p.InputAlias),
		OutputAlias: filepath.Join(absRoot, p.OutputAlias),
	}, nil
}

// Ensure creates the four directories and points both aliases at them.
// Safe to call repeatedly; existing directory contents are left alone.
func (w *Workspace) Ensure() error {
	for _, dir := range []string{w.ModelsDir, w.InputDir, w.OutputDir, w.LogDir} {
		if err := EnsureDir(dir); err != nil {
			return err
		}
	}
	if err := EnsureAlias(w.InputAlias, w.InputDir); err != nil {
		return err
	}
	return EnsureAlias(w.OutputAlias, w.OutputDir)
}

// LogPath returns the path of name inside the log directory.
func (w *Workspace) LogPath(name string) string {
	return filepath.Join(w.LogDir, name)
}

// EnsureDir creates dir (and parents) if it does not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to create directory %s: %w", dir, err))
	}
	return nil
}

// EnsureAlias makes alias a symlink to target. An existing link is swapped
// atomically via rename, so the alias never disappears; a real directory or
// file in the way is removed first.
func EnsureAlias(alias, target string) error {
	fi, err := os.Lstat(alias)
	switch {
	case err == nil && fi.Mode()&os.ModeSymlink != 0:
		if cur, err := os.Readlink(alias); err == nil && cur == target {
			return nil
		}
	case err == nil:
		if err := os.RemoveAll(alias); err != nil {
			return qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to remove %s before linking: %w", alias, err))
		}
	case !errors.Is(err, fs.ErrNotExist):
		return qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to inspect alias %s: %w", alias, err))
	}

	if err := os.MkdirAll(filepath.Dir(alias), 0o755); err != nil {
		return qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to create parent of %s: %w", alias, err))
	}

	tmp := alias + ".tmp-" + strconv.Itoa(os.Getpid())
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to create symlink %s -> %s: %w", tmp, target, err))
	}
	if err := os.Rename(tmp, alias); err != nil {
		_ = os.Remove(tmp)
		return qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to link %s -> %s: %w", alias, target, err))
	}
	return nil
}

// ClearDir removes everything inside dir but keeps dir itself.
func ClearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return EnsureDir(dir)
		}
		return qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to read %s: %w", dir, err))
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return qerr.New(qerr.CodeWorkspace, fmt.Errorf("failed to clear %s: %w", dir, err))
		}
	}
	return nil
}

// Listing returns the root-relative paths of every entry below dir, for
// diagnostics. A missing dir yields an empty listing.
func Listing(dir string) []string {
	var out []string
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == dir {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		if d.IsDir() {
			rel += string(filepath.Separator)
		}
		out = append(out, rel)
		return nil
	})
	return out
}
