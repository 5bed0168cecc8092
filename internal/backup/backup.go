package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Archive describes a single backup held by a Provider.
type Archive struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Provider is a destination that backup archives are shipped to.
type Provider interface {
	// Upload copies a local backup file to the destination and returns its key.
	Upload(ctx context.Context, localPath string) (key string, err error)

	// List returns the archives at the destination, newest first.
	List(ctx context.Context) ([]Archive, error)

	// Delete removes an archive by key.
	Delete(ctx context.Context, key string) error

	// Name identifies the provider in logs ("local", "s3").
	Name() string
}

// Prune deletes archives beyond the newest keep from p and returns how many
// were removed. keep <= 0 means unlimited retention.
func Prune(ctx context.Context, p Provider, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	archives, err := p.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s backups for pruning: %w", p.Name(), err)
	}
	if len(archives) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, a := range archives[keep:] {
		if err := p.Delete(ctx, a.Key); err != nil {
			return deleted, fmt.Errorf("delete %s backup %s: %w", p.Name(), a.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

// Snapshotter produces a consistent copy of the console database.
type Snapshotter interface {
	Backup(ctx context.Context, destPath string) error
}

// ErrNoBackupDir is returned by Run when no local backup directory is configured.
var ErrNoBackupDir = errors.New("backup directory not configured (use -backup-dir flag)")

// Result reports what a single backup run produced.
type Result struct {
	Path     string            `json:"path"`
	Uploaded map[string]string `json:"uploaded,omitempty"` // provider name -> key
	Pruned   int               `json:"pruned"`
}

// Runner snapshots the database into a local directory, ships the file to
// every configured provider and applies retention.
type Runner struct {
	source    Snapshotter
	dir       string
	providers []Provider
	retention int
	now       func() time.Time
}

// NewRunner creates a Runner writing snapshots into dir.
func NewRunner(source Snapshotter, dir string, retention int, providers ...Provider) *Runner {
	return &Runner{
		source:    source,
		dir:       dir,
		providers: providers,
		retention: retention,
		now:       time.Now,
	}
}

// Run takes one backup. Upload or prune failures on one provider are logged
// and reported, but do not stop the others.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if r.dir == "" {
		return nil, ErrNoBackupDir
	}
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	path := filepath.Join(r.dir, fmt.Sprintf("backup-%s.db", r.now().UTC().Format("20060102-150405")))
	if err := r.source.Backup(ctx, path); err != nil {
		return nil, fmt.Errorf("snapshot database: %w", err)
	}
	slog.Info("database backup written", "path", path)

	res := &Result{Path: path, Uploaded: make(map[string]string)}
	var errs []error
	for _, p := range r.providers {
		key, err := p.Upload(ctx, path)
		if err != nil {
			slog.Error("backup upload failed", "provider", p.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		res.Uploaded[p.Name()] = key

		n, err := Prune(ctx, p, r.retention)
		res.Pruned += n
		if err != nil {
			slog.Error("backup prune failed", "provider", p.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// LocalProvider keeps archives in the local backup directory. Upload is a
// no-op since Runner already wrote the file there; it exists so the local
// copies get the same retention as remote ones.
type LocalProvider struct {
	dir string
}

// NewLocalProvider creates a provider over dir.
func NewLocalProvider(dir string) *LocalProvider {
	return &LocalProvider{dir: dir}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Upload(_ context.Context, localPath string) (string, error) {
	if filepath.Dir(localPath) != filepath.Clean(p.dir) {
		return "", fmt.Errorf("backup %s is outside %s", localPath, p.dir)
	}
	return filepath.Base(localPath), nil
}

func (p *LocalProvider) List(_ context.Context) ([]Archive, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var archives []Archive
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "backup-") || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		archives = append(archives, Archive{Key: e.Name(), Size: info.Size(), LastModified: info.ModTime()})
	}

	// Names embed a sortable timestamp, so name order is age order.
	sort.Slice(archives, func(i, j int) bool { return archives[i].Key > archives[j].Key })
	return archives, nil
}

func (p *LocalProvider) Delete(_ context.Context, key string) error {
	if key != filepath.Base(key) {
		return fmt.Errorf("invalid backup key %q", key)
	}
	return os.Remove(filepath.Join(p.dir, key))
}
