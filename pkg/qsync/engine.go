// Package qsync moves models and inputs down from the object store before a
// run and pushes outputs and logs back up afterwards.
package qsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/quatton/rvcsync/pkg/qart"
	"github.com/quatton/rvcsync/pkg/qerr"
	"github.com/quatton/rvcsync/pkg/qlog"
	"github.com/quatton/rvcsync/pkg/workspace"
)

// Engine executes directives against a Store, one at a time and in order.
type Engine struct {
	store    qart.Store
	log      *qlog.Logger
	retries  int
	interval time.Duration
	metadata map[string]string
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger used for per-transfer progress.
func WithLogger(log *qlog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithRetries retries each failing transfer up to n more times, waiting
// interval between attempts. Zero (the default) fails on the first error.
func WithRetries(n int, interval time.Duration) Option {
	return func(e *Engine) {
		e.retries = n
		e.interval = interval
	}
}

// WithMetadata attaches user metadata to every uploaded object.
func WithMetadata(md map[string]string) Option {
	return func(e *Engine) {
		e.metadata = md
	}
}

func NewEngine(store qart.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		log:      qlog.Discard(),
		interval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Report counts what a directive did.
type Report struct {
	Transferred int
	Skipped     int
	Removed     int
}

// Download runs download directives in order and stops at the first failure.
// Every returned error carries qerr.CodeSync.
func (e *Engine) Download(ctx context.Context, directives []Directive) error {
	for _, d := range directives {
		if d.Direction != Download {
			return qerr.Newf(qerr.CodeSync, "directive %s is not a download", d)
		}
		if d.Policy != Mirror && d.Policy != Additive {
			return qerr.Newf(qerr.CodeSync, "directive %s has unknown delete policy %q", d, d.Policy)
		}

		start := time.Now()
		var (
			rep Report
			err error
		)
		if d.Key != "" {
			rep, err = e.downloadObject(ctx, d)
		} else {
			rep, err = e.downloadTree(ctx, d)
		}
		if err != nil {
			return qerr.New(qerr.CodeSync, fmt.Errorf("download %s: %w", d.Kind, err))
		}
		e.log.Info("download complete", "kind", d.Kind, "fetched", rep.Transferred, "unchanged", rep.Skipped,
			"removed", rep.Removed, "took", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// Upload runs every upload directive even if an earlier one fails, so a
// failed output push does not also lose the logs. Remote objects are never
// deleted, so only Additive upload directives are accepted.
func (e *Engine) Upload(ctx context.Context, directives []Directive) error {
	var errs []error
	for _, d := range directives {
		if d.Direction != Upload {
			errs = append(errs, fmt.Errorf("directive %s is not an upload", d))
			continue
		}
		if d.Policy != Additive {
			errs = append(errs, fmt.Errorf("directive %s: uploads never delete remote objects, policy must be %q", d, Additive))
			continue
		}

		var (
			rep Report
			err error
		)
		if d.Key != "" {
			rep, err = e.uploadObject(ctx, d)
		} else {
			rep, err = e.uploadTree(ctx, d)
		}
		if err != nil {
			e.log.Warn("upload failed", "kind", d.Kind, "error", err)
			errs = append(errs, fmt.Errorf("upload %s: %w", d.Kind, err))
			continue
		}
		e.log.Info("upload complete", "kind", d.Kind, "pushed", rep.Transferred, "unchanged", rep.Skipped)
	}
	return qerr.New(qerr.CodeSync, errors.Join(errs...))
}

// downloadObject fetches one object into d.Local. Mirror empties the
// directory first so the object is the only file in it.
func (e *Engine) downloadObject(ctx context.Context, d Directive) (Report, error) {
	if d.Policy == Mirror {
		if err := workspace.ClearDir(d.Local); err != nil {
			return Report{}, err
		}
	}
	dst := filepath.Join(d.Local, path.Base(d.Key))
	e.log.Debug("fetching object", "key", d.Key, "path", dst)
	if err := e.retry(ctx, func() error { return e.store.Download(ctx, d.Key, dst) }); err != nil {
		return Report{}, err
	}
	return Report{Transferred: 1}, nil
}

// downloadTree fetches new and changed objects under d.Prefix. Mirror also
// removes local files the remote no longer has.
func (e *Engine) downloadTree(ctx context.Context, d Directive) (Report, error) {
	var rep Report

	var objects []qart.Object
	err := e.retry(ctx, func() error {
		var err error
		objects, err = e.store.List(ctx, d.Prefix)
		return err
	})
	if err != nil {
		return rep, fmt.Errorf("listing %s: %w", d.Prefix, err)
	}

	keep := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, d.Prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			e.log.Warn("skipping object outside prefix", "key", obj.Key)
			continue
		}
		local := filepath.Join(d.Local, filepath.FromSlash(rel))
		keep[local] = struct{}{}

		if localUpToDate(local, obj) {
			rep.Skipped++
			continue
		}
		e.log.Debug("fetching object", "key", obj.Key, "size", obj.Size)
		if err := e.retry(ctx, func() error { return e.store.Download(ctx, obj.Key, local) }); err != nil {
			return rep, err
		}
		rep.Transferred++
	}

	if d.Policy != Mirror {
		return rep, nil
	}

	err = filepath.WalkDir(d.Local, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if _, ok := keep[p]; ok {
			return nil
		}
		if err := os.Remove(p); err != nil {
			return err
		}
		rep.Removed++
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("pruning %s: %w", d.Local, err)
	}
	return rep, nil
}

func (e *Engine) uploadTree(ctx context.Context, d Directive) (Report, error) {
	var (
		rep  Report
		errs []error
	)

	err := filepath.WalkDir(d.Local, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == d.Local {
				return nil
			}
			errs = append(errs, err)
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		rel, err := filepath.Rel(d.Local, p)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		key := d.Prefix + filepath.ToSlash(rel)

		remote, err := e.stat(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", key, err))
			return nil
		}
		if remoteUpToDate(remote, info) {
			rep.Skipped++
			return nil
		}

		if err := e.put(ctx, key, p); err != nil {
			errs = append(errs, err)
			return nil
		}
		rep.Transferred++
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return rep, errors.Join(errs...)
}

func (e *Engine) uploadObject(ctx context.Context, d Directive) (Report, error) {
	if err := e.put(ctx, d.Key, d.Local); err != nil {
		return Report{}, err
	}
	return Report{Transferred: 1}, nil
}

func (e *Engine) put(ctx context.Context, key, p string) error {
	contentType := mime.TypeByExtension(filepath.Ext(p))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	e.log.Debug("pushing object", "key", key, "path", p)
	return e.retry(ctx, func() error {
		_, err := e.store.Upload(ctx, key, p, contentType, e.metadata)
		return err
	})
}

// stat returns nil, nil when key does not exist.
func (e *Engine) stat(ctx context.Context, key string) (*qart.Object, error) {
	var obj *qart.Object
	err := e.retry(ctx, func() error {
		var err error
		obj, err = e.store.Stat(ctx, key)
		return err
	})
	if errors.Is(err, qart.ErrNotFound) {
		return nil, nil
	}
	return obj, err
}

// retry runs op with the configured bounded retry. Not-found is never retried.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(e.interval)
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(e.retries, 0))), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if errors.Is(err, qart.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		e.log.Warn("transfer failed, retrying", "error", err, "wait", wait)
	})
}

func localUpToDate(local string, obj qart.Object) bool {
	fi, err := os.Stat(local)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return fi.Size() == obj.Size && !fi.ModTime().Before(obj.LastModified)
}

func remoteUpToDate(remote *qart.Object, local fs.FileInfo) bool {
	if remote == nil {
		return false
	}
	return remote.Size == local.Size() && !remote.LastModified.Before(local.ModTime())
}
