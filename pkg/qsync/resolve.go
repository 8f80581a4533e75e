package qsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quatton/rvcsync/pkg/qart"
	"github.com/quatton/rvcsync/pkg/qerr"
)

// InputReference records how the requested input name became a remote key.
type InputReference struct {
	RequestedName string
	ResolvedKey   string
	// Probed lists the keys checked for existence, in order. Empty when no probe was needed.
	Probed []string
}

// Resolver turns a possibly extension-less input name into an exact object key.
type Resolver struct {
	store      qart.Store
	prefix     string
	extensions []string
}

// NewResolver resolves names under prefix, probing extensions in order.
func NewResolver(store qart.Store, prefix string, extensions []string) *Resolver {
	return &Resolver{store: store, prefix: prefix, extensions: extensions}
}

// Resolve applies, in order:
//  1. a non-empty override is returned as the key, unchecked;
//  2. a requested name containing a dot maps to prefix+name, unchecked;
//  3. otherwise prefix+name.<ext> is probed for each candidate extension and
//     the first existing key wins.
//
// No match is a qerr.CodeResolution error. A probe failing for any reason
// other than not-found is a qerr.CodeSync error.
func (r *Resolver) Resolve(ctx context.Context, requested, override string) (InputReference, error) {
	ref := InputReference{RequestedName: requested}

	if override != "" {
		ref.ResolvedKey = override
		return ref, nil
	}
	if requested == "" {
		return ref, qerr.Newf(qerr.CodeConfiguration, "no input name given and INPUT_KEY is not set")
	}
	if strings.Contains(requested, ".") {
		ref.ResolvedKey = r.prefix + requested
		return ref, nil
	}

	for _, ext := range r.extensions {
		key := r.prefix + requested + "." + strings.TrimPrefix(ext, ".")
		ref.Probed = append(ref.Probed, key)

		_, err := r.store.Stat(ctx, key)
		if err == nil {
			ref.ResolvedKey = key
			return ref, nil
		}
		if !errors.Is(err, qart.ErrNotFound) {
			return ref, qerr.New(qerr.CodeSync, fmt.Errorf("probing %s: %w", key, err))
		}
	}

	return ref, qerr.Newf(qerr.CodeResolution,
		"input %q not found under %q; tried: %s. Upload the file with one of these names, "+
			"pass the full file name (e.g. --input %s.%s), or set INPUT_KEY to the exact object key",
		requested, r.prefix, strings.Join(ref.Probed, ", "), requested, firstOr(r.extensions, "wav"))
}

func firstOr(s []string, def string) string {
	if len(s) == 0 {
		return def
	}
	return s[0]
}
