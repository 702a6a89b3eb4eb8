package buildengine

import (
	"errors"
	"fmt"

	"github.com/kilnpack/kilnpack/lib/cache"
	"github.com/kilnpack/kilnpack/lib/registry"
)

// Kind classifies a build failure into the structured categories spec §7
// names, so callers can branch on *what went wrong* instead of matching
// error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidImageReference
	KindUnauthorized
	KindForbidden
	KindManifestNotFound
	KindBlobNotFound
	KindLayerCountMismatch
	KindBadContainerConfig
	KindDigestMismatch
	KindCacheCorrupted
	KindTransient
	KindOfflineMiss
)

func (k Kind) String() string {
	switch k {
	case KindInvalidImageReference:
		return "InvalidImageReference"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindManifestNotFound:
		return "ManifestNotFound"
	case KindBlobNotFound:
		return "BlobNotFound"
	case KindLayerCountMismatch:
		return "LayerCountMismatch"
	case KindBadContainerConfig:
		return "BadContainerConfig"
	case KindDigestMismatch:
		return "DigestMismatch"
	case KindCacheCorrupted:
		return "CacheCorrupted"
	case KindTransient:
		return "Transient"
	case KindOfflineMiss:
		return "OfflineMiss"
	default:
		return "Unknown"
	}
}

// Error wraps a step failure with its Kind and the name of the step that
// first failed, per spec §7's "naming the first failing step" requirement.
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrOfflineMiss is returned (wrapped in an *Error with Kind ==
// KindOfflineMiss) when offline mode needs a resource absent from cache.
var ErrOfflineMiss = errors.New("required resource is not cached; enable network or pre-populate the cache")

// classify maps a lower-level error (typically *registry.Error) onto a
// Kind, so step implementations don't each have to know the registry error
// vocabulary.
func classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrOfflineMiss) {
		return KindOfflineMiss
	}
	if errors.Is(err, errLayerCountMismatch) {
		return KindLayerCountMismatch
	}
	if errors.Is(err, errDigestMismatch) || errors.Is(err, cache.ErrDigestMismatch) {
		return KindDigestMismatch
	}
	if errors.Is(err, cache.ErrCorrupted) {
		return KindCacheCorrupted
	}
	var rerr *registry.Error
	if errors.As(err, &rerr) {
		switch {
		case errors.Is(rerr, registry.ErrUnauthorized):
			return KindUnauthorized
		case errors.Is(rerr, registry.ErrDenied):
			return KindForbidden
		case errors.Is(rerr, registry.ErrManifestUnknown):
			return KindManifestNotFound
		case errors.Is(rerr, registry.ErrBlobUnknown):
			return KindBlobNotFound
		case rerr.StatusCode == 429 || rerr.StatusCode >= 500:
			return KindTransient
		}
	}
	return KindUnknown
}

// step wraps err (if non-nil) into an *Error tagged with stepName and a
// Kind classified from err, leaving nil errors untouched.
func step(stepName string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: classify(err), Step: stepName, Err: err}
}
