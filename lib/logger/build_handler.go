// Package logger provides structured logging with subsystem-specific levels
// and OpenTelemetry trace context integration.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BuildLogHandler wraps an slog.Handler and additionally writes logs that
// carry a "build_id" attribute to that build's own log file under the
// cache directory. This gives every build a self-contained log a caller can
// tail or ship, without the Build Engine having to open and thread a file
// handle through every step.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type BuildLogHandler struct {
	slog.Handler
	logPathFunc func(buildID string) string
	state       *sharedState
	// buildID is set by WithAttrs when a "build_id" attribute is attached
	// via logger.With(...) rather than passed on each call — slog.Record
	// only ever carries a call's own attrs, not ones accumulated through
	// With, so Handle alone can't see those.
	buildID string
}

// sharedState holds state that must be shared across all handler instances
// derived from the same parent via WithAttrs/WithGroup. Using a pointer
// ensures all derived handlers share the same mutex and file cache.
type sharedState struct {
	mu        sync.Mutex
	fileCache map[string]*os.File
}

// NewBuildLogHandler creates a new handler that wraps the given handler and
// writes build-related logs to per-build log files. logPathFunc should
// return the log file path for a given build ID (lib/xdg's BuildLog).
func NewBuildLogHandler(wrapped slog.Handler, logPathFunc func(buildID string) string) *BuildLogHandler {
	return &BuildLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
		state: &sharedState{
			fileCache: make(map[string]*os.File),
		},
	}
}

// Handle processes a log record, passing it to the wrapped handler and
// optionally writing to a per-build log file if a "build_id" attribute is
// present, either attached earlier via logger.With("build_id", ...) or
// passed directly on this call.
func (h *BuildLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	buildID := h.buildID
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "build_id" {
			buildID = a.Value.String()
			return false
		}
		return true
	})

	if buildID != "" {
		h.writeToBuildLog(buildID, r)
	}

	return nil
}

func (h *BuildLogHandler) writeToBuildLog(buildID string, r slog.Record) {
	timestamp := r.Time.Format(time.RFC3339)
	level := r.Level.String()
	msg := r.Message

	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "build_id" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	})

	line := fmt.Sprintf("%s %s %s", timestamp, level, msg)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	h.appendLine(buildID, line)
}

// WriteProgress appends a line reporting one Build Engine step's progress
// (buildengine.Tracker's throttled Event stream, unpacked by the caller so
// this package doesn't need to import lib/buildengine) to buildID's log
// file — the same file writeToBuildLog appends structured log records to,
// so replaying the file interleaves a build's logs and its step-by-step
// progress in the order they actually happened, instead of progress living
// only in an in-memory callback that's gone once the process exits.
func (h *BuildLogHandler) WriteProgress(buildID, step string, overall float64, message string) {
	line := fmt.Sprintf("%s PROGRESS step=%s overall=%.2f", time.Now().Format(time.RFC3339), step, overall)
	if message != "" {
		line += " message=" + message
	}
	line += "\n"
	h.appendLine(buildID, line)
}

// appendLine writes line to buildID's log file, opening and caching the
// file handle on first use. logPathFunc returning "" (no log directory
// configured) silently disables per-build log files rather than erroring,
// since they're observability, not correctness.
func (h *BuildLogHandler) appendLine(buildID, line string) {
	logPath := h.logPathFunc(buildID)
	if logPath == "" {
		return
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	f, ok := h.state.fileCache[buildID]
	if !ok {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return
		}

		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		h.state.fileCache[buildID] = f
	}

	f.WriteString(line)
}

// Enabled reports whether the handler handles records at the given level.
func (h *BuildLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

// WithAttrs returns a new handler with the given attributes, sharing state
// (mutex and file cache) with the parent. If attrs carries a "build_id", it
// is captured on the returned handler so Handle can see it even though
// slog.Record never will.
func (h *BuildLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	buildID := h.buildID
	for _, a := range attrs {
		if a.Key == "build_id" {
			buildID = a.Value.String()
		}
	}
	return &BuildLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		state:       h.state,
		buildID:     buildID,
	}
}

// WithGroup returns a new handler with the given group name, sharing state
// with the parent.
func (h *BuildLogHandler) WithGroup(name string) slog.Handler {
	return &BuildLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		state:       h.state,
		buildID:     h.buildID,
	}
}

// CloseBuildLog closes and removes a cached file handle for a build. Call
// this once the build finishes.
func (h *BuildLogHandler) CloseBuildLog(buildID string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if f, ok := h.state.fileCache[buildID]; ok {
		f.Close()
		delete(h.state.fileCache, buildID)
	}
}

// CloseAll closes all cached file handles. Call this during shutdown.
func (h *BuildLogHandler) CloseAll() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	for id, f := range h.state.fileCache {
		f.Close()
		delete(h.state.fileCache, id)
	}
}
