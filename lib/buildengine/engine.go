// Package buildengine implements the Build Engine of spec §4.6: the
// dependency-ordered step DAG that pulls a base image's metadata, composes
// application layers locally, deduplicates uploads against the target
// registry's content-addressed storage, and produces one of three outputs —
// a registry push, a `docker load`-compatible tar streamed to a local
// daemon, or a tar written to a file.
//
// Steps are plain functions operating on futures (future.go); the DAG shape
// in spec §4.6's diagram is expressed directly as Go call structure plus
// errgroup-scheduled goroutines, rather than as a generic graph-of-nodes
// the caller must assemble — the same trade spec §9's design notes call for
// ("cyclic futures -> explicit DAG").
package buildengine

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	godigest "github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/kilnpack/kilnpack/lib/buildplan"
	"github.com/kilnpack/kilnpack/lib/cache"
	kilnotel "github.com/kilnpack/kilnpack/lib/otel"
	"github.com/kilnpack/kilnpack/lib/registry"
)

const instrumentationName = "github.com/kilnpack/kilnpack/lib/buildengine"

// DefaultConcurrency is the fallback when a Plan sets no ConcurrencyLimit;
// DefaultHTTPTimeout is the timeout of the HTTP client New creates when
// Config.HTTPClient is nil (spec §5).
const (
	DefaultConcurrency = 4
	DefaultHTTPTimeout = 20 * time.Second
)

// Config configures an Engine. The same Engine can run many builds; its
// registry clients (and their cached bearer tokens) are reused across them.
type Config struct {
	Cache       *cache.Store
	Credentials registry.CredentialSource
	Logger      *slog.Logger
	HTTPClient  *http.Client
	OnProgress  func(Event)
	// Tracer wraps each build phase in a span when set, mirroring the
	// teacher's per-subsystem TracerFor pattern. Nil is a valid no-op
	// tracer (otel.Tracer's default behavior when no SDK is registered).
	Tracer trace.Tracer
	// Meter backs the per-layer push counters recorded during PushLayers.
	// Nil falls back to the global meter the same way Tracer does.
	Meter metric.Meter
}

// Engine coordinates builds. Construct one per process (or per long-lived
// worker) and call Run once per build.
type Engine struct {
	cache       *cache.Store
	credentials registry.CredentialSource
	log         *slog.Logger
	httpClient  *http.Client
	onProgress  func(Event)
	tracer      trace.Tracer
	meter       metric.Meter

	layerBytesPushed metric.Int64Counter
	layerOperations  metric.Int64Counter

	mu      sync.Mutex
	clients map[string]*registry.Client
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	layerBytesPushed, err := meter.Int64Counter(
		"kilnpack_layer_bytes_pushed",
		metric.WithDescription("Bytes actually uploaded to a target registry by PushLayers (excludes mounted/cached layers)"),
		metric.WithUnit("By"),
	)
	if err != nil {
		log.Warn("failed to create layer bytes pushed counter", "error", err)
	}
	layerOperations, err := meter.Int64Counter(
		"kilnpack_layer_operations_total",
		metric.WithDescription("PushLayers decisions per layer, labeled by kilnpack.layer_source (cached, mounted, uploaded)"),
	)
	if err != nil {
		log.Warn("failed to create layer operations counter", "error", err)
	}

	return &Engine{
		cache:            cfg.Cache,
		credentials:      cfg.Credentials,
		log:              log,
		httpClient:       httpClient,
		onProgress:       cfg.OnProgress,
		tracer:           tracer,
		meter:            meter,
		layerBytesPushed: layerBytesPushed,
		layerOperations:  layerOperations,
		clients:          make(map[string]*registry.Client),
	}
}

// SetOnProgress replaces the Engine's progress callback. Exists because
// cmd/kilnctl only learns a build's ID (and so can only build a callback
// that writes into that build's log file) after the Engine is already
// constructed by wire; a long-lived daemon mode driving many builds would
// set OnProgress once via Config instead and never call this.
func (e *Engine) SetOnProgress(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onProgress = fn
}

// clientFor returns (creating and caching if necessary) the registry.Client
// for host. insecureAllowed is honored only the first time a given host is
// seen; a build plan's insecure-host list is assumed stable for the
// Engine's lifetime.
func (e *Engine) clientFor(host string, insecureAllowed bool) *registry.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[host]; ok {
		return c
	}
	opts := []registry.Option{
		registry.WithHTTPClient(e.httpClient),
		registry.WithCredentials(e.credentials),
		registry.WithLogger(e.log.With("subsystem", "REGISTRY", "host", host)),
	}
	if insecureAllowed {
		opts = append(opts, registry.WithInsecure())
	}
	c := registry.New(host, opts...)
	e.clients[host] = c
	return c
}

// run holds the mutable state of a single build, so Engine itself stays
// reusable and race-free across concurrent builds.
type run struct {
	engine  *Engine
	plan    *buildplan.Plan
	buildID string
	tracker *Tracker
	log     *slog.Logger
	sem     *semaphore.Weighted

	baseClient   *registry.Client
	targetClient *registry.Client

	baseDiffIDs map[godigest.Digest]godigest.Digest
}

func (r *run) diffIDForBaseLayer(d godigest.Digest) godigest.Digest {
	return r.baseDiffIDs[d]
}

// span starts a trace span named after a build phase, following the
// teacher's per-subsystem tracer convention (otel.Config/Provider.TracerFor
// in lib/otel) generalized from "per package" to "per build phase".
func (r *run) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.engine.tracer.Start(ctx, "buildengine."+name, trace.WithAttributes(attrs...))
}

// recordLayerOperation increments the layer-source counter and, for an
// uploaded layer, the bytes-pushed counter, tagged with the same
// kilnpack.build_id attribute the run's spans carry so traces and metrics
// for one build line up in a dashboard.
func (r *run) recordLayerOperation(ctx context.Context, source string, digest godigest.Digest, bytes int64) {
	attrs := metric.WithAttributes(
		kilnotel.AttrBuildID.String(r.buildID),
		kilnotel.AttrLayerSource.String(source),
		kilnotel.AttrLayerDigest.String(digest.String()),
	)
	if r.engine.layerOperations != nil {
		r.engine.layerOperations.Add(ctx, 1, attrs)
	}
	if source == "uploaded" && r.engine.layerBytesPushed != nil {
		r.engine.layerBytesPushed.Add(ctx, bytes, attrs)
	}
}

func (e *Engine) newRun(plan *buildplan.Plan, buildID string) *run {
	e.mu.Lock()
	onProgress := e.onProgress
	e.mu.Unlock()
	tracker := NewTracker(buildID, onProgress, 100*time.Millisecond)
	for _, s := range []string{
		"PullBaseManifest", "PullBaseConfig", "BuildApplicationLayers", "AuthenticatePush",
		"PushLayers", "BuildContainerConfig", "PushContainerConfig", "PushManifest",
	} {
		tracker.Allocate(s, 1)
	}
	r := &run{
		engine:  e,
		plan:    plan,
		buildID: buildID,
		tracker: tracker,
		log:     e.log.With("subsystem", "BUILD_ENGINE", "build_id", buildID),
	}
	r.sem = semaphore.NewWeighted(int64(plan.EffectiveConcurrency(DefaultConcurrency)))
	r.baseClient = e.clientFor(plan.BaseImage.Registry, plan.InsecureAllowed(plan.BaseImage.Registry))
	r.targetClient = e.clientFor(plan.TargetImage.Registry, plan.InsecureAllowed(plan.TargetImage.Registry))
	return r
}

// withSlot runs fn while holding one concurrency-limiter slot, for steps
// the DAG allows to run in parallel with their siblings (spec §5's
// "configurable concurrency limit").
func (r *run) withSlot(ctx context.Context, fn func() error) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	return fn()
}

func (r *run) deadlineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.plan.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, r.plan.Deadline)
}

// Run executes plan to completion and returns the resulting image's
// manifest and config digests. buildID names this build's log file (lib/xdg
// BuildLog) and progress stream.
func (e *Engine) Run(ctx context.Context, plan *buildplan.Plan, buildID string) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, invalidPlanErr(err)
	}
	r := e.newRun(plan, buildID)
	ctx, cancel := r.deadlineCtx(ctx)
	defer cancel()
	return r.execute(ctx)
}

func invalidPlanErr(err error) error {
	return &Error{Kind: KindInvalidImageReference, Step: "ValidatePlan", Err: err}
}
