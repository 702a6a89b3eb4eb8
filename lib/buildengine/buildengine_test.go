package buildengine

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	godigest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kilnpack/kilnpack/lib/buildplan"
	"github.com/kilnpack/kilnpack/lib/cache"
	"github.com/kilnpack/kilnpack/lib/image"
	"github.com/kilnpack/kilnpack/lib/registry"
)

// --- future ---

func TestFutureGetBlocksUntilResolve(t *testing.T) {
	f := newFuture[int]()
	done := make(chan struct{})
	go func() {
		v, err := f.get(context.Background())
		require.NoError(t, err)
		require.Equal(t, 42, v)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("get returned before resolve")
	case <-time.After(20 * time.Millisecond):
	}

	f.resolve(42, nil)
	<-done
}

func TestFutureGetRespectsContextCancellation(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.get(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

// --- progress tracker ---

func TestTrackerOverallFractionAcrossSteps(t *testing.T) {
	var events []Event
	var mu sync.Mutex
	tr := NewTracker("build-1", func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, 0)
	tr.Allocate("a", 1)
	tr.Allocate("b", 1)

	tr.Complete("a", "done a")
	tr.Complete("b", "done b")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	require.Equal(t, "build-1", events[0].BuildID)
	require.Equal(t, 0.5, events[0].Overall)
	require.Equal(t, 1.0, events[1].Overall)
}

func TestTrackerCompleteOnUnknownStepIsNoop(t *testing.T) {
	tr := NewTracker("build-1", func(Event) { t.Fatal("should not be called") }, 0)
	tr.Complete("nonexistent", "")
}

// --- error classification ---

func TestClassifyMapsSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"offline miss", ErrOfflineMiss, KindOfflineMiss},
		{"layer count mismatch", errLayerCountMismatch, KindLayerCountMismatch},
		{"digest mismatch", errDigestMismatch, KindDigestMismatch},
		{"cache corrupted", cache.ErrCorrupted, KindCacheCorrupted},
		{"registry unauthorized", registry.ErrUnauthorized, KindUnauthorized},
		{"registry denied", registry.ErrDenied, KindForbidden},
		{"manifest unknown", registry.ErrManifestUnknown, KindManifestNotFound},
		{"blob unknown", registry.ErrBlobUnknown, KindBlobNotFound},
		{"server error", &registry.Error{StatusCode: 503}, KindTransient},
		{"unknown", fmt.Errorf("boom"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classify(tc.err))
		})
	}
}

func TestStepPreservesAlreadyWrappedError(t *testing.T) {
	inner := &Error{Kind: KindTransient, Step: "PullBaseManifest", Err: fmt.Errorf("boom")}
	got := step("PushLayers", inner)
	require.Same(t, inner, got)
}

func TestStepWrapsPlainError(t *testing.T) {
	got := step("PushManifest", registry.ErrDenied)
	var be *Error
	require.ErrorAs(t, got, &be)
	require.Equal(t, "PushManifest", be.Step)
	require.Equal(t, KindForbidden, be.Kind)
}

// --- end to end ---

type fakeRegistry struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	manifests map[string][]byte // key: repo+"/"+reference
	pushed    []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{blobs: make(map[string][]byte), manifests: make(map[string][]byte)}
}

func (f *fakeRegistry) putBlob(d godigest.Digest, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[d.String()] = content
}

func (f *fakeRegistry) putManifest(repo, ref string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[repo+"/"+ref] = content
}

func (f *fakeRegistry) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v2/" {
			w.WriteHeader(http.StatusOK)
			return
		}

		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/manifests/"):
			repo, ref := splitTail(r.URL.Path, "/manifests/")
			f.mu.Lock()
			body, ok := f.manifests[repo+"/"+ref]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"errors":[{"code":"MANIFEST_UNKNOWN","message":"not found"}]}`))
				return
			}
			w.Write(body)

		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/manifests/"):
			repo, ref := splitTail(r.URL.Path, "/manifests/")
			body, _ := readAll(r)
			f.putManifest(repo, ref, body)
			f.mu.Lock()
			f.pushed = append(f.pushed, repo+":"+ref)
			f.mu.Unlock()
			w.Header().Set("Docker-Content-Digest", godigest.FromBytes(body).String())
			w.WriteHeader(http.StatusCreated)

		case r.Method == http.MethodHead && strings.Contains(r.URL.Path, "/blobs/"):
			_, d := splitTail(r.URL.Path, "/blobs/")
			f.mu.Lock()
			body, ok := f.blobs[d]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.WriteHeader(http.StatusOK)

		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/blobs/"):
			_, d := splitTail(r.URL.Path, "/blobs/")
			f.mu.Lock()
			body, ok := f.blobs[d]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(body)

		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/blobs/uploads/"):
			w.Header().Set("Location", r.URL.Path+"?session=1")
			w.WriteHeader(http.StatusAccepted)

		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/blobs/uploads/"):
			body, _ := readAll(r)
			d := r.URL.Query().Get("digest")
			f.putBlob(godigest.Digest(d), body)
			w.WriteHeader(http.StatusCreated)

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func splitTail(path, marker string) (string, string) {
	idx := strings.Index(path, marker)
	if idx < 0 {
		return "", ""
	}
	prefix := strings.TrimPrefix(path[:idx], "/v2/")
	tail := path[idx+len(marker):]
	return prefix, tail
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf := &bytes.Buffer{}
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

type noCredentials struct{}

func (noCredentials) Credential(context.Context, string) (registry.Credential, error) {
	return registry.Credential{}, nil
}

func gzipOf(t *testing.T, content string) ([]byte, godigest.Digest, godigest.Digest) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	compressed := buf.Bytes()
	return compressed, godigest.FromBytes(compressed), godigest.FromString(content)
}

// TestEngineRunRegistryPush exercises the whole step DAG end to end: a base
// image with one layer, one application layer built from a real file,
// pushed to a registry that already holds the base layer blob (so PushLayers
// skips re-uploading it and only the freshly built application layer goes
// through the upload path), and a manifest push under the primary tag plus
// one extra tag.
func TestEngineRunRegistryPush(t *testing.T) {
	reg := newFakeRegistry()
	srv := httptest.NewServer(reg.handler())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	baseLayerGz, baseLayerDigest, baseLayerDiffID := gzipOf(t, "base layer contents")
	reg.putBlob(baseLayerDigest, baseLayerGz)

	baseConfig := map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"created":      "2024-01-01T00:00:00Z",
		"rootfs":       map[string]any{"type": "layers", "diff_ids": []string{baseLayerDiffID.String()}},
		"history":      []map[string]any{{"created": "2024-01-01T00:00:00Z", "created_by": "base"}},
	}
	baseConfigBytes, err := json.Marshal(baseConfig)
	require.NoError(t, err)
	baseConfigDigest := godigest.FromBytes(baseConfigBytes)
	reg.putBlob(baseConfigDigest, baseConfigBytes)

	baseManifest := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.docker.distribution.manifest.v2+json",
		"config": map[string]any{
			"mediaType": "application/vnd.docker.container.image.v1+json",
			"digest":    baseConfigDigest.String(),
			"size":      len(baseConfigBytes),
		},
		"layers": []map[string]any{{
			"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
			"digest":    baseLayerDigest.String(),
			"size":      len(baseLayerGz),
		}},
	}
	baseManifestBytes, err := json.Marshal(baseManifest)
	require.NoError(t, err)
	reg.putManifest("base/app", "latest", baseManifestBytes)

	dir := t.TempDir()
	appFile := filepath.Join(dir, "app.jar")
	require.NoError(t, os.WriteFile(appFile, []byte("jar contents"), 0o644))

	cacheStore, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)

	engine := New(Config{
		Cache:       cacheStore,
		Credentials: noCredentials{},
		HTTPClient:  srv.Client(),
	})

	plan := &buildplan.Plan{
		BaseImage:          image.Reference{Registry: host, Repository: "base/app", Tag: "latest"},
		TargetImage:        image.Reference{Registry: host, Repository: "target/app", Tag: "v1"},
		ExtraTags:          []string{"latest"},
		AllowInsecureHosts: []string{host},
		Format:             image.FormatDocker,
		Layers: []image.Layer{{
			Entries: []image.LayerEntry{{SourcePath: appFile, ExtractionPath: "/app/app.jar"}},
		}},
		Config: image.ContainerConfig{
			Entrypoint: []string{"java", "-jar", "/app/app.jar"},
		},
	}

	result, err := engine.Run(context.Background(), plan, "test-build")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Contains(t, result.Tags, "v1")
	require.Contains(t, result.Tags, "latest")

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.Contains(t, reg.pushed, "target/app:v1")
	require.Contains(t, reg.pushed, "target/app:latest")
	_, configPushed := reg.blobs[result.ConfigDigest.String()]
	require.True(t, configPushed)
}

func TestEngineRunOfflineMissWithoutCachedBase(t *testing.T) {
	cacheStore, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)
	engine := New(Config{Cache: cacheStore, Credentials: noCredentials{}})

	dir := t.TempDir()
	appFile := filepath.Join(dir, "app.jar")
	require.NoError(t, os.WriteFile(appFile, []byte("jar contents"), 0o644))

	plan := &buildplan.Plan{
		BaseImage:   image.Reference{Registry: "registry.example.com", Repository: "base/app", Tag: "latest"},
		TargetImage: image.Reference{Registry: "registry.example.com", Repository: "target/app", Tag: "v1"},
		Offline:     true,
		Layers: []image.Layer{{
			Entries: []image.LayerEntry{{SourcePath: appFile, ExtractionPath: "/app/app.jar"}},
		}},
	}

	_, err = engine.Run(context.Background(), plan, "test-build-offline")
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, KindOfflineMiss, be.Kind)
}

// TestEngineRunRecordsLayerOperationMetrics checks that PushLayers reports
// its cached/mounted/uploaded decisions through Engine's layer counters,
// not just through the Tracker progress callback, by reading them back via
// a manual OTel metric reader.
func TestEngineRunRecordsLayerOperationMetrics(t *testing.T) {
	reg := newFakeRegistry()
	srv := httptest.NewServer(reg.handler())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	baseLayerGz, baseLayerDigest, baseLayerDiffID := gzipOf(t, "base layer contents")
	reg.putBlob(baseLayerDigest, baseLayerGz)

	baseConfig := map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"created":      "2024-01-01T00:00:00Z",
		"rootfs":       map[string]any{"type": "layers", "diff_ids": []string{baseLayerDiffID.String()}},
		"history":      []map[string]any{{"created": "2024-01-01T00:00:00Z", "created_by": "base"}},
	}
	baseConfigBytes, err := json.Marshal(baseConfig)
	require.NoError(t, err)
	baseConfigDigest := godigest.FromBytes(baseConfigBytes)
	reg.putBlob(baseConfigDigest, baseConfigBytes)

	baseManifest := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.docker.distribution.manifest.v2+json",
		"config": map[string]any{
			"mediaType": "application/vnd.docker.container.image.v1+json",
			"digest":    baseConfigDigest.String(),
			"size":      len(baseConfigBytes),
		},
		"layers": []map[string]any{{
			"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
			"digest":    baseLayerDigest.String(),
			"size":      len(baseLayerGz),
		}},
	}
	baseManifestBytes, err := json.Marshal(baseManifest)
	require.NoError(t, err)
	reg.putManifest("base/app", "latest", baseManifestBytes)

	dir := t.TempDir()
	appFile := filepath.Join(dir, "app.jar")
	require.NoError(t, os.WriteFile(appFile, []byte("jar contents"), 0o644))

	cacheStore, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	engine := New(Config{
		Cache:       cacheStore,
		Credentials: noCredentials{},
		HTTPClient:  srv.Client(),
		Meter:       meterProvider.Meter("buildengine_test"),
	})

	plan := &buildplan.Plan{
		BaseImage:          image.Reference{Registry: host, Repository: "base/app", Tag: "latest"},
		TargetImage:        image.Reference{Registry: host, Repository: "target/app", Tag: "v1"},
		AllowInsecureHosts: []string{host},
		Format:             image.FormatDocker,
		Layers: []image.Layer{{
			Entries: []image.LayerEntry{{SourcePath: appFile, ExtractionPath: "/app/app.jar"}},
		}},
		Config: image.ContainerConfig{
			Entrypoint: []string{"java", "-jar", "/app/app.jar"},
		},
	}

	_, err = engine.Run(context.Background(), plan, "metrics-build")
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var operationCount, bytesPushed int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "kilnpack_layer_operations_total":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					operationCount += dp.Value
				}
			case "kilnpack_layer_bytes_pushed":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					bytesPushed += dp.Value
				}
			}
		}
	}

	require.Equal(t, int64(2), operationCount, "one cached base layer plus one uploaded application layer")
	require.Greater(t, bytesPushed, int64(0), "the uploaded application layer's compressed size should be counted")
}

func TestEngineRunInvalidPlanRejectedBeforeAnyNetworkCall(t *testing.T) {
	cacheStore, err := cache.New(t.TempDir(), nil)
	require.NoError(t, err)
	engine := New(Config{Cache: cacheStore, Credentials: noCredentials{}})

	plan := &buildplan.Plan{
		TargetImage: image.Reference{Registry: "registry.example.com", Repository: "target/app", Tag: "v1"},
	}
	_, err = engine.Run(context.Background(), plan, "test-build-invalid")
	require.Error(t, err)
	var be *Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, KindInvalidImageReference, be.Kind)
}
