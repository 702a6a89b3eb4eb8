package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	godigest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	allOpts := append([]Option{WithHTTPClient(srv.Client()), WithInsecure()}, opts...)
	return New(host, allOpts...)
}

func TestPingSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	require.NoError(t, c.Ping(context.Background()))
}

func TestPingUnauthorizedStillSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	require.NoError(t, c.Ping(context.Background()))
}

func TestPullManifestComputesDigestWhenHeaderAbsent(t *testing.T) {
	body := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json","config":{"mediaType":"application/vnd.docker.container.image.v1+json","size":2,"digest":"sha256:aa"},"layers":[]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/library/alpine/manifests/latest", r.URL.Path)
		w.Write(body)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	p, err := c.PullManifest(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	require.Equal(t, godigest.FromBytes(body), p.Digest)
}

func TestPullManifestUsesDockerContentDigestHeader(t *testing.T) {
	body := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.v2+json","config":{"digest":"sha256:aa","size":1},"layers":[]}`)
	want := godigest.FromBytes([]byte("something-else"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", want.String())
		w.Write(body)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	p, err := c.PullManifest(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	require.Equal(t, want, p.Digest)
}

func TestPullManifestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":[{"code":"MANIFEST_UNKNOWN","message":"manifest unknown"}]}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.PullManifest(context.Background(), "library/alpine", "missing")
	require.Error(t, err)
	regErr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, CodeManifestUnknown, regErr.Code)
}

func TestHasBlobFoundAndMissing(t *testing.T) {
	present := godigest.FromString("present")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, present.String()) {
			w.Header().Set("Content-Length", "5")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	ok, _, err := c.HasBlob(context.Background(), "app", present)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = c.HasBlob(context.Background(), "app", godigest.FromString("absent"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBearerAuthFlowAcquiresAndReusesToken(t *testing.T) {
	var tokenRequests int32

	var registrySrv *httptest.Server
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		require.Equal(t, "registry.example.com", r.URL.Query().Get("service"))
		fmt.Fprintf(w, `{"token":"t0k3n","expires_in":60}`)
	}))
	defer tokenSrv.Close()

	registrySrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t0k3n" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s",service="registry.example.com",scope="repository:app:pull"`, tokenSrv.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer registrySrv.Close()

	c := testClient(t, registrySrv)
	require.NoError(t, c.Ping(context.Background()))

	_, err := c.HasBlob(context.Background(), "app", godigest.FromString("x"))
	require.NoError(t, err)
	_, err = c.HasBlob(context.Background(), "app", godigest.FromString("y"))
	require.NoError(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(&tokenRequests), "token should be cached and reused across requests")
}

func TestBearerAuthRetriesThroughRepeated401sBeforeSucceeding(t *testing.T) {
	var tokenRequests int32
	var registryRequests int32

	var registrySrv *httptest.Server
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenRequests, 1)
		fmt.Fprintf(w, `{"token":"t0k3n","expires_in":60}`)
	}))
	defer tokenSrv.Close()

	registrySrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&registryRequests, 1)
		if n <= 2 {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="%s",service="registry.example.com",scope="repository:app:pull"`, tokenSrv.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
	}))
	defer registrySrv.Close()

	c := testClient(t, registrySrv)
	ok, _, err := c.HasBlob(context.Background(), "app", godigest.FromString("x"))
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, int32(3), atomic.LoadInt32(&registryRequests), "two 401s then a success should take exactly 3 requests")
}

func TestBasicAuthFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
		if auth != want {
			w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv, WithCredentials(staticCredentials{Credential{Username: "user", Password: "pass"}}))
	require.NoError(t, c.Ping(context.Background()))
	_, err := c.HasBlob(context.Background(), "app", godigest.FromString("x"))
	require.NoError(t, err)
}

func TestPushBlobMonolithic(t *testing.T) {
	content := []byte("hello layer")
	d := godigest.FromBytes(content)

	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/blobs/uploads/"):
			w.Header().Set("Location", "/v2/app/blobs/uploads/session1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			require.Equal(t, d.String(), r.URL.Query().Get("digest"))
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			uploaded = body
			w.WriteHeader(http.StatusCreated)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv)
	err := c.PushBlob(context.Background(), "app", d, int64(len(content)), strings.NewReader(string(content)))
	require.NoError(t, err)
	require.Equal(t, content, uploaded)
}

func TestMountBlobSucceeds(t *testing.T) {
	d := godigest.FromString("shared-layer")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, d.String(), r.URL.Query().Get("mount"))
		require.Equal(t, "base-repo", r.URL.Query().Get("from"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	mounted, err := c.MountBlob(context.Background(), "app-repo", d, "base-repo")
	require.NoError(t, err)
	require.True(t, mounted)
}

func TestMountBlobFallsBackWhenUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	mounted, err := c.MountBlob(context.Background(), "app-repo", godigest.FromString("x"), "base-repo")
	require.NoError(t, err)
	require.False(t, mounted)
}

func TestRetryAfterDeltaSeconds(t *testing.T) {
	d := parseRetryAfter("2")
	require.NotNil(t, d)
	require.Equal(t, 2*time.Second, *d)
}

func TestRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(5 * time.Second).UTC()
	d := parseRetryAfter(future.Format(http.TimeFormat))
	require.NotNil(t, d)
	require.InDelta(t, 5*time.Second, *d, float64(2*time.Second))
}

func TestRetryAfterInvalidReturnsNil(t *testing.T) {
	require.Nil(t, parseRetryAfter("not-a-valid-value"))
}

func TestTransientServerErrorRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	require.NoError(t, c.Ping(context.Background()))
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestParseChallengeBearer(t *testing.T) {
	ch := parseChallenge(`Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:foo/bar:pull,push"`)
	require.Equal(t, "Bearer", ch.Scheme)
	require.Equal(t, "https://auth.example.com/token", ch.Params["realm"])
	require.Equal(t, "registry.example.com", ch.Params["service"])
	require.Equal(t, "repository:foo/bar:pull,push", ch.Params["scope"])
}

type staticCredentials struct{ cred Credential }

func (s staticCredentials) Credential(ctx context.Context, registryHost string) (Credential, error) {
	return s.cred, nil
}
