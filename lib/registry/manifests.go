package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"

	godigest "github.com/opencontainers/go-digest"

	"github.com/kilnpack/kilnpack/lib/image"
)

// manifestAccept is sent on every manifest GET so registries that
// content-negotiate (effectively all of them) return the richest form
// kilnpack understands, rather than silently downgrading to schema 1.
const manifestAccept = "application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.oci.image.index.v1+json, " +
	"application/vnd.docker.distribution.manifest.v1+prettyjws"

// PullManifest fetches the manifest named by reference (a tag or a digest)
// in repository and parses it. When the registry's Docker-Content-Digest
// header is missing or malformed, the digest is recomputed locally from the
// raw bytes instead — supplementing the handful of registries (older
// private ones especially) that omit it.
func (c *Client) PullManifest(ctx context.Context, repository, reference string) (*image.Pulled, error) {
	url := fmt.Sprintf("%s/manifests/%s", c.baseURL(repository), reference)
	resp, err := c.do(ctx, repository, requestSpec{
		method:  http.MethodGet,
		url:     url,
		headers: http.Header{"Accept": []string{manifestAccept}},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorBody(resp.StatusCode, url, body)
	}

	d := parseContentDigest(resp.Header.Get("Docker-Content-Digest"))
	if d == "" {
		d = godigest.FromBytes(body)
	}

	return image.ParseManifest(body, d)
}

// PushManifest uploads raw under tagOrDigest in repository. mediaType must
// be the manifest's own Content-Type (Docker v2.2 or OCI; schema 1 pushes
// are never supported, since kilnpack never constructs one). Returns the
// digest the registry confirmed via Docker-Content-Digest, falling back to
// the local SHA-256 of raw when the registry doesn't echo one.
func (c *Client) PushManifest(ctx context.Context, repository, tagOrDigest string, raw []byte, mediaType string) (godigest.Digest, error) {
	url := fmt.Sprintf("%s/manifests/%s", c.baseURL(repository), tagOrDigest)
	resp, err := c.do(ctx, repository, requestSpec{
		method:  http.MethodPut,
		url:     url,
		body:    raw,
		headers: http.Header{"Content-Type": []string{mediaType}},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", parseErrorBody(resp.StatusCode, url, body)
	}

	if d := parseContentDigest(resp.Header.Get("Docker-Content-Digest")); d != "" {
		return d, nil
	}
	return godigest.FromBytes(raw), nil
}

func parseContentDigest(header string) godigest.Digest {
	if header == "" {
		return ""
	}
	d := godigest.Digest(header)
	if d.Validate() != nil {
		return ""
	}
	return d
}
