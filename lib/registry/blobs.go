package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	godigest "github.com/opencontainers/go-digest"
)

// HasBlob reports whether repository already holds the blob named by d,
// via HEAD, without downloading it. Used by the build engine to skip
// re-uploading a base layer that's already present in the target
// repository (spec's CheckBaseLayerInTargetRepo step).
func (c *Client) HasBlob(ctx context.Context, repository string, d godigest.Digest) (bool, int64, error) {
	blobURL := fmt.Sprintf("%s/blobs/%s", c.baseURL(repository), d.String())
	resp, err := c.do(ctx, repository, requestSpec{method: http.MethodHead, url: blobURL})
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, resp.ContentLength, nil
	case http.StatusNotFound:
		return false, 0, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return false, 0, parseErrorBody(resp.StatusCode, blobURL, body)
	}
}

// PullBlob streams the blob named by d from repository. The caller is
// responsible for verifying the returned bytes hash to d — PullBlob does
// not buffer the whole blob to check it itself, so callers that need the
// digest verified inline should tee through lib/digest.Compute.
func (c *Client) PullBlob(ctx context.Context, repository string, d godigest.Digest) (io.ReadCloser, error) {
	blobURL := fmt.Sprintf("%s/blobs/%s", c.baseURL(repository), d.String())
	resp, err := c.do(ctx, repository, requestSpec{method: http.MethodGet, url: blobURL})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, parseErrorBody(resp.StatusCode, blobURL, body)
	}
	return resp.Body, nil
}

// MountBlob attempts to cross-repository-mount a blob already present in
// fromRepository into repository without re-uploading it — the Distribution
// Spec's cross-repo blob mount, used when pushing an application image
// whose base layers already live in the target registry under a different
// repository name. Returns mounted=false (never an error) when the
// registry doesn't support mounting and instead opened an upload session;
// callers fall back to PushBlob in that case.
func (c *Client) MountBlob(ctx context.Context, repository string, d godigest.Digest, fromRepository string) (mounted bool, err error) {
	q := url.Values{}
	q.Set("mount", d.String())
	q.Set("from", fromRepository)
	uploadURL := fmt.Sprintf("%s/blobs/uploads/?%s", c.baseURL(repository), q.Encode())

	resp, err := c.do(ctx, repository, requestSpec{method: http.MethodPost, url: uploadURL})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		// Registry opened an upload session instead of mounting (it may not
		// support mount, or denied cross-repo access to fromRepository).
		return false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return false, parseErrorBody(resp.StatusCode, uploadURL, body)
	}
}

// chunkSize is the size of each PATCH in a chunked upload. Chosen well above
// typical layer sizes for small layers (so most uploads are a single
// PATCH) while still bounding peak memory for large ones.
const chunkSize = 10 << 20 // 10MiB

// PushBlob uploads r (size bytes, named by d) to repository. Uploads
// chunkSize bytes or smaller are sent as a single monolithic PUT; larger
// ones are streamed via the chunked PATCH sequence so the whole blob is
// never buffered in memory.
func (c *Client) PushBlob(ctx context.Context, repository string, d godigest.Digest, size int64, r io.Reader) error {
	sessionURL, err := c.startUpload(ctx, repository)
	if err != nil {
		return err
	}

	if size <= chunkSize {
		return c.putMonolithic(ctx, repository, sessionURL, d, size, r)
	}
	return c.putChunked(ctx, repository, sessionURL, d, r)
}

// startUpload opens a new upload session (POST /blobs/uploads/) and returns
// the Location the registry assigned it.
func (c *Client) startUpload(ctx context.Context, repository string) (string, error) {
	initURL := fmt.Sprintf("%s/blobs/uploads/", c.baseURL(repository))
	resp, err := c.do(ctx, repository, requestSpec{method: http.MethodPost, url: initURL})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", parseErrorBody(resp.StatusCode, initURL, body)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("upload session response carried no Location")
	}
	return c.resolveLocation(loc), nil
}

// resolveLocation turns a (possibly relative) Location header into an
// absolute URL against this client's host.
func (c *Client) resolveLocation(loc string) string {
	u, err := url.Parse(loc)
	if err != nil || u.IsAbs() {
		return loc
	}
	base, _ := url.Parse(fmt.Sprintf("%s://%s", c.scheme(), c.host))
	return base.ResolveReference(u).String()
}

func (c *Client) putMonolithic(ctx context.Context, repository, sessionURL string, d godigest.Digest, size int64, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("buffer blob for monolithic upload: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("blob size mismatch: expected %d, read %d", size, len(data))
	}

	u, err := url.Parse(sessionURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("digest", d.String())
	u.RawQuery = q.Encode()

	resp, err := c.do(ctx, repository, requestSpec{
		method:  http.MethodPut,
		url:     u.String(),
		body:    data,
		headers: http.Header{"Content-Type": []string{"application/octet-stream"}},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorBody(resp.StatusCode, u.String(), body)
	}
	return nil
}

// putChunked streams r to the registry in chunkSize PATCHes, each
// Content-Range delimited, followed by a final zero-body PUT carrying the
// digest — the resumable upload path for large application and base
// layers.
func (c *Client) putChunked(ctx context.Context, repository, sessionURL string, d godigest.Digest, r io.Reader) error {
	var offset int64
	buf := make([]byte, chunkSize)
	location := sessionURL

	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			u, err := url.Parse(location)
			if err != nil {
				return err
			}
			resp, err := c.do(ctx, repository, requestSpec{
				method: http.MethodPatch,
				url:    u.String(),
				body:   chunk,
				headers: http.Header{
					"Content-Type":  []string{"application/octet-stream"},
					"Content-Range": []string{fmt.Sprintf("%d-%d", offset, offset+int64(n)-1)},
				},
			})
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusAccepted {
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				return parseErrorBody(resp.StatusCode, u.String(), body)
			}
			if loc := resp.Header.Get("Location"); loc != "" {
				location = c.resolveLocation(loc)
			}
			resp.Body.Close()
			offset += int64(n)
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read blob chunk: %w", readErr)
		}
	}

	u, err := url.Parse(location)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("digest", d.String())
	u.RawQuery = q.Encode()

	resp, err := c.do(ctx, repository, requestSpec{method: http.MethodPut, url: u.String()})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorBody(resp.StatusCode, u.String(), body)
	}
	return nil
}
