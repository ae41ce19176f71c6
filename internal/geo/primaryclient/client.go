// Package primaryclient talks to the internal API of the primary site. All
// requests carry a site token scoped to the request path.
package primaryclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/auth"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/commonerr"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// Internal API routes served by the primary.
const (
	InternalPrefix   = "/internal"
	ReplicatePrefix  = InternalPrefix + "/replicate"
	ResolvePrefix    = InternalPrefix + "/resolve"
	GitPrefix        = InternalPrefix + "/git"
	ResolveRepoPath  = ResolvePrefix + "/repository"
	ResolveLFSPrefix = ResolvePrefix + "/lfs"
)

// IDPage is the response of the ID listing endpoint.
type IDPage struct {
	IDs []int64 `json:"ids"`
}

// Client is a client of the primary's internal API.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *auth.Signer
}

// New returns a Client of the primary at baseURL. Requests propagate the
// correlation ID of their context.
func New(baseURL string, signer *auth.Signer, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	instrumented := *httpClient
	rt := instrumented.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	instrumented.Transport = correlation.NewInstrumentedRoundTripper(rt)

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &instrumented,
		signer:  signer,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	if err := auth.SetBearer(req, c.signer, path); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, commonerr.Classify("request primary", err, commonerr.KindTransientIO)
	}
	return resp, nil
}

// statusError classifies an unsuccessful response. The body is consumed.
func statusError(op string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("primary responded %s: %s", resp.Status, strings.TrimSpace(string(body)))

	if resp.StatusCode == http.StatusNotFound {
		return commonerr.SourceMissing(op, err)
	}
	return commonerr.TransientIO(op, err)
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, v interface{}) error {
	resp, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return commonerr.TransientIO(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func replicablePath(typ string, id int64) string {
	return fmt.Sprintf("%s/%s/%d", ReplicatePrefix, url.PathEscape(typ), id)
}

// ModelFor returns the primary projection of a replicable. Unknown
// replicables are returned with Exists set to false.
func (c *Client) ModelFor(ctx context.Context, typ string, id int64) (datastore.Replicable, error) {
	var r datastore.Replicable
	err := c.getJSON(ctx, "model", replicablePath(typ, id)+"/metadata", nil, &r)
	switch commonerr.KindOf(err) {
	case "":
		return r, nil
	case commonerr.KindSourceMissing:
		return datastore.Replicable{Type: typ, ID: id}, nil
	default:
		return datastore.Replicable{}, err
	}
}

// OpenBlob streams the content of a blob replicable. The caller must close
// the returned reader.
func (c *Client) OpenBlob(ctx context.Context, typ string, id int64) (io.ReadCloser, error) {
	resp, err := c.get(ctx, replicablePath(typ, id), nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("open blob", resp)
	}
	return resp.Body, nil
}

// ListIDs pages through the IDs of replicables of one type.
func (c *Client) ListIDs(ctx context.Context, typ string, afterID int64, limit int) ([]int64, error) {
	var page IDPage
	if err := c.getJSON(ctx, "list ids", ReplicatePrefix+"/"+url.PathEscape(typ), url.Values{
		"after": {strconv.FormatInt(afterID, 10)},
		"limit": {strconv.Itoa(limit)},
	}, &page); err != nil {
		return nil, err
	}
	return page.IDs, nil
}

// RepositoryRemote returns the URL and credentials to fetch the repository
// at path from the primary.
func (c *Client) RepositoryRemote(_ context.Context, path string) (string, transport.AuthMethod, error) {
	scope := GitPrefix + "/" + strings.TrimPrefix(path, "/")
	token, err := c.signer.Sign(scope)
	if err != nil {
		return "", nil, err
	}
	return c.baseURL + scope, &githttp.TokenAuth{Token: token}, nil
}

func (c *Client) resolve(ctx context.Context, op, path string, query url.Values) (datastore.Replicable, error) {
	var r datastore.Replicable
	err := c.getJSON(ctx, op, path, query, &r)
	switch commonerr.KindOf(err) {
	case "":
		return r, nil
	case commonerr.KindSourceMissing:
		return datastore.Replicable{}, datastore.ErrReplicableNotFound
	default:
		return datastore.Replicable{}, err
	}
}

// ResolveRepository returns the repository replicable stored at path on
// the primary, or datastore.ErrReplicableNotFound.
func (c *Client) ResolveRepository(ctx context.Context, path string) (datastore.Replicable, error) {
	return c.resolve(ctx, "resolve repository", ResolveRepoPath, url.Values{"path": {path}})
}

// ResolveLFSObject returns the LFS object replicable with the given OID, or
// datastore.ErrReplicableNotFound.
func (c *Client) ResolveLFSObject(ctx context.Context, oid string) (datastore.Replicable, error) {
	return c.resolve(ctx, "resolve lfs object", ResolveLFSPrefix+"/"+url.PathEscape(oid), nil)
}
