// Package redirect decides on a secondary site whether a Git or LFS
// request is served locally or sent to the primary, and lets the primary
// accept the requests that were sent over.
package redirect

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
)

// Kind is the shape of a request as far as replication is concerned.
type Kind string

const (
	// KindRefAdvertisement lists the refs before a fetch or clone.
	KindRefAdvertisement = Kind("ref_advertisement")
	// KindPull transfers objects to the client.
	KindPull = Kind("pull")
	// KindPush is any part of a push, including its ref advertisement.
	KindPush = Kind("push")
	// KindLFSBatchUpload asks where to upload LFS objects.
	KindLFSBatchUpload = Kind("lfs_batch_upload")
	// KindLFSBatchDownload asks where to download LFS objects from.
	KindLFSBatchDownload = Kind("lfs_batch_download")
	// KindLFSObjectPull downloads one LFS object.
	KindLFSObjectPull = Kind("lfs_object_pull")
	// KindLFSObjectPush uploads one LFS object.
	KindLFSObjectPush = Kind("lfs_object_push")
	// KindLFSLocks is a call to the LFS file locking API.
	KindLFSLocks = Kind("lfs_locks")
	// KindOther is everything else.
	KindOther = Kind("other")
)

// Path suffixes of the Git and LFS HTTP protocols.
const (
	InfoRefsSuffix    = "/info/refs"
	UploadPackSuffix  = "/git-upload-pack"
	ReceivePackSuffix = "/git-receive-pack"
	LFSBatchSuffix    = "/info/lfs/objects/batch"
	LFSObjectsInfix   = "/info/lfs/objects/"
	LFSLocksInfix     = "/info/lfs/locks"
)

const (
	uploadPackService  = "git-upload-pack"
	receivePackService = "git-receive-pack"

	maxBatchBody = 1 << 20
)

// ErrInvalidBatch is returned for LFS batch requests that can't be parsed.
var ErrInvalidBatch = errors.New("invalid LFS batch request")

var lfsUserAgent = regexp.MustCompile(`^git-lfs/(\d+\.\d+\.\d+)`)

// Request is a classified request.
type Request struct {
	Kind Kind
	// RepoPath is the repository path without a leading slash, for example
	// group/project.git.
	RepoPath string
	// OIDs are the LFS objects the request is about.
	OIDs []string
	// LFSClient is the version of the git-lfs client, nil for other clients.
	LFSClient *version.Version
	Path      string
	RawQuery  string
}

// Scope is the path prefix a redirect token for the request is valid for.
func (r Request) Scope() string {
	return "/" + r.RepoPath
}

// BatchObject is an object of an LFS batch request.
type BatchObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// BatchRequest is the body of an LFS batch request.
type BatchRequest struct {
	Operation string        `json:"operation"`
	Objects   []BatchObject `json:"objects"`
}

// ReadBatchRequest decodes the LFS batch request in the body of r and puts
// the body back so later handlers can read it again.
func ReadBatchRequest(r *http.Request) (BatchRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBody))
	if err != nil {
		return BatchRequest{}, fmt.Errorf("read batch request: %w", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	var batch BatchRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		return BatchRequest{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	return batch, nil
}

func trimRepo(path, suffix string) string {
	return strings.TrimPrefix(strings.TrimSuffix(path, suffix), "/")
}

// Classify determines the Kind of r and the resources it touches. The body
// of LFS batch requests is read and replaced.
func Classify(r *http.Request) (Request, error) {
	path := r.URL.Path
	req := Request{Kind: KindOther, Path: path, RawQuery: r.URL.RawQuery}

	if m := lfsUserAgent.FindStringSubmatch(r.UserAgent()); m != nil {
		if v, err := version.NewVersion(m[1]); err == nil {
			req.LFSClient = v
		}
	}

	switch {
	case strings.HasSuffix(path, InfoRefsSuffix) && r.Method == http.MethodGet:
		req.RepoPath = trimRepo(path, InfoRefsSuffix)
		switch r.URL.Query().Get("service") {
		case uploadPackService:
			req.Kind = KindRefAdvertisement
		case receivePackService:
			req.Kind = KindPush
		}
	case strings.HasSuffix(path, UploadPackSuffix) && r.Method == http.MethodPost:
		req.RepoPath = trimRepo(path, UploadPackSuffix)
		req.Kind = KindPull
	case strings.HasSuffix(path, ReceivePackSuffix) && r.Method == http.MethodPost:
		req.RepoPath = trimRepo(path, ReceivePackSuffix)
		req.Kind = KindPush
	case strings.HasSuffix(path, LFSBatchSuffix) && r.Method == http.MethodPost:
		req.RepoPath = trimRepo(path, LFSBatchSuffix)
		batch, err := ReadBatchRequest(r)
		if err != nil {
			return Request{}, err
		}
		for _, obj := range batch.Objects {
			req.OIDs = append(req.OIDs, obj.OID)
		}
		switch batch.Operation {
		case "upload":
			req.Kind = KindLFSBatchUpload
		case "download":
			req.Kind = KindLFSBatchDownload
		default:
			return Request{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidBatch, batch.Operation)
		}
	case strings.Contains(path, LFSObjectsInfix):
		i := strings.LastIndex(path, LFSObjectsInfix)
		req.RepoPath = strings.TrimPrefix(path[:i], "/")
		req.OIDs = []string{path[i+len(LFSObjectsInfix):]}
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			req.Kind = KindLFSObjectPull
		case http.MethodPut:
			req.Kind = KindLFSObjectPush
		}
	case strings.Contains(path, LFSLocksInfix):
		req.RepoPath = strings.TrimPrefix(path[:strings.Index(path, LFSLocksInfix)], "/")
		req.Kind = KindLFSLocks
	}

	return req, nil
}
