package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"regexp"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/redirect"
)

const lfsContentType = "application/vnd.git-lfs+json"

var validOID = regexp.MustCompile(`^[0-9a-f]{64}$`)

type lfsAction struct {
	Href string `json:"href"`
}

type lfsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type lfsObject struct {
	OID           string               `json:"oid"`
	Size          int64                `json:"size"`
	Authenticated bool                 `json:"authenticated,omitempty"`
	Actions       map[string]lfsAction `json:"actions,omitempty"`
	Error         *lfsError            `json:"error,omitempty"`
}

type lfsBatchResponse struct {
	Transfer string      `json:"transfer"`
	Objects  []lfsObject `json:"objects"`
}

// lfsObjectPath is where the primary keeps the content of an LFS object.
func lfsObjectPath(oid string) string {
	return path.Join("lfs-objects", oid[0:2], oid[2:4], oid[4:])
}

// externalBase is the scheme and host the client used to reach this site.
func externalBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func objectHref(r *http.Request, repo, oid string) string {
	return fmt.Sprintf("%s/%s%s%s", externalBase(r), repo, redirect.LFSObjectsInfix, oid)
}

func writeLFS(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", lfsContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBatch(w http.ResponseWriter, objects []lfsObject) {
	writeLFS(w, http.StatusOK, lfsBatchResponse{Transfer: "basic", Objects: objects})
}

func lfsFailure(w http.ResponseWriter, status int, message string) {
	writeLFS(w, status, map[string]string{"message": message})
}

// statusWriter remembers the status of the response.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
