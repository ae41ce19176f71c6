package gitrepo

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/sirupsen/logrus"
)

type storeLoader struct {
	store *Store
}

func (l storeLoader) Load(ep *transport.Endpoint) (storer.Storer, error) {
	repo, err := l.store.Open(ep.Path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, transport.ErrRepositoryNotFound
		}
		return nil, err
	}
	return repo.Storer, nil
}

// Server serves the repositories of a Store over the Git smart HTTP
// protocol. Paths have the form {repository}/info/refs,
// {repository}/git-upload-pack and {repository}/git-receive-pack.
type Server struct {
	srv    transport.Transport
	logger logrus.FieldLogger
}

// NewServer returns a smart HTTP server for the repositories of store.
func NewServer(store *Store, logger logrus.FieldLogger) *Server {
	return &Server{
		srv:    server.NewServer(storeLoader{store: store}),
		logger: logger.WithField("component", "git_http"),
	}
}

// splitPath splits a request path into the repository and the protocol
// action.
func splitPath(path string) (repo, action string, ok bool) {
	for _, suffix := range []string{"/info/refs", "/git-upload-pack", "/git-receive-pack"} {
		if strings.HasSuffix(path, suffix) {
			repo = strings.TrimSuffix(path, suffix)
			return repo, strings.TrimPrefix(suffix, "/"), repo != ""
		}
	}
	return "", "", false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	repo, action, ok := splitPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	ep, err := transport.NewEndpoint(repo)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	logger := s.logger.WithFields(logrus.Fields{"repository": repo, "action": action})

	switch {
	case action == "info/refs" && r.Method == http.MethodGet:
		err = s.advertise(w, r, ep, r.URL.Query().Get("service"))
	case action == transport.UploadPackServiceName && r.Method == http.MethodPost:
		err = s.uploadPack(w, r, ep)
	case action == transport.ReceivePackServiceName && r.Method == http.MethodPost:
		err = s.receivePack(w, r, ep)
	default:
		http.Error(w, "unsupported request", http.StatusBadRequest)
		return
	}

	if err != nil {
		if errors.Is(err, transport.ErrRepositoryNotFound) {
			http.NotFound(w, r)
			return
		}
		logger.WithError(err).Error("serving git request")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) advertise(w http.ResponseWriter, r *http.Request, ep *transport.Endpoint, service string) error {
	var refs *packp.AdvRefs
	var err error

	switch service {
	case transport.UploadPackServiceName:
		var sess transport.UploadPackSession
		if sess, err = s.srv.NewUploadPackSession(ep, nil); err != nil {
			return err
		}
		defer sess.Close()
		refs, err = sess.AdvertisedReferencesContext(r.Context())
	case transport.ReceivePackServiceName:
		var sess transport.ReceivePackSession
		if sess, err = s.srv.NewReceivePackSession(ep, nil); err != nil {
			return err
		}
		defer sess.Close()
		refs, err = sess.AdvertisedReferencesContext(r.Context())
	default:
		http.Error(w, "dumb HTTP protocol is not supported", http.StatusForbidden)
		return nil
	}
	switch {
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		refs = packp.NewAdvRefs()
	case err != nil:
		return err
	}

	refs.Prefix = [][]byte{[]byte("# service=" + service + "\n"), pktline.Flush}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.Header().Set("Cache-Control", "no-cache")
	return refs.Encode(w)
}

func (s *Server) uploadPack(w http.ResponseWriter, r *http.Request, ep *transport.Endpoint) error {
	sess, err := s.srv.NewUploadPackSession(ep, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	req := packp.NewUploadPackRequest()
	if err := req.Decode(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}

	resp, err := sess.UploadPack(r.Context(), req)
	if err != nil {
		return err
	}
	defer resp.Close()

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	return resp.Encode(w)
}

func (s *Server) receivePack(w http.ResponseWriter, r *http.Request, ep *transport.Endpoint) error {
	sess, err := s.srv.NewReceivePackSession(ep, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	req := packp.NewReferenceUpdateRequest()
	if err := req.Decode(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}

	status, err := sess.ReceivePack(r.Context(), req)
	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	if status != nil {
		if encodeErr := status.Encode(w); encodeErr != nil {
			return encodeErr
		}
	}
	return err
}
