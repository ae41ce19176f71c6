package server

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/admin"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/blobstore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/gitrepo"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/redirect"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/site"
)

// StatusPath reports the registry state counts of a secondary.
const StatusPath = "/-/geo/status"

// Secondary serves Git and LFS reads from the local replicas. Everything
// the Gate doesn't let through is redirected to the primary.
type Secondary struct {
	log   logrus.FieldLogger
	site  site.Context
	gate  *redirect.Gate
	admin *admin.Admin
	blobs *blobstore.Store
	git   *gitrepo.Server
}

// NewSecondary returns the handlers of the secondary site siteCtx.
func NewSecondary(logger logrus.FieldLogger, siteCtx site.Context, gate *redirect.Gate, adm *admin.Admin, blobs *blobstore.Store, repos *gitrepo.Store) *Secondary {
	return &Secondary{
		log:   logger.WithFields(logrus.Fields{"component": "secondary_server", "site": siteCtx.Name}),
		site:  siteCtx,
		gate:  gate,
		admin: adm,
		blobs: blobs,
		git:   gitrepo.NewServer(repos, logger),
	}
}

// Handler returns the HTTP handler of the secondary.
func (s *Secondary) Handler() http.Handler {
	engine := newEngine(s.log)
	engine.GET(StatusPath, s.status)
	engine.NoRoute(s.gate.Middleware(), s.serveReplica)
	return withCorrelation(engine)
}

type stateCounts struct {
	Site         string           `json:"site"`
	Sync         map[string]int64 `json:"sync"`
	Verification map[string]int64 `json:"verification"`
}

func (s *Secondary) status(c *gin.Context) {
	counts, err := s.admin.Status(c.Request.Context(), s.site.Name)
	if err != nil {
		abortWithError(c, http.StatusServiceUnavailable, err)
		return
	}

	resp := stateCounts{Site: s.site.Name, Sync: map[string]int64{}, Verification: map[string]int64{}}
	for state, n := range counts.Sync {
		resp.Sync[string(state)] = n
	}
	for state, n := range counts.Verification {
		resp.Verification[string(state)] = n
	}
	c.JSON(http.StatusOK, resp)
}

// serveReplica serves a request the Gate let through from the replicas it
// resolved to.
func (s *Secondary) serveReplica(c *gin.Context) {
	req, ok := redirect.Classified(c)
	targets := redirect.Targets(c)
	if !ok || (len(targets) == 0 && req.Kind != redirect.KindLFSBatchDownload) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "not found"})
		return
	}

	switch req.Kind {
	case redirect.KindRefAdvertisement, redirect.KindPull:
		// Replicas are kept by replicable ID, not by the path clients use.
		t := targets[0]
		r := c.Request.Clone(c.Request.Context())
		r.URL.Path = "/" + filepath.ToSlash(gitrepo.KeyPath(t.Type, t.ID)) + strings.TrimPrefix(req.Path, "/"+req.RepoPath)
		r.URL.RawPath = ""
		s.git.ServeHTTP(c.Writer, r)
	case redirect.KindLFSBatchDownload:
		objects := make([]lfsObject, 0, len(targets))
		for _, t := range targets {
			objects = append(objects, lfsObject{
				OID:           t.OID,
				Size:          t.Size,
				Authenticated: true,
				Actions:       map[string]lfsAction{"download": {Href: objectHref(c.Request, req.RepoPath, t.OID)}},
			})
		}
		writeBatch(c.Writer, objects)
	case redirect.KindLFSObjectPull:
		s.serveBlob(c, blobstore.KeyPath(targets[0].Type, targets[0].ID))
	default:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "not found"})
	}
}

func (s *Secondary) serveBlob(c *gin.Context, rel string) {
	f, err := s.blobs.Open(rel)
	if err != nil {
		s.log.WithError(err).WithField("path", rel).Warn("synced blob is not readable")
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "object not found"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}
	c.DataFromReader(http.StatusOK, info.Size(), "application/octet-stream", f, nil)
}
