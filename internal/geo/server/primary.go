package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/auth"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/blobstore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/events"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/gitrepo"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/primaryclient"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/redirect"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/replicator"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Primary serves the primary site: the internal API secondaries replicate
// through, the Git and LFS endpoints clients use, and the endpoint
// requests redirected by secondaries arrive at.
type Primary struct {
	log      logrus.FieldLogger
	catalog  datastore.Catalog
	producer *events.Producer
	blobs    *blobstore.Store
	repos    *gitrepo.Store
	git      *gitrepo.Server
	verifier *auth.Verifier

	// lfsMu serializes LFS uploads so each object is registered once.
	lfsMu sync.Mutex
}

// NewPrimary returns the handlers of a primary site. Changes clients make
// are announced to the secondaries through producer.
func NewPrimary(logger logrus.FieldLogger, catalog datastore.Catalog, producer *events.Producer, blobs *blobstore.Store, repos *gitrepo.Store, verifier *auth.Verifier) *Primary {
	return &Primary{
		log:      logger.WithField("component", "primary_server"),
		catalog:  catalog,
		producer: producer,
		blobs:    blobs,
		repos:    repos,
		git:      gitrepo.NewServer(repos, logger),
		verifier: verifier,
	}
}

// Handler returns the HTTP handler of the primary.
func (p *Primary) Handler() http.Handler {
	engine := newEngine(p.log)

	internal := engine.Group(primaryclient.InternalPrefix, auth.Middleware(p.verifier, p.log))
	{
		internal.GET("/replicate/:type", p.listIDs)
		internal.GET("/replicate/:type/:id", p.replicateBlob)
		internal.GET("/replicate/:type/:id/metadata", p.metadata)
		internal.GET("/resolve/repository", p.resolveRepository)
		internal.GET("/resolve/lfs/:oid", p.resolveLFSObject)
		internal.Any("/git/*path", p.internalGit)
		internal.PUT("/replicables/:type/:id", p.saveReplicable)
		internal.DELETE("/replicables/:type/:id", p.removeReplicable)
	}

	engine.Any(redirect.ProxyPrefix+"/:token/*path", redirect.ProxyHandler(p.verifier, http.HandlerFunc(p.servePublic), p.log))
	engine.NoRoute(gin.WrapF(p.servePublic))

	return withCorrelation(engine)
}

func abortWithError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"message": err.Error()})
}

// lookupStatus maps catalog errors to a response status.
func lookupStatus(err error) int {
	if errors.Is(err, datastore.ErrReplicableNotFound) {
		return http.StatusNotFound
	}
	return http.StatusServiceUnavailable
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid id"})
		return 0, false
	}
	return id, true
}

func (p *Primary) listIDs(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid after"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit < 1 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid limit"})
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	ids, err := p.catalog.ListIDs(c.Request.Context(), c.Param("type"), after, limit)
	if err != nil {
		abortWithError(c, http.StatusServiceUnavailable, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}

	c.JSON(http.StatusOK, primaryclient.IDPage{IDs: ids})
}

func (p *Primary) metadata(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	r, err := p.catalog.Get(c.Request.Context(), c.Param("type"), id)
	if err != nil {
		abortWithError(c, lookupStatus(err), err)
		return
	}

	c.JSON(http.StatusOK, r)
}

func (p *Primary) replicateBlob(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	typ := c.Param("type")
	if replicator.IsRepositoryType(typ) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "repositories are replicated over git"})
		return
	}

	r, err := p.catalog.Get(c.Request.Context(), typ, id)
	if err != nil {
		abortWithError(c, lookupStatus(err), err)
		return
	}

	p.serveBlob(c.Writer, c.Request, r.Path)
}

func (p *Primary) serveBlob(w http.ResponseWriter, r *http.Request, rel string) {
	f, err := p.blobs.Open(rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "blob not found", http.StatusNotFound)
			return
		}
		p.log.WithError(err).WithField("path", rel).Error("opening blob")
		http.Error(w, "could not open blob", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", time.Time{}, f)
}

func (p *Primary) findRepository(ctx context.Context, path string) (datastore.Replicable, error) {
	for _, typ := range replicator.RepositoryTypes {
		r, err := p.catalog.FindByPath(ctx, typ, path)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, datastore.ErrReplicableNotFound) {
			return datastore.Replicable{}, err
		}
	}
	return datastore.Replicable{}, datastore.ErrReplicableNotFound
}

func (p *Primary) resolveRepository(c *gin.Context) {
	r, err := p.findRepository(c.Request.Context(), c.Query("path"))
	if err != nil {
		abortWithError(c, lookupStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (p *Primary) resolveLFSObject(c *gin.Context) {
	r, err := p.catalog.FindByOID(c.Request.Context(), c.Param("oid"))
	if err != nil {
		abortWithError(c, lookupStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// internalGit serves repository fetches of secondaries.
func (p *Primary) internalGit(c *gin.Context) {
	r := c.Request.Clone(c.Request.Context())
	r.URL.Path = c.Param("path")
	r.URL.RawPath = ""
	p.git.ServeHTTP(c.Writer, r)
}

// saveReplicable creates or replaces a replicable and announces the change.
func (p *Primary) saveReplicable(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	var r datastore.Replicable
	if err := c.ShouldBindJSON(&r); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	r.Type, r.ID = c.Param("type"), id

	ctx := c.Request.Context()
	announce := p.producer.Updated
	if _, err := p.catalog.Get(ctx, r.Type, r.ID); err != nil {
		if !errors.Is(err, datastore.ErrReplicableNotFound) {
			abortWithError(c, http.StatusServiceUnavailable, err)
			return
		}
		announce = p.producer.Created
	}

	if err := announce(ctx, r.Type, r.ID, p.catalog.Save(r)); err != nil {
		abortWithError(c, http.StatusServiceUnavailable, err)
		return
	}

	r.Exists = true
	c.JSON(http.StatusOK, r)
}

// removeReplicable deletes a replicable and announces its removal.
func (p *Primary) removeReplicable(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	typ := c.Param("type")
	if _, err := p.catalog.Get(ctx, typ, id); err != nil {
		abortWithError(c, lookupStatus(err), err)
		return
	}

	if err := p.producer.Deleted(ctx, typ, id, p.catalog.Remove(typ, id)); err != nil {
		abortWithError(c, http.StatusServiceUnavailable, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// servePublic serves the Git and LFS requests of clients.
func (p *Primary) servePublic(w http.ResponseWriter, r *http.Request) {
	req, err := redirect.Classify(r)
	if err != nil {
		lfsFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	switch req.Kind {
	case redirect.KindLFSBatchUpload, redirect.KindLFSBatchDownload:
		p.lfsBatch(w, r, req)
	case redirect.KindLFSObjectPull:
		p.lfsDownload(w, r, req)
	case redirect.KindLFSObjectPush:
		p.lfsUpload(w, r, req)
	case redirect.KindLFSLocks:
		lfsFailure(w, http.StatusNotImplemented, "LFS file locking is not supported")
	case redirect.KindPush:
		sw := &statusWriter{ResponseWriter: w}
		p.git.ServeHTTP(sw, r)
		if r.Method == http.MethodPost && sw.status == http.StatusOK {
			p.announcePush(r.Context(), req.RepoPath)
		}
	default:
		p.git.ServeHTTP(w, r)
	}
}

// announcePush clears the checksum of a pushed repository so it is
// computed again and tells secondaries to fetch it.
func (p *Primary) announcePush(ctx context.Context, path string) {
	logger := p.log.WithField("repository", path)

	r, err := p.findRepository(ctx, path)
	if err != nil {
		logger.WithError(err).Warn("pushed repository is not registered, secondaries won't be notified")
		return
	}

	if size, err := p.repos.Size(r.Path); err == nil {
		r.Size = size
	}
	r.Checksum = ""

	if err := p.producer.Updated(ctx, r.Type, r.ID, p.catalog.Save(r)); err != nil {
		logger.WithError(err).Error("announcing push")
	}
}

func (p *Primary) lfsBatch(w http.ResponseWriter, r *http.Request, req redirect.Request) {
	batch, err := redirect.ReadBatchRequest(r)
	if err != nil {
		lfsFailure(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	objects := make([]lfsObject, 0, len(batch.Objects))
	for _, obj := range batch.Objects {
		o := lfsObject{OID: obj.OID, Size: obj.Size, Authenticated: true}

		stored, err := p.catalog.FindByOID(r.Context(), obj.OID)
		switch {
		case err == nil && req.Kind == redirect.KindLFSBatchDownload:
			o.Size = stored.Size
			o.Actions = map[string]lfsAction{"download": {Href: objectHref(r, req.RepoPath, obj.OID)}}
		case err == nil:
			// Already uploaded, the client skips it.
		case !errors.Is(err, datastore.ErrReplicableNotFound):
			o.Error = &lfsError{Code: http.StatusServiceUnavailable, Message: err.Error()}
		case req.Kind == redirect.KindLFSBatchDownload:
			o.Error = &lfsError{Code: http.StatusNotFound, Message: "Object does not exist"}
		default:
			o.Actions = map[string]lfsAction{"upload": {Href: objectHref(r, req.RepoPath, obj.OID)}}
		}
		objects = append(objects, o)
	}

	writeBatch(w, objects)
}

func (p *Primary) lfsDownload(w http.ResponseWriter, r *http.Request, req redirect.Request) {
	stored, err := p.catalog.FindByOID(r.Context(), req.OIDs[0])
	if err != nil {
		lfsFailure(w, lookupStatus(err), err.Error())
		return
	}
	p.serveBlob(w, r, stored.Path)
}

// lfsUpload stores an LFS object and registers it as a new replicable.
func (p *Primary) lfsUpload(w http.ResponseWriter, r *http.Request, req redirect.Request) {
	oid := req.OIDs[0]
	if !validOID.MatchString(oid) {
		lfsFailure(w, http.StatusUnprocessableEntity, "invalid object ID")
		return
	}

	ctx := r.Context()
	logger := p.log.WithField("oid", oid)

	p.lfsMu.Lock()
	defer p.lfsMu.Unlock()

	if _, err := p.catalog.FindByOID(ctx, oid); err == nil {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
		return
	} else if !errors.Is(err, datastore.ErrReplicableNotFound) {
		lfsFailure(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	rel := lfsObjectPath(oid)
	size, err := p.blobs.Write(ctx, rel, r.Body)
	if err != nil {
		logger.WithError(err).Error("storing LFS object")
		lfsFailure(w, http.StatusInternalServerError, "could not store object")
		return
	}

	checksum, err := p.blobs.Checksum(ctx, rel)
	if err != nil || checksum != oid {
		if rmErr := p.blobs.Remove(rel); rmErr != nil {
			logger.WithError(rmErr).Warn("removing rejected LFS object")
		}
		lfsFailure(w, http.StatusUnprocessableEntity, "object content does not match its ID")
		return
	}

	id, err := p.catalog.NextID(ctx, replicator.TypeLFSObject)
	if err != nil {
		lfsFailure(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	object := datastore.Replicable{
		Type:          replicator.TypeLFSObject,
		ID:            id,
		Path:          rel,
		Size:          size,
		Immutable:     true,
		Checksummable: true,
		Checksum:      checksum,
		OID:           oid,
	}
	if err := p.producer.Created(ctx, object.Type, object.ID, p.catalog.Save(object)); err != nil {
		logger.WithError(err).Error("registering LFS object")
		lfsFailure(w, http.StatusServiceUnavailable, "could not register object")
		return
	}

	logger.WithFields(logrus.Fields{"replicable_id": id, "size": size}).Info("LFS object uploaded")
	w.WriteHeader(http.StatusOK)
}
