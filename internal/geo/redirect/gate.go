package redirect

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/auth"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/gitrepo"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/site"
)

// ProxyPrefix is the route of the primary that accepts redirected requests.
const ProxyPrefix = "/-/from_secondary"

// Gin context keys set for requests that are served locally.
const (
	// RequestKey holds the classified Request.
	RequestKey = "geo_request"
	// TargetsKey holds the replicables the request resolved to.
	TargetsKey = "geo_targets"
)

// Reasons for a redirect.
const (
	ReasonWrite         = "write"
	ReasonUnknownTarget = "unknown_target"
	ReasonOutOfDate     = "out_of_date"
	ReasonLookupFailed  = "lookup_failed"
)

// ErrLFSClientTooOld is returned for LFS uploads of clients that can't
// follow the redirect to the primary.
var ErrLFSClientTooOld = errors.New("git-lfs client too old")

// Resolver maps request resources to primary replicables. Unknown resources
// are reported with datastore.ErrReplicableNotFound.
type Resolver interface {
	ResolveRepository(ctx context.Context, path string) (datastore.Replicable, error)
	ResolveLFSObject(ctx context.Context, oid string) (datastore.Replicable, error)
}

// LocalRepositories reports whether a replica exists on this site.
type LocalRepositories interface {
	Exists(rel string) (bool, error)
}

// Decision is the outcome for one request.
type Decision struct {
	Redirect bool
	Reason   string
	// Targets are the replicables a served request resolved to.
	Targets []datastore.Replicable
}

func redirectFor(reason string) Decision {
	return Decision{Redirect: true, Reason: reason}
}

// Gate decides whether requests arriving at a secondary are served from
// the local replicas or redirected to the primary.
type Gate struct {
	log       logrus.FieldLogger
	site      site.Context
	registry  datastore.Registry
	resolver  Resolver
	local     LocalRepositories
	signer    *auth.Signer
	minLFS    *version.Version
	decisions *prometheus.CounterVec
}

// NewGate returns a Gate of the secondary described by siteCtx. Redirect
// tokens are signed by signer. LFS uploads of clients older than minLFS are
// rejected.
func NewGate(logger logrus.FieldLogger, siteCtx site.Context, registry datastore.Registry, resolver Resolver, local LocalRepositories, signer *auth.Signer, minLFS *version.Version) *Gate {
	return &Gate{
		log:      logger.WithFields(logrus.Fields{"component": "redirect_gate", "site": siteCtx.Name}),
		site:     siteCtx,
		registry: registry,
		resolver: resolver,
		local:    local,
		signer:   signer,
		minLFS:   minLFS,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gitlab_geo_redirect_decisions_total",
			Help: "Number of gate decisions by request kind and redirect reason.",
		}, []string{"kind", "reason"}),
	}
}

func (g *Gate) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(g, ch)
}

func (g *Gate) Collect(ch chan<- prometheus.Metric) {
	g.decisions.Collect(ch)
}

// Decide returns whether req must be redirected to the primary. Writes are
// always redirected. Reads are served only when the target is known on
// this site and its replica is synced.
func (g *Gate) Decide(ctx context.Context, req Request) (Decision, error) {
	var d Decision
	switch req.Kind {
	case KindPush, KindLFSObjectPush, KindLFSLocks:
		d = redirectFor(ReasonWrite)
	case KindLFSBatchUpload:
		if err := g.checkLFSClient(req); err != nil {
			return Decision{}, err
		}
		d = redirectFor(ReasonWrite)
	case KindRefAdvertisement, KindPull:
		d = g.decideRepositoryRead(ctx, req.RepoPath)
	case KindLFSBatchDownload, KindLFSObjectPull:
		d = g.decideLFSRead(ctx, req.OIDs)
	}

	g.decisions.WithLabelValues(string(req.Kind), d.Reason).Inc()
	return d, nil
}

func (g *Gate) checkLFSClient(req Request) error {
	if req.LFSClient == nil || g.minLFS == nil || !req.LFSClient.LessThan(g.minLFS) {
		return nil
	}
	return fmt.Errorf("%w: you need git-lfs version %s or greater to push to this secondary site, please upgrade", ErrLFSClientTooOld, g.minLFS)
}

func (g *Gate) lookupFailed(err error, fields logrus.Fields) Decision {
	g.log.WithError(err).WithFields(fields).Warn("looking up request target failed, redirecting to the primary")
	return redirectFor(ReasonLookupFailed)
}

// decideRepositoryRead keeps the existence and freshness checks apart. An
// unknown repository is redirected whether or not it would be fresh, so the
// response doesn't reveal which repositories exist.
func (g *Gate) decideRepositoryRead(ctx context.Context, path string) Decision {
	fields := logrus.Fields{"repository": path}

	r, exists, err := g.repositoryExists(ctx, path)
	if err != nil {
		return g.lookupFailed(err, fields)
	}
	if !exists {
		return redirectFor(ReasonUnknownTarget)
	}

	fresh, err := g.isFresh(ctx, r)
	if err != nil {
		return g.lookupFailed(err, fields)
	}
	if !fresh {
		return redirectFor(ReasonOutOfDate)
	}

	return Decision{Targets: []datastore.Replicable{r}}
}

// repositoryExists reports whether the repository at path is known to this
// site: the primary resolves the path and the site has a registry entry or
// a local replica of it.
func (g *Gate) repositoryExists(ctx context.Context, path string) (datastore.Replicable, bool, error) {
	r, err := g.resolver.ResolveRepository(ctx, path)
	if err != nil {
		if errors.Is(err, datastore.ErrReplicableNotFound) {
			return datastore.Replicable{}, false, nil
		}
		return datastore.Replicable{}, false, err
	}

	_, err = g.registry.Get(ctx, g.key(r))
	switch {
	case err == nil:
		return r, true, nil
	case !errors.Is(err, datastore.ErrEntryNotFound):
		return datastore.Replicable{}, false, err
	}

	exists, err := g.local.Exists(gitrepo.KeyPath(r.Type, r.ID))
	if err != nil {
		return datastore.Replicable{}, false, err
	}
	return r, exists, nil
}

// isFresh reports whether the local replica of r is synced.
func (g *Gate) isFresh(ctx context.Context, r datastore.Replicable) (bool, error) {
	e, err := g.registry.Get(ctx, g.key(r))
	if err != nil {
		if errors.Is(err, datastore.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	return e.SyncState == datastore.SyncStateSynced, nil
}

// decideLFSRead serves LFS downloads only if every requested object is
// synced on this site.
func (g *Gate) decideLFSRead(ctx context.Context, oids []string) Decision {
	d := Decision{}
	for _, oid := range oids {
		fields := logrus.Fields{"oid": oid}

		r, err := g.resolver.ResolveLFSObject(ctx, oid)
		if err != nil {
			if errors.Is(err, datastore.ErrReplicableNotFound) {
				return redirectFor(ReasonUnknownTarget)
			}
			return g.lookupFailed(err, fields)
		}

		fresh, err := g.isFresh(ctx, r)
		if err != nil {
			return g.lookupFailed(err, fields)
		}
		if !fresh {
			return redirectFor(ReasonOutOfDate)
		}
		d.Targets = append(d.Targets, r)
	}
	return d
}

func (g *Gate) key(r datastore.Replicable) datastore.RegistryKey {
	return datastore.RegistryKey{Type: r.Type, ID: r.ID, Site: g.site.Name}
}

// RedirectURL returns the URL of the primary proxy endpoint for req. It
// embeds a token scoped to the repository of the request.
func (g *Gate) RedirectURL(req Request) (string, error) {
	token, err := g.signer.Sign(req.Scope())
	if err != nil {
		return "", err
	}

	u := g.site.PrimaryURL + ProxyPrefix + "/" + token + req.Path
	if req.RawQuery != "" {
		u += "?" + req.RawQuery
	}
	return u, nil
}

// Middleware redirects requests the Gate decides against to the primary
// with a temporary redirect, which keeps the method and body. Requests
// that are served continue with RequestKey and TargetsKey set.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := Classify(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}

		d, err := g.Decide(c.Request.Context(), req)
		if err != nil {
			if errors.Is(err, ErrLFSClientTooOld) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": err.Error()})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}

		if !d.Redirect {
			c.Set(RequestKey, req)
			c.Set(TargetsKey, d.Targets)
			c.Next()
			return
		}

		u, err := g.RedirectURL(req)
		if err != nil {
			g.log.WithError(err).Error("signing redirect token")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "could not redirect to the primary"})
			return
		}

		g.log.WithFields(logrus.Fields{
			"kind":   req.Kind,
			"path":   req.Path,
			"reason": d.Reason,
		}).Debug("redirecting to the primary")

		c.Redirect(http.StatusTemporaryRedirect, u)
		c.Abort()
	}
}

// Classified returns the Request the Middleware classified for c.
func Classified(c *gin.Context) (Request, bool) {
	v, ok := c.Get(RequestKey)
	if !ok {
		return Request{}, false
	}
	req, ok := v.(Request)
	return req, ok
}

// Targets returns the replicables the Middleware resolved for c.
func Targets(c *gin.Context) []datastore.Replicable {
	v, ok := c.Get(TargetsKey)
	if !ok {
		return nil
	}
	targets, _ := v.([]datastore.Replicable)
	return targets
}
