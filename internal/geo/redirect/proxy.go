package redirect

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/auth"
)

// MessageHeader carries a notice for the user of a redirected push.
const MessageHeader = "Gitlab-Geo-Message"

// ForwardedPushMessage tells the user a push went to the primary.
const ForwardedPushMessage = "This request to a Geo secondary node will be forwarded to the Geo primary node"

// ProxyHandler serves requests a secondary redirected to the primary. The
// route must carry the :token and *path parameters. The token is checked
// against the forwarded path before next handles the request as if it had
// arrived at path directly.
func ProxyHandler(v *auth.Verifier, next http.Handler, logger logrus.FieldLogger) gin.HandlerFunc {
	logger = logger.WithField("component", "redirect_proxy")

	return func(c *gin.Context) {
		path := c.Param("path")

		claims, err := v.Verify(c.Param("token"), path)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrScopeMismatch) {
				status = http.StatusForbidden
			}
			logger.WithError(err).WithField("path", path).Warn("rejected redirected request")
			c.AbortWithStatusJSON(status, gin.H{"message": err.Error()})
			return
		}

		r := c.Request.Clone(c.Request.Context())
		r.URL.Path = path
		r.URL.RawPath = ""
		r.RequestURI = r.URL.RequestURI()

		logger.WithFields(logrus.Fields{
			"path":           path,
			"secondary_site": claims.Issuer,
		}).Info("serving request redirected by secondary")

		if req, err := Classify(r); err == nil && req.Kind == KindPush {
			c.Writer.Header().Set(MessageHeader, ForwardedPushMessage)
		}

		next.ServeHTTP(c.Writer, r)
		c.Abort()
	}
}
