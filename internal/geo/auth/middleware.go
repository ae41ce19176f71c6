package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SiteKey is the gin context key holding the name of the authenticated site.
const SiteKey = "geo_site"

const bearerPrefix = "Bearer "

// Middleware rejects requests without a valid bearer token for the request
// path.
func Middleware(v *Verifier, logger logrus.FieldLogger) gin.HandlerFunc {
	logger = logger.WithField("component", "auth")

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing bearer token"})
			return
		}

		claims, err := v.Verify(strings.TrimPrefix(header, bearerPrefix), c.Request.URL.Path)
		if err != nil {
			logger.WithError(err).WithField("path", c.Request.URL.Path).Warn("rejected site token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}

		c.Set(SiteKey, claims.Issuer)
		c.Next()
	}
}

// SetBearer adds a bearer token for the request path to the request.
func SetBearer(r *http.Request, s *Signer, scope string) error {
	token, err := s.Sign(scope)
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", bearerPrefix+token)
	return nil
}
