package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const secret = "s3cr3t"

func knownSecondary(name string) bool { return name == "secondary-1" }

func TestCovers(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		scope  string
		path   string
		covers bool
	}{
		{desc: "exact", scope: "/group/project.git", path: "/group/project.git", covers: true},
		{desc: "below", scope: "/group/project.git", path: "/group/project.git/info/refs", covers: true},
		{desc: "trailing slash", scope: "/internal/", path: "/internal/replicate/lfs_object/1", covers: true},
		{desc: "sibling prefix", scope: "/group/project.git", path: "/group/project.git.evil/info/refs"},
		{desc: "other path", scope: "/group/project.git", path: "/group/other.git"},
		{desc: "empty scope", scope: "", path: "/"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.covers, Covers(tc.scope, tc.path))
		})
	}
}

func TestVerifier_Verify(t *testing.T) {
	issuedAt := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)

	sign := func(t *testing.T, issuer, scope string) string {
		s := NewSigner(secret, issuer, time.Minute)
		s.now = func() time.Time { return issuedAt }
		token, err := s.Sign(scope)
		require.NoError(t, err)
		return token
	}

	for _, tc := range []struct {
		desc  string
		token func(t *testing.T) string
		path  string
		now   time.Time
		err   error
	}{
		{
			desc:  "valid",
			token: func(t *testing.T) string { return sign(t, "secondary-1", "/group/project.git") },
			path:  "/group/project.git/git-receive-pack",
			now:   issuedAt.Add(30 * time.Second),
		},
		{
			desc:  "within clock skew after expiry",
			token: func(t *testing.T) string { return sign(t, "secondary-1", "/group/project.git") },
			path:  "/group/project.git",
			now:   issuedAt.Add(time.Minute + 3*time.Second),
		},
		{
			desc:  "issued slightly in the future",
			token: func(t *testing.T) string { return sign(t, "secondary-1", "/group/project.git") },
			path:  "/group/project.git",
			now:   issuedAt.Add(-3 * time.Second),
		},
		{
			desc:  "issued too far in the future",
			token: func(t *testing.T) string { return sign(t, "secondary-1", "/group/project.git") },
			path:  "/group/project.git",
			now:   issuedAt.Add(-time.Minute),
			err:   ErrInvalidToken,
		},
		{
			desc:  "expired",
			token: func(t *testing.T) string { return sign(t, "secondary-1", "/group/project.git") },
			path:  "/group/project.git",
			now:   issuedAt.Add(2 * time.Minute),
			err:   ErrTokenExpired,
		},
		{
			desc:  "unknown issuer",
			token: func(t *testing.T) string { return sign(t, "rogue", "/group/project.git") },
			path:  "/group/project.git",
			now:   issuedAt,
			err:   ErrUnknownIssuer,
		},
		{
			desc:  "scope mismatch",
			token: func(t *testing.T) string { return sign(t, "secondary-1", "/group/project.git") },
			path:  "/group/other.git",
			now:   issuedAt,
			err:   ErrScopeMismatch,
		},
		{
			desc: "wrong secret",
			token: func(t *testing.T) string {
				token, err := NewSigner("other", "secondary-1", time.Minute).Sign("/group/project.git")
				require.NoError(t, err)
				return token
			},
			path: "/group/project.git",
			now:  time.Now(),
			err:  ErrInvalidToken,
		},
		{
			desc: "wrong algorithm",
			token: func(t *testing.T) string {
				token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
					Scope: "/group/project.git",
					RegisteredClaims: jwt.RegisteredClaims{
						Issuer:    "secondary-1",
						IssuedAt:  jwt.NewNumericDate(issuedAt),
						ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Minute)),
					},
				}).SignedString([]byte(secret))
				require.NoError(t, err)
				return token
			},
			path: "/group/project.git",
			now:  issuedAt,
			err:  ErrInvalidToken,
		},
		{
			desc:  "garbage",
			token: func(*testing.T) string { return "not-a-token" },
			path:  "/group/project.git",
			now:   issuedAt,
			err:   ErrInvalidToken,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			v := NewVerifier(secret, knownSecondary, time.Minute, 5*time.Second)
			v.now = func() time.Time { return tc.now }

			claims, err := v.Verify(tc.token(t), tc.path)
			if tc.err != nil {
				require.True(t, errors.Is(err, tc.err), "expected %v, got %v", tc.err, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, "secondary-1", claims.Issuer)
			require.NotEmpty(t, claims.ID)
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()

	engine := gin.New()
	engine.Use(Middleware(NewVerifier(secret, knownSecondary, time.Minute, time.Second), logger))
	engine.GET("/internal/ping", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(SiteKey))
	})

	signer := NewSigner(secret, "secondary-1", time.Minute)

	for _, tc := range []struct {
		desc   string
		setup  func(t *testing.T, r *http.Request)
		status int
		body   string
	}{
		{
			desc:   "no token",
			setup:  func(*testing.T, *http.Request) {},
			status: http.StatusUnauthorized,
		},
		{
			desc: "token for another path",
			setup: func(t *testing.T, r *http.Request) {
				require.NoError(t, SetBearer(r, signer, "/internal/replicate"))
			},
			status: http.StatusUnauthorized,
		},
		{
			desc: "valid token",
			setup: func(t *testing.T, r *http.Request) {
				require.NoError(t, SetBearer(r, signer, "/internal"))
			},
			status: http.StatusOK,
			body:   "secondary-1",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/internal/ping", nil)
			tc.setup(t, r)

			w := httptest.NewRecorder()
			engine.ServeHTTP(w, r)

			require.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				require.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}
