package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/suite"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/service/cache/provider"
	"github.com/x-xyz/bidengine/service/cache/provider/primitive"
)

type cacheMiddlewareSuite struct {
	suite.Suite

	provider provider.Provider
}

func (s *cacheMiddlewareSuite) SetupTest() {
	s.provider = primitive.NewPrimitive("http", 1)
}

func TestCacheMiddlewareSuite(t *testing.T) {
	suite.Run(t, new(cacheMiddlewareSuite))
}

func (s *cacheMiddlewareSuite) serve(target string, status int, body string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("ctx", ctx.Background())

	h := func(c echo.Context) error {
		return c.String(status, body)
	}
	s.Require().NoError(CacheHttp(s.provider, 30*time.Second)(h)(c))
	return rec
}

func (s *cacheMiddlewareSuite) TestCacheMiddleware() {
	rec := s.serve("/auctions?status=active&limit=10", http.StatusOK, "Hello, World")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("Hello, World", rec.Body.String())
	s.Equal("MISS", rec.Header().Get("X-Cache"))

	// same query in another order hits the cache
	rec = s.serve("/auctions?limit=10&status=active", http.StatusOK, "Hello, again")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("Hello, World", rec.Body.String())
	s.Equal("HIT", rec.Header().Get("X-Cache"))
	s.Contains(rec.Header().Get(echo.HeaderContentType), "text/plain")

	rec = s.serve("/auctions?status=ended", http.StatusOK, "Hello, again")
	s.Equal("Hello, again", rec.Body.String())
}

func (s *cacheMiddlewareSuite) TestFailuresNotCached() {
	rec := s.serve("/auctions", http.StatusServiceUnavailable, "down")
	s.Equal(http.StatusServiceUnavailable, rec.Code)

	rec = s.serve("/auctions", http.StatusOK, "up")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("up", rec.Body.String())
}
