package middleware

import (
	"bufio"
	"bytes"
	"hash/fnv"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/x-xyz/bidengine/base/ctx"
	"github.com/x-xyz/bidengine/base/log"
	"github.com/x-xyz/bidengine/domain/keys"
	"github.com/x-xyz/bidengine/service/cache"
	"github.com/x-xyz/bidengine/service/cache/provider"
)

const headerCache = "X-Cache"

// cachedResponse is what one cached GET keeps
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// teeWriter copies the body it writes so it can be cached afterwards
type teeWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *teeWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *teeWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *teeWriter) Flush() {
	w.ResponseWriter.(http.Flusher).Flush()
}

func (w *teeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.ResponseWriter.(http.Hijacker).Hijack()
}

// requestKey hashes the path and the query with its keys and values sorted,
// so reordered parameters share one entry
func requestKey(r *http.Request) string {
	params := r.URL.Query()
	for _, vals := range params {
		sort.Strings(vals)
	}
	hash := fnv.New64a()
	hash.Write([]byte(r.URL.Path + "?" + params.Encode()))
	return strconv.FormatUint(hash.Sum64(), 36)
}

// CacheHttp serves repeated GETs of the same url from p for ttl. Only
// successful responses are stored.
func CacheHttp(p provider.Provider, ttl time.Duration) echo.MiddlewareFunc {
	responses := cache.New(cache.ServiceConfig{
		Ttl:   ttl,
		Pfx:   keys.PfxHttpCache,
		Cache: p,
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodGet {
				return next(c)
			}
			ctx := c.Get("ctx").(ctx.Ctx)
			key := requestKey(c.Request())

			hit := cachedResponse{}
			if err := responses.Get(ctx, key, &hit); err == nil {
				c.Response().Header().Set(echo.HeaderContentType, hit.ContentType)
				c.Response().Header().Set(headerCache, "HIT")
				return c.Blob(hit.Status, hit.ContentType, hit.Body)
			} else if err != cache.ErrNotFound {
				ctx.WithFields(log.Fields{"err": err, "key": key}).Warn("responses.Get failed")
			}

			c.Response().Header().Set(headerCache, "MISS")
			w := &teeWriter{ResponseWriter: c.Response().Writer}
			c.Response().Writer = w
			if err := next(c); err != nil {
				c.Error(err)
			}

			if w.status == 0 || w.status >= http.StatusBadRequest {
				return nil
			}
			if err := responses.Set(ctx, key, cachedResponse{
				Status:      w.status,
				ContentType: w.Header().Get(echo.HeaderContentType),
				Body:        w.body.Bytes(),
			}); err != nil {
				ctx.WithFields(log.Fields{"err": err, "key": key}).Warn("responses.Set failed")
			}
			return nil
		}
	}
}
