package pkg

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m7s.live/mediakit/pkg/config"
)

func digestServer(t *testing.T, data []byte, username, password string, ranges bool) (*httptest.Server, *atomic.Int64) {
	var hits atomic.Int64
	chal := digest.Challenge{
		Realm:     "mediakit",
		Nonce:     fmt.Sprintf("%d", time.Now().UnixMicro()),
		Opaque:    "mediakit",
		Algorithm: "MD5",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" {
			w.Header().Set("WWW-Authenticate", chal.String())
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		cred, err := digest.ParseCredentials(h)
		if err != nil || cred.Username != username {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		expected, err := digest.Digest(&chal, digest.Options{
			Method:   r.Method,
			URI:      cred.URI,
			Username: username,
			Password: password,
		})
		if err != nil || expected.Response != cred.Response {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		hits.Add(1)
		if !ranges {
			r.Header.Del("Range")
		}
		http.ServeContent(w, r, "media.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHTTPSource(t *testing.T) {
	data := patterned(200000)
	ctx := context.Background()

	t.Run("digest", func(t *testing.T) {
		srv, hits := digestServer(t, data, "admin", "secret", true)
		src := NewHTTPSource(srv.URL, config.HTTP{Username: "admin", Password: "secret", Timeout: 5 * time.Second}, nil)
		size, err := src.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), size)

		c := NewRangeCache(src, config.Cache{MinReadSize: 4096}, nil)
		v, err := c.Read(ctx, 150000, 150100)
		require.NoError(t, err)
		assert.Equal(t, data[150000:150100], v)
		assert.Positive(t, hits.Load())

		tail, err := src.Read(ctx, 199990, 200500)
		require.NoError(t, err)
		assert.Equal(t, data[199990:], tail)
	})

	t.Run("badPassword", func(t *testing.T) {
		srv, hits := digestServer(t, data, "admin", "secret", true)
		src := NewHTTPSource(srv.URL, config.HTTP{Username: "admin", Password: "wrong"}, nil)
		_, err := src.Size(ctx)
		assert.Error(t, err)
		assert.Zero(t, hits.Load())
	})

	t.Run("noRanges", func(t *testing.T) {
		srv, _ := digestServer(t, data, "admin", "secret", false)
		src := NewHTTPSource(srv.URL, config.HTTP{Username: "admin", Password: "secret"}, nil)
		size, err := src.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), size)
		v, err := src.Read(ctx, 1000, 1010)
		require.NoError(t, err)
		assert.Equal(t, data[1000:1010], v)
	})
}
