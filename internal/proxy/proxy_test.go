package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evasend/wagateway/internal/auth"
	"github.com/evasend/wagateway/internal/config"
	"github.com/evasend/wagateway/internal/route"
)

var testLogger = slog.Default()

var testInstance = &auth.Instance{ID: "inst-1", UserID: "user-1", Status: "connected"}

func mustResolve(t *testing.T, path string) *route.Endpoint {
	t.Helper()
	ep, ok := route.Resolve(path)
	require.True(t, ok, path)
	return ep
}

func newUpstreams(externalURL, functionURL string) *Upstreams {
	return NewUpstreams(config.UpstreamConfig{
		ExternalURL: externalURL,
		FunctionURL: functionURL,
		PublicURL:   "https://api.evasend.com.br/whatsapp",
		RewriteHost: "https://sender.uazapi.com",
		Timeout:     "2s",
	}, "anon-key", testLogger)
}

func TestDo(t *testing.T) {
	t.Run("external class forwards the raw credential", func(t *testing.T) {
		var gotToken, gotAccept, gotAuth, gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotToken = r.Header.Get("token")
			gotAccept = r.Header.Get("Accept")
			gotAuth = r.Header.Get("Authorization")
			gotPath = r.URL.Path
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
		t.Cleanup(srv.Close)

		u := newUpstreams(srv.URL, "http://unused")
		out, err := u.Do(context.Background(), mustResolve(t, "/instance/status"), http.MethodGet, nil, "tok-123", testInstance)
		require.NoError(t, err)

		assert.Equal(t, "tok-123", gotToken)
		assert.Equal(t, "application/json", gotAccept)
		assert.Empty(t, gotAuth)
		assert.Equal(t, "/instance/status", gotPath)
		assert.Equal(t, http.StatusOK, out.Status)
		assert.True(t, out.JSON)
	})

	t.Run("function class carries bearer key and identity, never the credential", func(t *testing.T) {
		var gotToken, gotAuth, gotInstance, gotUser, gotContentType string
		var gotBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotToken = r.Header.Get("token")
			gotAuth = r.Header.Get("Authorization")
			gotInstance = r.Header.Get("X-Instance-ID")
			gotUser = r.Header.Get("X-User-ID")
			gotContentType = r.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sent":true}`))
		}))
		t.Cleanup(srv.Close)

		u := newUpstreams("http://unused", srv.URL)
		body := []byte(`{"number":"5511999","text":"hi"}`)
		out, err := u.Do(context.Background(), mustResolve(t, "/send-text"), http.MethodPost, body, "tok-123", testInstance)
		require.NoError(t, err)

		assert.Empty(t, gotToken)
		assert.Equal(t, "Bearer anon-key", gotAuth)
		assert.Equal(t, "inst-1", gotInstance)
		assert.Equal(t, "user-1", gotUser)
		assert.Equal(t, "application/json", gotContentType)
		assert.JSONEq(t, string(body), string(gotBody))
		assert.Equal(t, http.StatusOK, out.Status)
	})

	t.Run("GET requests carry no content type or body", func(t *testing.T) {
		var gotContentType string
		var gotLength int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotContentType = r.Header.Get("Content-Type")
			gotLength = r.ContentLength
			_, _ = w.Write([]byte(`{}`))
		}))
		t.Cleanup(srv.Close)

		u := newUpstreams(srv.URL, "http://unused")
		_, err := u.Do(context.Background(), mustResolve(t, "/instance"), http.MethodGet, nil, "tok", testInstance)
		require.NoError(t, err)

		assert.Empty(t, gotContentType)
		assert.Zero(t, gotLength)
	})

	t.Run("slow upstream errors out at the timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(500 * time.Millisecond)
			_, _ = w.Write([]byte(`{}`))
		}))
		t.Cleanup(srv.Close)

		u := NewUpstreams(config.UpstreamConfig{
			ExternalURL: srv.URL,
			FunctionURL: "http://unused",
			Timeout:     "50ms",
		}, "anon-key", testLogger)

		start := time.Now()
		_, err := u.Do(context.Background(), mustResolve(t, "/instance/status"), http.MethodGet, nil, "tok", testInstance)
		assert.Error(t, err)
		assert.Less(t, time.Since(start), 400*time.Millisecond)
	})

	t.Run("non-object JSON is not treated as rewritable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[1,2,3]`))
		}))
		t.Cleanup(srv.Close)

		u := newUpstreams(srv.URL, "http://unused")
		out, err := u.Do(context.Background(), mustResolve(t, "/instance"), http.MethodGet, nil, "tok", testInstance)
		require.NoError(t, err)
		assert.False(t, out.JSON)
		assert.Equal(t, `[1,2,3]`, string(out.Body))
	})
}

func TestShape(t *testing.T) {
	t.Run("rewrites webhook URLs from the external class", func(t *testing.T) {
		u := newUpstreams("http://unused", "http://unused")
		ep := mustResolve(t, "/chatwoot/config")

		body := []byte(`{"webhook_url":"https://sender.uazapi.com/chatwoot/abc","name":"x"}`)
		var fields map[string]any
		require.NoError(t, json.Unmarshal(body, &fields))

		shaped := u.Shape(ep, &Outcome{
			Status: http.StatusOK, ContentType: "application/json",
			Body: body, JSON: true, Fields: fields,
		})

		var got map[string]any
		require.NoError(t, json.Unmarshal(shaped, &got))
		assert.Equal(t, "https://api.evasend.com.br/whatsapp/chatwoot/abc", got["webhook_url"])
		assert.Equal(t, "x", got["name"])
	})

	t.Run("function class responses are never rewritten", func(t *testing.T) {
		u := newUpstreams("http://unused", "http://unused")
		ep := mustResolve(t, "/send-text")

		body := []byte(`{"webhook_url":"https://sender.uazapi.com/x"}`)
		var fields map[string]any
		require.NoError(t, json.Unmarshal(body, &fields))

		shaped := u.Shape(ep, &Outcome{Status: 200, Body: body, JSON: true, Fields: fields})
		assert.Equal(t, string(body), string(shaped))
	})

	t.Run("reshapes upstream 404 with destination wording", func(t *testing.T) {
		u := newUpstreams("http://unused", "http://unused")

		shaped := u.Shape(mustResolve(t, "/chatwoot/config"), &Outcome{
			Status: http.StatusNotFound, JSON: true,
			Fields: map[string]any{"message": "Cannot GET /chatwoot/config"},
		})
		assert.JSONEq(t, `{"error":"Endpoint not found on external API: /chatwoot/config","detail":"Cannot GET /chatwoot/config"}`, string(shaped))

		shaped = u.Shape(mustResolve(t, "/send-text"), &Outcome{
			Status: http.StatusNotFound, JSON: true, Fields: map[string]any{},
		})
		assert.JSONEq(t, `{"error":"Endpoint not found on function backend: /send-text"}`, string(shaped))
	})

	t.Run("upstream message is pulled from whichever key the provider used", func(t *testing.T) {
		ep := mustResolve(t, "/send-text")

		for _, key := range []string{"error", "message", "msg"} {
			shaped := ReshapeNotFound(ep, &Outcome{
				JSON: true, Fields: map[string]any{key: "no such route"},
			})
			var got map[string]string
			require.NoError(t, json.Unmarshal(shaped, &got))
			assert.Equal(t, "no such route", got["detail"], key)
		}

		// Non-string values never leak into the detail.
		shaped := ReshapeNotFound(ep, &Outcome{JSON: true, Fields: map[string]any{"error": 404}})
		var got map[string]string
		require.NoError(t, json.Unmarshal(shaped, &got))
		assert.NotContains(t, got, "detail")
	})

	t.Run("unparseable 404 body becomes a generic not-found", func(t *testing.T) {
		u := newUpstreams("http://unused", "http://unused")

		shaped := u.Shape(mustResolve(t, "/send-text"), &Outcome{
			Status: http.StatusNotFound, Body: []byte("<html>404</html>"),
		})
		assert.JSONEq(t, `{"error":"Endpoint not found"}`, string(shaped))
	})

	t.Run("non-JSON bodies pass through verbatim", func(t *testing.T) {
		u := newUpstreams("http://unused", "http://unused")

		body := []byte{0x89, 'P', 'N', 'G'}
		shaped := u.Shape(mustResolve(t, "/profile/image"), &Outcome{
			Status: 200, ContentType: "image/png", Body: body,
		})
		assert.Equal(t, body, shaped)
	})
}

func TestRewriter(t *testing.T) {
	r := NewRewriter("https://sender.uazapi.com", "https://api.evasend.com.br/whatsapp")

	rewrite := func(t *testing.T, body string) map[string]any {
		t.Helper()
		var fields map[string]any
		require.NoError(t, json.Unmarshal([]byte(body), &fields))
		out := &Outcome{Body: []byte(body), JSON: true, Fields: fields}
		var got map[string]any
		require.NoError(t, json.Unmarshal(r.Rewrite(out), &got))
		return got
	}

	t.Run("rewrites both key spellings independently", func(t *testing.T) {
		got := rewrite(t, `{"webhook_url":"https://sender.uazapi.com/a","webhookUrl":"https://sender.uazapi.com/b"}`)
		assert.Equal(t, "https://api.evasend.com.br/whatsapp/a", got["webhook_url"])
		assert.Equal(t, "https://api.evasend.com.br/whatsapp/b", got["webhookUrl"])
	})

	t.Run("preserves the path remainder", func(t *testing.T) {
		got := rewrite(t, `{"webhook_url":"https://sender.uazapi.com/chatwoot/abc?x=1"}`)
		assert.Equal(t, "https://api.evasend.com.br/whatsapp/chatwoot/abc?x=1", got["webhook_url"])
	})

	t.Run("leaves foreign hosts alone", func(t *testing.T) {
		got := rewrite(t, `{"webhook_url":"https://other.example.com/hook"}`)
		assert.Equal(t, "https://other.example.com/hook", got["webhook_url"])
	})

	t.Run("returns the body unchanged when nothing matches", func(t *testing.T) {
		body := []byte(`{"name":"x"}`)
		var fields map[string]any
		require.NoError(t, json.Unmarshal(body, &fields))
		out := &Outcome{Body: body, JSON: true, Fields: fields}
		assert.Equal(t, body, r.Rewrite(out))
	})

	t.Run("ignores non-string webhook fields", func(t *testing.T) {
		got := rewrite(t, `{"webhook_url":123}`)
		assert.Equal(t, float64(123), got["webhook_url"])
	})
}
