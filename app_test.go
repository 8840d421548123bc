package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netopsy/body"
	"netopsy/certs"
	"netopsy/pkg/config"
	"netopsy/trace"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.TraceDir = filepath.Join(t.TempDir(), "trace")
	cfg.MITM = false
	cfg.Log.Console = false
	require.NoError(t, cfg.Validate())
	return cfg
}

// recordOne runs the app, sends a single GET through it and returns the
// reopened trace.
func recordOne(t *testing.T, handler http.HandlerFunc, path string) *trace.Trace {
	t.Helper()
	origin := httptest.NewServer(handler)
	defer origin.Close()

	app := NewApp(testConfig(t), "test")
	require.NoError(t, app.Start(context.Background()))

	proxyURL, err := url.Parse("http://" + app.Addr())
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
	}
	resp, err := client.Get(origin.URL + path)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		s, ok := app.Recording().Session(1)
		return ok && s.Response != nil
	}, 5*time.Second, 20*time.Millisecond)

	dir := app.TraceDir()
	require.NoError(t, app.Shutdown())

	tr, err := trace.OpenFolder(dir)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

// ==================== App ====================

func TestApp_RecordsAndInspects(t *testing.T) {
	tr := recordOne(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"items":[1,2]}`)
	}, "/api/items?page=2&sort=asc")

	require.Equal(t, 1, tr.Len())
	s, ok := tr.Session(1)
	require.True(t, ok)
	assert.Equal(t, "GET", s.Request.Method)
	assert.Equal(t, 200, s.Response.StatusCode)

	var list bytes.Buffer
	writeSessionList(&list, tr.Sessions())
	assert.Contains(t, list.String(), "/api/items?page=2&sort=asc")
	assert.Contains(t, list.String(), "200")

	var req bytes.Buffer
	require.NoError(t, writeSession(&req, tr, s, false, body.KindQuery, true))
	assert.Contains(t, req.String(), "[representations: Raw, Query]")
	assert.Contains(t, req.String(), "page = 2\nsort = asc\n")

	var resp bytes.Buffer
	require.NoError(t, writeSession(&resp, tr, s, true, body.KindRaw, false))
	assert.Contains(t, resp.String(), "HTTP/1.1 200 OK")
	assert.Contains(t, resp.String(), "[JSON]")
	assert.Contains(t, resp.String(), `"ok": true`)

	r, err := tr.Request(s)
	require.NoError(t, err)
	curl := body.CurlCommand(r)
	assert.True(t, strings.HasPrefix(curl, "curl -XGET "))
	assert.Contains(t, curl, "/api/items?page=2&sort=asc'")
}

func TestApp_ExplicitKindMustApply(t *testing.T) {
	tr := recordOne(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain")
	}, "/")

	s, ok := tr.Session(1)
	require.True(t, ok)

	var out bytes.Buffer
	err := writeSession(&out, tr, s, true, body.KindJSON, true)
	assert.ErrorIs(t, err, body.ErrNotApplicable)
}

func TestApp_StartTwice(t *testing.T) {
	app := NewApp(testConfig(t), "test")
	require.NoError(t, app.Start(context.Background()))
	defer app.Shutdown()

	assert.Error(t, app.Start(context.Background()))
}

func TestApp_ShutdownBeforeStart(t *testing.T) {
	app := NewApp(testConfig(t), "test")
	assert.NoError(t, app.Shutdown())
	assert.Empty(t, app.Addr())
}

// ==================== CA status ====================

func TestWriteCAStatus(t *testing.T) {
	a, err := certs.Open(certs.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.CertificateForHost("api.example.com")
	require.NoError(t, err)
	ids, err := a.Identities()
	require.NoError(t, err)

	var out bytes.Buffer
	writeCAStatus(&out, a.RootCertificate(), ids, time.Now())
	assert.Contains(t, out.String(), "Leaves:   1")
	assert.Contains(t, out.String(), "api.example.com")
	assert.NotContains(t, out.String(), "expired")

	out.Reset()
	writeCAStatus(&out, a.RootCertificate(), ids, time.Now().AddDate(5, 0, 0))
	assert.Contains(t, out.String(), "expired")
}
