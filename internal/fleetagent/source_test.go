// ABOUTME: Tests for the HTTP update source against an httptest gateway
// ABOUTME: Covers check decoding, zstd and identity downloads, and error statuses

package fleetagent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/updates"
)

func newUpdateServer(t *testing.T, binary []byte, compress bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/updates/check", func(w http.ResponseWriter, r *http.Request) {
		resp := updates.CheckResponse{}
		if r.URL.Query().Get("version") == "2025.01.01.1" {
			resp.UpdateAvailable = true
			resp.Version = &updates.VersionInfo{Version: "2025.01.01.2", SHA256: "abc"}
			if r.URL.Query().Get("test") == "true" {
				resp.Version.IsTestVersion = true
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	serve := func(w http.ResponseWriter, r *http.Request) {
		if compress && r.Header.Get("Accept-Encoding") == "zstd" {
			enc, err := zstd.NewWriter(nil)
			require.NoError(t, err)
			w.Header().Set("Content-Encoding", "zstd")
			_, _ = w.Write(enc.EncodeAll(binary, nil))
			return
		}
		_, _ = w.Write(binary)
	}
	mux.HandleFunc("GET /api/updates/download/{version}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("version") != "2025.01.01.2" {
			http.Error(w, "version not found", http.StatusNotFound)
			return
		}
		serve(w, r)
	})
	mux.HandleFunc("GET /api/updates/helper", serve)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSource_Check(t *testing.T) {
	srv := newUpdateServer(t, nil, false)
	src := NewHTTPSource(srv.URL+"/", nil)

	info, err := src.Check(context.Background(), "2025.01.01.1", true)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "2025.01.01.2", info.Version)
	assert.True(t, info.IsTestVersion)

	info, err = src.Check(context.Background(), "2025.01.01.2", false)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestHTTPSource_DownloadZstd(t *testing.T) {
	binary := bytes.Repeat([]byte("agent-binary-"), 4096)
	srv := newUpdateServer(t, binary, true)
	src := NewHTTPSource(srv.URL, nil)

	var out bytes.Buffer
	require.NoError(t, src.Download(context.Background(), "2025.01.01.2", &out))
	assert.Equal(t, binary, out.Bytes())

	out.Reset()
	require.NoError(t, src.DownloadHelper(context.Background(), &out))
	assert.Equal(t, binary, out.Bytes())
}

func TestHTTPSource_DownloadIdentity(t *testing.T) {
	binary := []byte("plain bytes")
	srv := newUpdateServer(t, binary, false)

	var out bytes.Buffer
	require.NoError(t, NewHTTPSource(srv.URL, nil).Download(context.Background(), "2025.01.01.2", &out))
	assert.Equal(t, binary, out.Bytes())
}

func TestHTTPSource_ErrorStatus(t *testing.T) {
	srv := newUpdateServer(t, []byte("x"), false)

	var out bytes.Buffer
	err := NewHTTPSource(srv.URL, nil).Download(context.Background(), "1999.01.01.1", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "version not found")
	assert.Zero(t, out.Len())
}
