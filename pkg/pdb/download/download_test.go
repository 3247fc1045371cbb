// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathLayout(t *testing.T) {
	d := New("/data", logr.Discard())
	id := BuildID{Name: "ntkrnlmp.pdb", GUID: "3E7FE1C3719F0A906E7EC93D48275F8C", Age: 1}
	want := filepath.Join("/data", "ntkrnlmp.pdb", "3E7FE1C3719F0A906E7EC93D48275F8C", "1", "ntkrnlmp.pdb")
	assert.Equal(t, want, d.Path(id))
}

func TestFetchDownloads(t *testing.T) {
	var requested atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested.Store(r.URL.Path)
		_, _ = w.Write([]byte("pdb-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := New(dir, logr.Discard(), WithServer(srv.URL))
	id := BuildID{Name: "ntkrnlmp.pdb", GUID: "AABBCCDD00112233445566778899AABB", Age: 0x1F}

	path, err := d.Fetch(context.Background(), id)
	require.NoError(t, err)

	// The server path uses the hex-formatted age with no separator.
	assert.Equal(t, "/ntkrnlmp.pdb/AABBCCDD00112233445566778899AABB1F/ntkrnlmp.pdb", requested.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pdb-bytes", string(data))
}

func TestFetchUsesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("cached fetch must not hit the server")
	}))
	defer srv.Close()

	dir := t.TempDir()
	d := New(dir, logr.Discard(), WithServer(srv.URL))
	id := BuildID{Name: "ntkrnlmp.pdb", GUID: "AABBCCDD00112233445566778899AABB", Age: 1}

	dest := d.Path(id)
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("cached"), 0o644))

	path, err := d.Fetch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, dest, path)
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := New(t.TempDir(), logr.Discard(), WithServer(srv.URL))
	_, err := d.Fetch(context.Background(), BuildID{Name: "x.pdb", GUID: "00", Age: 1})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := New(t.TempDir(), logr.Discard(), WithServer(srv.URL))
	path, err := d.Fetch(context.Background(), BuildID{Name: "x.pdb", GUID: "00", Age: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}
