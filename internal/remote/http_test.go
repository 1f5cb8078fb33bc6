// Copyright 2024 The TruckeeFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// miniGateway is just enough of the REST surface for the client tests.
type miniGateway struct {
	objects map[string][]byte
	nextRef int
	fail5xx int
}

func (g *miniGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.fail5xx > 0 {
		g.fail5xx--
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}

	switch {
	case r.Method == "PUT":
		body, _ := io.ReadAll(r.Body)
		g.nextRef++
		ref := "URI:CHK:test-" + strconv.Itoa(g.nextRef)
		g.objects[ref] = body
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, ref)

	case r.Method == "GET":
		ref, _ := strings.CutPrefix(r.URL.Path, "/uri/")
		data, ok := g.objects[ref]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if rh := r.Header.Get("Range"); rh != "" {
			var start, end int64
			_, err := parseRange(rh, &start, &end)
			if err == nil && start < int64(len(data)) {
				if end >= int64(len(data)) {
					end = int64(len(data)) - 1
				}
				w.WriteHeader(http.StatusPartialContent)
				w.Write(data[start : end+1])
				return
			}
		}
		w.Write(data)

	case r.Method == "DELETE":
		ref, _ := strings.CutPrefix(r.URL.Path, "/uri/")
		if _, ok := g.objects[ref]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(g.objects, ref)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
	}
}

func parseRange(h string, start, end *int64) (int, error) {
	h, _ = strings.CutPrefix(h, "bytes=")
	parts := strings.SplitN(h, "-", 2)
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}
	e, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, err
	}
	*start, *end = s, e
	return 2, nil
}

func newTestBackend(t *testing.T, g *miniGateway) Backend {
	t.Helper()

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	b, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)
	return b
}

func TestHTTPPutThenGet(t *testing.T) {
	g := &miniGateway{objects: make(map[string][]byte)}
	b := newTestBackend(t, g)
	ctx := context.Background()

	ref, err := b.PutObject(ctx, []byte("taco burrito"))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	got, err := b.GetObject(ctx, ref, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("taco burrito"), got)
}

func TestHTTPGetRange(t *testing.T) {
	g := &miniGateway{objects: make(map[string][]byte)}
	b := newTestBackend(t, g)
	ctx := context.Background()

	ref, err := b.PutObject(ctx, []byte("0123456789"))
	require.NoError(t, err)

	got, err := b.GetObject(ctx, ref, &ByteRange{Start: 2, Limit: 6})
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), got)
}

func TestHTTPNotFound(t *testing.T) {
	g := &miniGateway{objects: make(map[string][]byte)}
	b := newTestBackend(t, g)

	_, err := b.GetObject(context.Background(), "URI:CHK:nope", nil)
	assert.Error(t, err)
}

func TestHTTPRetriesTransientFailures(t *testing.T) {
	g := &miniGateway{objects: make(map[string][]byte), fail5xx: 2}
	b := newTestBackend(t, g)
	ctx := context.Background()

	// Two 503s, then success: within the default retry budget.
	ref, err := b.PutObject(ctx, []byte("persistent"))
	require.NoError(t, err)

	got, err := b.GetObject(ctx, ref, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("persistent"), got)
}

func TestHTTPDelete(t *testing.T) {
	g := &miniGateway{objects: make(map[string][]byte)}
	b := newTestBackend(t, g)
	ctx := context.Background()

	ref, err := b.PutObject(ctx, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, ref))
	assert.Error(t, b.Delete(ctx, ref))
}

func TestHTTPRejectsBadEndpoint(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{Endpoint: "ftp://example.com"})
	assert.Error(t, err)
}

func TestFakeDirRoundTrip(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	child, err := f.PutObject(ctx, []byte("hello"))
	require.NoError(t, err)

	entries := []DirEntry{{Name: "x", Ref: child, Kind: KindFile}}
	dirRef, err := f.PutDir(ctx, "", entries)
	require.NoError(t, err)

	got, err := f.GetDir(ctx, dirRef)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	// Directory capabilities are stable across updates.
	again, err := f.PutDir(ctx, dirRef, nil)
	require.NoError(t, err)
	assert.Equal(t, dirRef, again)
}

func TestFakeUnavailable(t *testing.T) {
	f := NewFake()
	f.SetUnavailable(true)

	_, err := f.PutObject(context.Background(), []byte("x"))
	assert.Error(t, err)

	f.SetUnavailable(false)
	_, err = f.PutObject(context.Background(), []byte("x"))
	assert.NoError(t, err)
}
