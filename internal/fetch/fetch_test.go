// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/metrics-proxy/internal/fetch"
)

func TestFetchSuccessReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("up 1\n"))
	}))
	defer srv.Close()

	f := fetch.New(http.DefaultClient, srv.URL, time.Second, 0)
	resp, err := f.Fetch(context.Background(), time.Now)
	require.NoError(t, err)
	assert.Equal(t, "up 1\n", string(resp.Body))
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("up 1\n"))
	}))
	defer srv.Close()

	f := fetch.New(http.DefaultClient, srv.URL, 10*time.Millisecond, 0)
	_, err := f.Fetch(context.Background(), time.Now)
	require.Error(t, err)

	var ferr *fetch.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, fetch.KindTimeout, ferr.Kind)
}

func TestFetchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := fetch.New(http.DefaultClient, srv.URL, time.Second, 0)
	_, err := f.Fetch(context.Background(), time.Now)
	require.Error(t, err)

	var ferr *fetch.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, fetch.KindBadStatus, ferr.Kind)
	assert.Equal(t, http.StatusInternalServerError, ferr.StatusCode)
}

func TestFetchUnavailable(t *testing.T) {
	f := fetch.New(http.DefaultClient, "http://127.0.0.1:1", time.Second, 0)
	_, err := f.Fetch(context.Background(), time.Now)
	require.Error(t, err)

	var ferr *fetch.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, fetch.KindUnavailable, ferr.Kind)
}

func TestSingleFlightCoalescesConcurrentRequests(t *testing.T) {
	var count int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&count, 1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte("up 1\n"))
	}))
	defer srv.Close()

	f := fetch.New(http.DefaultClient, srv.URL, time.Second, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), time.Now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&count))
}

func TestResponseCacheServesWithoutContactingUpstream(t *testing.T) {
	var count int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&count, 1)
		_, _ = w.Write([]byte("up 1\n"))
	}))
	defer srv.Close()

	f := fetch.New(http.DefaultClient, srv.URL, time.Second, time.Hour)

	_, err := f.Fetch(context.Background(), time.Now)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), time.Now)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&count))
}
