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

// Package fetch implements the upstream fetcher: an HTTP GET with a
// timeout, an optional response-body cache, and single-flight coalescing
// of concurrent callers.
//
// Coalescing is built on golang.org/x/sync/singleflight, the
// ecosystem-standard primitive for the "at most one in-flight call, all
// callers share its outcome" contract. The shared GET runs detached from
// every caller's context, bounded only by the fetcher's own timeout: a
// caller whose context ends stops waiting without cancelling the call, so
// the GET keeps running for the remaining waiters. The GET is not aborted
// when every caller has stopped waiting; it runs until it completes or its
// timeout expires.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Kind distinguishes the upstream failure modes the handler maps to HTTP
// status codes.
type Kind int

const (
	KindUnavailable Kind = iota
	KindTimeout
	KindBadStatus
	KindBodyError
)

// Error wraps one of the four upstream failure modes, preserving the
// offending HTTP status code for KindBadStatus.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("upstream timeout: %v", e.Err)
	case KindBadStatus:
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	case KindBodyError:
		return fmt.Sprintf("reading upstream body: %v", e.Err)
	default:
		return fmt.Sprintf("upstream unavailable: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Response is a fetched (or cache-served) upstream body.
type Response struct {
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

type cacheSlot struct {
	mu     sync.Mutex
	cached *Response
}

// Fetcher performs the GET for a single proxy's upstream. One Fetcher is
// owned by one ProxyInstance.
type Fetcher struct {
	client        *http.Client
	url           string
	timeout       time.Duration
	cacheDuration time.Duration // 0 disables the response cache

	cache cacheSlot
	sf    singleflight.Group
}

// New constructs a Fetcher. cacheDuration of 0 disables response caching.
func New(client *http.Client, url string, timeout, cacheDuration time.Duration) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, url: url, timeout: timeout, cacheDuration: cacheDuration}
}

// Fetch returns the upstream body, either from a fresh response cache entry
// or via a (possibly coalesced) GET. now is injected for testability.
func (f *Fetcher) Fetch(ctx context.Context, now func() time.Time) (*Response, error) {
	if f.cacheDuration > 0 {
		if resp, ok := f.freshCached(now()); ok {
			return resp, nil
		}
	}

	// The shared GET is not tied to any single caller's context: if this
	// caller is cancelled but other callers are still awaiting the same
	// call, the GET must keep running for them. DoChan starts the function
	// independent of any one waiter; this caller only stops *waiting* on
	// ctx cancellation, it never cancels the shared call itself.
	ch := f.sf.DoChan(f.url, func() (interface{}, error) {
		resp, ferr := f.doFetch()
		if ferr != nil {
			return nil, ferr
		}
		resp.FetchedAt = now()
		if f.cacheDuration > 0 {
			f.cache.mu.Lock()
			f.cache.cached = resp
			f.cache.mu.Unlock()
		}
		return resp, nil
	})

	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindTimeout, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	}
}

func (f *Fetcher) freshCached(now time.Time) (*Response, bool) {
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()

	if f.cache.cached == nil {
		return nil, false
	}
	if now.Sub(f.cache.cached.FetchedAt) >= f.cacheDuration {
		return nil, false
	}
	return f.cache.cached, true
}

func (f *Fetcher) doFetch() (*Response, error) {
	fetchCtx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if fetchCtx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindBadStatus, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindBodyError, Err: err}
	}

	return &Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FetchedAt:   time.Now(),
	}, nil
}
