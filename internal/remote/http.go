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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"golang.org/x/time/rate"

	"github.com/eons-dev/truckeefs/internal/fserr"
)

// Gateway-style REST surface: objects live under /uri/<cap>, a bare PUT on
// /uri creates a new one. Directories are fetched and stored as JSON entry
// lists with t=dir.
const uriPrefix = "/uri"

type HTTPConfig struct {
	// Endpoint is the base URL of the gateway, e.g. http://127.0.0.1:3456.
	Endpoint string

	// Timeout applies to each individual request.
	Timeout time.Duration

	// RequestsPerSecond limits calls to the gateway. Zero disables limiting.
	RequestsPerSecond float64

	// Attempts per request, the first included, before giving up on
	// transient failures.
	MaxRetries int
}

type httpBackend struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	retries  int
}

// NewHTTP creates a Backend speaking the gateway REST protocol.
func NewHTTP(c HTTPConfig) (Backend, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported endpoint scheme: %q", u.Scheme)
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if c.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), 1)
	}

	retries := c.MaxRetries
	if retries == 0 {
		retries = 3
	}

	return &httpBackend{
		endpoint: strings.TrimRight(c.Endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		retries:  retries,
	}, nil
}

func (b *httpBackend) GetObject(
	ctx context.Context,
	ref Ref,
	rng *ByteRange) (data []byte, err error) {
	req, err := http.NewRequest("GET", b.objectURL(ref), nil)
	if err != nil {
		return nil, err
	}
	if rng != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.Limit-1))
	}

	resp, err := b.do(ctx, req, nil)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindBackendUnavailable, "get_object", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound, http.StatusGone:
		return nil, fserr.New(fserr.KindNotFound, "get_object")
	default:
		return nil, fserr.Newf(
			fserr.KindBackendUnavailable, "get_object",
			"unexpected status %d", resp.StatusCode)
	}

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindBackendUnavailable, "get_object", err)
	}

	return data, nil
}

func (b *httpBackend) PutObject(
	ctx context.Context,
	data []byte) (ref Ref, err error) {
	req, err := http.NewRequest("PUT", b.endpoint+uriPrefix, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.do(ctx, req, data)
	if err != nil {
		return "", fserr.Wrap(fserr.KindBackendUnavailable, "put_object", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fserr.Newf(
			fserr.KindBackendUnavailable, "put_object",
			"unexpected status %d", resp.StatusCode)
	}

	// The gateway replies with the new capability as the body.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fserr.Wrap(fserr.KindBackendUnavailable, "put_object", err)
	}

	return Ref(strings.TrimSpace(string(body))), nil
}

func (b *httpBackend) GetDir(
	ctx context.Context,
	ref Ref) (entries []DirEntry, err error) {
	req, err := http.NewRequest("GET", b.objectURL(ref)+"?t=dir", nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.do(ctx, req, nil)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindBackendUnavailable, "get_dir", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, fserr.New(fserr.KindNotFound, "get_dir")
	default:
		return nil, fserr.Newf(
			fserr.KindBackendUnavailable, "get_dir",
			"unexpected status %d", resp.StatusCode)
	}

	if err = json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fserr.Wrap(fserr.KindCorrupt, "get_dir", err)
	}

	return entries, nil
}

func (b *httpBackend) PutDir(
	ctx context.Context,
	ref Ref,
	entries []DirEntry) (newRef Ref, err error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}

	target := b.endpoint + uriPrefix + "?t=dir"
	if ref != "" {
		target = b.objectURL(ref) + "?t=dir"
	}

	req, err := http.NewRequest("PUT", target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.do(ctx, req, payload)
	if err != nil {
		return "", fserr.Wrap(fserr.KindBackendUnavailable, "put_dir", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fserr.Newf(
			fserr.KindBackendUnavailable, "put_dir",
			"unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fserr.Wrap(fserr.KindBackendUnavailable, "put_dir", err)
	}

	return Ref(strings.TrimSpace(string(body))), nil
}

func (b *httpBackend) Delete(ctx context.Context, ref Ref) (err error) {
	req, err := http.NewRequest("DELETE", b.objectURL(ref), nil)
	if err != nil {
		return err
	}

	resp, err := b.do(ctx, req, nil)
	if err != nil {
		return fserr.Wrap(fserr.KindBackendUnavailable, "delete", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound, http.StatusGone:
		return fserr.New(fserr.KindNotFound, "delete")
	default:
		return fserr.Newf(
			fserr.KindBackendUnavailable, "delete",
			"unexpected status %d", resp.StatusCode)
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func (b *httpBackend) objectURL(ref Ref) string {
	return b.endpoint + uriPrefix + "/" + url.PathEscape(string(ref))
}

// do sends the request, replaying the body on each retry. Responses with 5xx
// status are retried with exponential backoff; 4xx are returned to the caller
// for classification.
func (b *httpBackend) do(
	ctx context.Context,
	req *http.Request,
	body []byte) (resp *http.Response, err error) {
	backoff := gax.Backoff{
		Initial:    200 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
	}

	for attempt := 0; ; attempt++ {
		if err = b.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		attemptReq := req.Clone(ctx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.ContentLength = int64(len(body))
		}

		resp, err = b.client.Do(attemptReq)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}

		if err == nil {
			resp.Body.Close()
			err = fmt.Errorf("server status %d", resp.StatusCode)
		}

		if attempt+1 >= b.retries {
			return nil, err
		}

		if sleepErr := gax.Sleep(ctx, backoff.Pause()); sleepErr != nil {
			return nil, sleepErr
		}
	}
}
