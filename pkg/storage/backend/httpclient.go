// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapoffload/pkg/logger"
	"github.com/LeeDigitalWorks/zapoffload/pkg/types"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	restRetryMax     = 3
	restRetryWaitMin = 200 * time.Millisecond
	restRetryWaitMax = 3 * time.Second

	// maxErrorBody bounds how much of an error response is kept for diagnostics
	maxErrorBody = 4 << 10
)

// newRetryableClient creates the retrying client under every REST adapter.
// The last response is passed through once retries are exhausted so the
// adapter can classify it.
func newRetryableClient(kind types.BackendKind) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = restRetryMax
	client.RetryWaitMin = restRetryWaitMin
	client.RetryWaitMax = restRetryWaitMax
	client.Logger = logger.RetryableHTTPAdapter{Backend: string(kind)}
	client.CheckRetry = restRetryPolicy
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// restRetryPolicy retries connection errors and throttling/gateway statuses.
// Any other response is handed back to the adapter as-is.
func restRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp keeps the error for the final report
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// KindForStatus maps an HTTP status onto the error taxonomy
func KindForStatus(code int) types.ErrorKind {
	switch {
	case code == http.StatusNotFound:
		return types.KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.KindPermissionDenied
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return types.KindTransient
	default:
		return types.KindBackendUnavailable
	}
}

// statusError consumes resp and turns it into a classified error
func statusError(op, key string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &types.Error{
		Kind: KindForStatus(resp.StatusCode),
		Op:   op,
		Key:  key,
		Msg:  fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

// transportError classifies a failure to obtain any response at all
func transportError(op, key string, err error) error {
	var te *types.Error
	switch {
	case errors.As(err, &te):
		return &types.Error{Kind: te.Kind, Op: op, Key: key, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &types.Error{Kind: types.KindTransient, Op: op, Key: key, Err: err}
	default:
		return &types.Error{Kind: types.KindBackendUnavailable, Op: op, Key: key, Err: err}
	}
}

// restClient is the shared request helper of the REST adapters
type restClient struct {
	kind types.BackendKind
	http *http.Client
}

type request struct {
	method  string
	url     string
	body    []byte
	ctype   string
	headers map[string]string
}

// do sends r. Bodies are byte slices so the token-refresh middleware can replay them.
func (c *restClient) do(ctx context.Context, r request) (*http.Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, types.NewError(types.KindConfigInvalid, string(c.kind), "build request", err)
	}
	if r.ctype != "" {
		req.Header.Set("Content-Type", r.ctype)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

// doJSON sends r and decodes a 2xx JSON response into out (which may be nil).
func (c *restClient) doJSON(ctx context.Context, op, key string, r request, out any) error {
	resp, err := c.do(ctx, r)
	if err != nil {
		return transportError(op, key, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, key, resp)
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &types.Error{Kind: types.KindBackendUnavailable, Op: op, Key: key, Msg: "decode response", Err: err}
	}
	return nil
}

// getRange sends r with a Range header and returns exactly the requested
// window. Servers that ignore Range are emulated by discarding the prefix and
// limiting the remainder.
func (c *restClient) getRange(ctx context.Context, op, key string, r request, offset, length int64) (io.ReadCloser, error) {
	h := map[string]string{}
	for k, v := range r.headers {
		h[k] = v
	}
	if offset > 0 || length > 0 {
		h["Range"] = rangeHeader(offset, length)
	}
	r.headers = h

	resp, err := c.do(ctx, r)
	if err != nil {
		return nil, transportError(op, key, err)
	}
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return io.NopCloser(bytes.NewReader(nil)), nil
	case resp.StatusCode == http.StatusPartialContent:
		return limitBody(resp.Body, length), nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return sliceBody(resp.Body, offset, length)
	default:
		return nil, statusError(op, key, resp)
	}
}

func rangeHeader(offset, length int64) string {
	if length > 0 {
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	return fmt.Sprintf("bytes=%d-", offset)
}

// sliceBody emulates a ranged read over a full-content body
func sliceBody(body io.ReadCloser, offset, length int64) (io.ReadCloser, error) {
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, body, offset); err != nil {
			body.Close()
			if err == io.EOF {
				return io.NopCloser(bytes.NewReader(nil)), nil
			}
			return nil, types.NewError(types.KindTransient, "range", "skip to offset", err)
		}
	}
	return limitBody(body, length), nil
}

func limitBody(body io.ReadCloser, length int64) io.ReadCloser {
	if length <= 0 {
		return body
	}
	return &limitedReadCloser{
		Reader: io.LimitReader(body, length),
		Closer: body,
	}
}

// limitedReadCloser wraps a limited reader with a closer
type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// readChunk fills buf from r, returning the number of bytes read and whether r is exhausted
func readChunk(r io.Reader, buf []byte) (int, bool, error) {
	n, err := io.ReadFull(r, buf)
	switch err {
	case nil:
		return n, false, nil
	case io.EOF, io.ErrUnexpectedEOF:
		return n, true, nil
	default:
		return n, false, err
	}
}
