package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/engram0/engram/internal/log"
)

const apiBase = "https://api.cloudflare.com"

// retryablePatterns groups error substrings by category, matched
// case-insensitively. The Cloudflare API does not expose typed errors, so
// transient failures are recognized by status text.
var retryablePatterns = [][]string{
	{"rate limit", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(lower, sub) {
				return true
			}
		}
	}
	return false
}

// client wraps the Cloudflare v4 API surface this backend needs: Vectorize
// for vectors, D1 for content rows, and Workers AI for embeddings. Every
// request is paced by a shared limiter and retried with exponential
// backoff on transient failures.
type client struct {
	baseURL    string
	accountID  string
	apiToken   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     log.Logger

	maxRetries      int
	initialInterval time.Duration
	maxInterval     time.Duration
}

func newClient(cfg Config, logger log.Logger) *client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = apiBase
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	return &client{
		baseURL:         baseURL,
		accountID:       cfg.AccountID,
		apiToken:        cfg.APIToken,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		limiter:         rate.NewLimiter(rate.Limit(10), 20),
		logger:          logger,
		maxRetries:      maxRetries,
		initialInterval: baseDelay,
		maxInterval:     10 * time.Second,
	}
}

// apiEnvelope is the uniform Cloudflare v4 response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do performs one API call with pacing and retry, decoding the envelope's
// result field into result when non-nil.
func (c *client) do(ctx context.Context, method, path string, body, result any) error {
	var lastErr error
	delay := c.initialInterval

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		err := c.doOnce(ctx, method, path, body, result)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			break
		}

		c.logger.Debug("retrying cloudflare request",
			"path", path,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.maxInterval)
		}
	}
	return fmt.Errorf("cloudflare request after %d retries: %w", c.maxRetries, lastErr)
}

func (c *client) doOnce(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	contentType := "application/json"
	switch b := body.(type) {
	case nil:
	case ndjsonBody:
		reqBody = bytes.NewReader(b)
		contentType = "application/x-ndjson"
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/client/v4/accounts/%s%s", c.baseURL, c.accountID, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cloudflare API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("unmarshaling response: %w", err)
	}
	if !envelope.Success {
		if len(envelope.Errors) > 0 {
			return fmt.Errorf("cloudflare API error %d: %s",
				envelope.Errors[0].Code, envelope.Errors[0].Message)
		}
		return fmt.Errorf("cloudflare API reported failure")
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("unmarshaling result: %w", err)
		}
	}
	return nil
}

// ndjsonBody marks a pre-encoded newline-delimited JSON payload, which the
// Vectorize insert endpoint requires.
type ndjsonBody []byte

// embed runs the Workers AI embedding model over one text.
func (c *client) embed(ctx context.Context, model, text string) ([]float32, error) {
	var result struct {
		Data [][]float32 `json:"data"`
	}
	err := c.do(ctx, http.MethodPost, "/ai/run/"+model,
		map[string]any{"text": []string{text}}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("workers AI returned no embedding")
	}
	return result.Data[0], nil
}

// vectorizeInsert writes vectors to the index as NDJSON.
func (c *client) vectorizeInsert(ctx context.Context, index string, vectors []vectorizeVector) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, v := range vectors {
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding vector: %w", err)
		}
	}
	path := fmt.Sprintf("/vectorize/v2/indexes/%s/insert", index)
	return c.do(ctx, http.MethodPost, path, ndjsonBody(buf.Bytes()), nil)
}

type vectorizeVector struct {
	ID     string    `json:"id"`
	Values []float32 `json:"values"`
}

type vectorizeMatch struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
}

// vectorizeQuery returns the topK nearest vector ids.
func (c *client) vectorizeQuery(ctx context.Context, index string, vector []float32, topK int) ([]vectorizeMatch, error) {
	var result struct {
		Matches []vectorizeMatch `json:"matches"`
	}
	path := fmt.Sprintf("/vectorize/v2/indexes/%s/query", index)
	err := c.do(ctx, http.MethodPost, path,
		map[string]any{"vector": vector, "topK": topK}, &result)
	if err != nil {
		return nil, err
	}
	return result.Matches, nil
}

// vectorizeDelete removes vectors by id.
func (c *client) vectorizeDelete(ctx context.Context, index string, ids []string) error {
	path := fmt.Sprintf("/vectorize/v2/indexes/%s/delete_by_ids", index)
	return c.do(ctx, http.MethodPost, path, map[string]any{"ids": ids}, nil)
}

// doRaw performs one non-envelope API call with the same pacing and
// retry as do, returning the raw response body. The R2 object endpoints
// speak raw bytes, not the v4 envelope.
func (c *client) doRaw(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var lastErr error
	delay := c.initialInterval

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		data, err := c.doRawOnce(ctx, method, path, contentType, body)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !retryableError(err) {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, c.maxInterval)
		}
	}
	return nil, fmt.Errorf("cloudflare request after %d retries: %w", c.maxRetries, lastErr)
}

func (c *client) doRawOnce(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	url := fmt.Sprintf("%s/client/v4/accounts/%s%s", c.baseURL, c.accountID, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cloudflare API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// r2Put uploads an object. The key must already be URL-safe; memory
// content keys are hex hashes.
func (c *client) r2Put(ctx context.Context, bucket, key string, data []byte) error {
	path := fmt.Sprintf("/r2/buckets/%s/objects/%s", bucket, key)
	_, err := c.doRaw(ctx, http.MethodPut, path, "application/octet-stream", data)
	return err
}

// r2Get fetches an object's raw bytes.
func (c *client) r2Get(ctx context.Context, bucket, key string) ([]byte, error) {
	path := fmt.Sprintf("/r2/buckets/%s/objects/%s", bucket, key)
	return c.doRaw(ctx, http.MethodGet, path, "", nil)
}

// r2Delete removes an object. Missing objects are not an error.
func (c *client) r2Delete(ctx context.Context, bucket, key string) error {
	path := fmt.Sprintf("/r2/buckets/%s/objects/%s", bucket, key)
	_, err := c.doRaw(ctx, http.MethodDelete, path, "", nil)
	if err != nil && strings.Contains(err.Error(), "status 404") {
		return nil
	}
	return err
}

// d1Query runs one parameterized statement against the D1 database and
// returns the rows of the first result set.
func (c *client) d1Query(ctx context.Context, database, sql string, params ...any) ([]map[string]any, error) {
	if params == nil {
		params = []any{}
	}
	var result []struct {
		Results []map[string]any `json:"results"`
		Success bool             `json:"success"`
	}
	path := fmt.Sprintf("/d1/database/%s/query", database)
	err := c.do(ctx, http.MethodPost, path,
		map[string]any{"sql": sql, "params": params}, &result)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	if !result[0].Success {
		return nil, fmt.Errorf("d1 statement failed")
	}
	return result[0].Results, nil
}

// d1Exec runs one parameterized write statement and returns how many rows
// it changed.
func (c *client) d1Exec(ctx context.Context, database, sql string, params ...any) (int, error) {
	if params == nil {
		params = []any{}
	}
	var result []struct {
		Success bool `json:"success"`
		Meta    struct {
			Changes int `json:"changes"`
		} `json:"meta"`
	}
	path := fmt.Sprintf("/d1/database/%s/query", database)
	err := c.do(ctx, http.MethodPost, path,
		map[string]any{"sql": sql, "params": params}, &result)
	if err != nil {
		return 0, err
	}
	if len(result) == 0 {
		return 0, nil
	}
	if !result[0].Success {
		return 0, fmt.Errorf("d1 statement failed")
	}
	return result[0].Meta.Changes, nil
}
