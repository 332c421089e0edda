package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/joseph-ayodele/vat-checker/constants"
)

var itemStates = []constants.ItemState{
	constants.ItemQueued,
	constants.ItemProcessing,
	constants.ItemRetry,
	constants.ItemDone,
	constants.ItemError,
}

type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	return &client{base: strings.TrimRight(addr, "/"), http: &http.Client{}}
}

// apiError mirrors the daemon's error envelope.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (c *client) submit(ctx context.Context, lines []string, label string, out any) error {
	body, err := json.Marshal(map[string]any{"lines": lines, "label": label})
	if err != nil {
		return err
	}
	data, err := c.do(ctx, http.MethodPost, "/api/v1/batches", body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (c *client) poll(ctx context.Context, jobID string, out any) error {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (c *client) export(ctx context.Context, jobID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID)+"/export.xlsx", nil)
}

func (c *client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var env struct {
			Error apiError `json:"error"`
		}
		_ = json.Unmarshal(data, &env)
		env.Error.Status = resp.StatusCode
		return nil, &env.Error
	}
	return data, nil
}
