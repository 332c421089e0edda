package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/lookupkey"
)

// Config holds HTTP client settings for the VIES REST API.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPClient implements Registry over the VIES REST API.
type HTTPClient struct {
	cfg          Config
	http         *http.Client
	log          *slog.Logger
	checkSchema  *jsonschema.Schema
	statusSchema *jsonschema.Schema
}

var _ Registry = (*HTTPClient)(nil)

// NewHTTPClient builds a client. A nil httpClient gets one with cfg.Timeout.
func NewHTTPClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	checkSchema, err := compileSchema(checkSchemaName)
	if err != nil {
		return nil, err
	}
	statusSchema, err := compileSchema(statusSchemaName)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		cfg:          cfg,
		http:         httpClient,
		log:          logger,
		checkSchema:  checkSchema,
		statusSchema: statusSchema,
	}, nil
}

type checkRequest struct {
	CountryCode string `json:"countryCode"`
	VATNumber   string `json:"vatNumber"`
}

type checkResponse struct {
	CheckResult
	ActionSucceed *bool          `json:"actionSucceed,omitempty"`
	ErrorWrappers []errorWrapper `json:"errorWrappers,omitempty"`
}

type errorWrapper struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type statusResponse struct {
	Countries []struct {
		CountryCode  string `json:"countryCode"`
		Availability string `json:"availability"`
	} `json:"countries"`
}

// Check implements Registry.
func (c *HTTPClient) Check(ctx context.Context, key lookupkey.Key) (*CheckResult, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/check-vat-number"
	raw, status, err := c.send(ctx, http.MethodPost, endpoint, checkRequest{
		CountryCode: key.Jurisdiction,
		VATNumber:   key.Body,
	})
	if err != nil && raw == nil {
		return nil, err
	}

	if verr := validateJSON(c.checkSchema, raw); verr != nil {
		if err != nil {
			return nil, err
		}
		return nil, &Error{Code: constants.CodeUnexpectedResponse, Message: verr.Error(), HTTPStatus: status}
	}

	var resp checkResponse
	if uerr := json.Unmarshal(raw, &resp); uerr != nil {
		return nil, &Error{Code: constants.CodeUnexpectedResponse, Message: uerr.Error(), HTTPStatus: status}
	}
	if len(resp.ErrorWrappers) > 0 {
		w := resp.ErrorWrappers[0]
		return nil, &Error{Code: w.Error, Message: w.Message, HTTPStatus: status}
	}
	if err != nil {
		return nil, err
	}
	out := resp.CheckResult
	if out.CountryCode == "" {
		out.CountryCode = key.Jurisdiction
	}
	if out.VATNumber == "" {
		out.VATNumber = key.Body
	}
	out.Name = cleanField(out.Name)
	out.Address = cleanField(out.Address)
	return &out, nil
}

// Status implements Registry.
func (c *HTTPClient) Status(ctx context.Context) (*StatusSnapshot, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/check-status"
	raw, status, err := c.send(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if verr := validateJSON(c.statusSchema, raw); verr != nil {
		return nil, &Error{Code: constants.CodeUnexpectedResponse, Message: verr.Error(), HTTPStatus: status}
	}
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Code: constants.CodeUnexpectedResponse, Message: err.Error(), HTTPStatus: status}
	}
	snap := &StatusSnapshot{Countries: make(map[string]string, len(resp.Countries))}
	for _, cs := range resp.Countries {
		snap.Countries[constants.NormalizeJurisdiction(cs.CountryCode)] = cs.Availability
	}
	return snap, nil
}

// send issues a JSON request and returns the raw body. Non-2xx statuses return
// the body together with a *Error so callers can still read error wrappers.
func (c *HTTPClient) send(ctx context.Context, method, url string, body any) ([]byte, int, error) {
	reqID := uuid.New().String()
	start := time.Now()

	var rdr io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode json: %w", err)
		}
		rdr = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("registry.http.send_error", "req_id", reqID, "url", url, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, 0, transportError(ctx, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("registry.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, transportError(ctx, err)
	}

	c.log.Debug("registry.http.response",
		"req_id", reqID,
		"url", url,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return raw, resp.StatusCode, statusError(resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Code: constants.CodeTimeout, Message: "registry call timed out", Cause: err}
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return &Error{Code: constants.CodeTimeout, Message: "registry call timed out", Cause: err}
	}
	return &Error{Code: constants.CodeNetworkError, Message: err.Error(), Cause: err}
}

func statusError(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Code: constants.CodeGlobalMaxConcurrentReq, Message: "registry throttled the request", HTTPStatus: status}
	case status >= 500:
		return &Error{Code: constants.CodeServiceUnavailable, Message: http.StatusText(status), HTTPStatus: status}
	default:
		return &Error{Code: constants.CodeInvalidInput, Message: http.StatusText(status), HTTPStatus: status}
	}
}

// cleanField drops the "---" placeholder VIES returns for withheld fields.
func cleanField(s string) string {
	s = strings.TrimSpace(s)
	if s == "---" {
		return ""
	}
	return s
}
