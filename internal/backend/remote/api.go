package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"roomsync/internal/models"

	"github.com/sony/gobreaker"
)

// APIError is a failed backend request. Message is the server's human-readable reason.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case models.ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case models.ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// errorBody covers the error shapes of the data, auth and storage APIs.
type errorBody struct {
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	ErrorDescription string `json:"error_description"`
	Error            string `json:"error"`
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
}

func parseError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return apiErr
	}
	for _, m := range []string{body.Message, body.Msg, body.ErrorDescription, body.Error} {
		if m != "" {
			apiErr.Message = m
			break
		}
	}
	switch {
	case body.ErrorCode != "":
		apiErr.Code = body.ErrorCode
	case body.Code != nil:
		apiErr.Code = fmt.Sprint(body.Code)
	}
	return apiErr
}

type request struct {
	method string
	path   string
	query  url.Values
	header http.Header
	// body is sent as is when it is an io.Reader and as JSON otherwise.
	body any
	// anonymous requests authenticate with the API key only.
	anonymous bool
}

// do sends the request through the circuit breaker and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, req request, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, req, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("backend unavailable: %w", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, req request, out any) error {
	var (
		body        io.Reader
		contentType string
	)
	switch b := req.body.(type) {
	case nil:
	case io.Reader:
		body = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return err
	}
	for k, v := range req.header {
		httpReq.Header[k] = v
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("apikey", c.apiKey)
	token := c.apiKey
	if !req.anonymous {
		if t := c.accessToken(); t != "" {
			token = t
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return parseError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// isSuccessful tells the breaker which failures count against the backend.
// Client errors and cancellations do not.
func isSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status < 500
	}
	return false
}
