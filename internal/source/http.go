// Package source builds loader producers over external collaborators: HTTP
// JSON endpoints, gRPC health checks, the storage port, and simulated flaky
// backends. Every producer threads the loader's context into the request it
// makes, so Stop and manual Retry abort work in flight.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/rshade/loadstate/internal/errkind"
	"github.com/rshade/loadstate/internal/loader"
	"github.com/rshade/loadstate/internal/logging"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// errorSnippetBytes caps how much of an error body is quoted in messages.
const errorSnippetBytes = 256

var (
	// ErrNoSessionID is returned when a session endpoint answers without an id.
	ErrNoSessionID = errors.New("response has no session id")
	// ErrResponseTooLarge is returned when a body exceeds maxBodyBytes.
	ErrResponseTooLarge = errors.New("response too large")
)

// HTTPJSON returns a producer that GETs url and decodes the JSON body into T.
// Transport failures and 408, 429, and 5xx answers are network errors; other
// non-2xx answers and undecodable bodies are validation errors.
func HTTPJSON[T any](client *http.Client, url string) loader.Producer[T] {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (T, error) {
		var out T
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return out, errkind.Wrap(errkind.KindValidation, "GET "+url, err)
		}
		req.Header.Set("Accept", "application/json")
		setTraceHeader(ctx, req)

		if err := doJSON(ctx, client, req, &out); err != nil {
			var zero T
			return zero, err
		}
		return out, nil
	}
}

// SessionID returns a producer that POSTs body as JSON to url and returns the
// session identifier from the response's "id" or "sessionId" field.
func SessionID(client *http.Client, url string, body any) loader.Producer[string] {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (string, error) {
		op := "POST " + url
		payload, err := json.Marshal(body)
		if err != nil {
			return "", errkind.Wrap(errkind.KindValidation, op, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return "", errkind.Wrap(errkind.KindValidation, op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		setTraceHeader(ctx, req)

		var resp struct {
			ID        string `json:"id"`
			SessionID string `json:"sessionId"`
		}
		if err := doJSON(ctx, client, req, &resp); err != nil {
			return "", err
		}
		switch {
		case resp.SessionID != "":
			return resp.SessionID, nil
		case resp.ID != "":
			return resp.ID, nil
		default:
			return "", errkind.Wrap(errkind.KindValidation, op, ErrNoSessionID)
		}
	}
}

func doJSON(ctx context.Context, client *http.Client, req *http.Request, out any) error {
	op := req.Method + " " + req.URL.String()
	log := logging.FromContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errkind.Network(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug().
		Ctx(ctx).
		Str("component", "source").
		Str("op", op).
		Int("status", resp.StatusCode).
		Msg("response received")

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errkind.Network(op, err)
	}
	if len(body) > maxBodyBytes {
		return errkind.Wrap(errkind.KindValidation, op,
			fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, maxBodyBytes))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errkind.Wrap(errkind.KindValidation, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// StatusError is a non-2xx HTTP answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func statusError(op string, code int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > errorSnippetBytes {
		snippet = truncateUTF8(snippet, errorSnippetBytes) + "..."
	}
	err := &StatusError{Code: code, Body: snippet}
	return errkind.Wrap(statusKind(code), op, err)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func statusKind(code int) errkind.Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return errkind.KindNetwork
	case code >= 400:
		return errkind.KindValidation
	default:
		return errkind.KindUnknown
	}
}
