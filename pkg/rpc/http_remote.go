package rpc

import (
	"aggregator/pkg/aggerrors"
	"aggregator/pkg/retry"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestIDHeader = "X-Request-Id"

// HTTPRemote talks to the aggregation server over its JSON API.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRemote(baseURL string, timeout time.Duration) *HTTPRemote {
	return &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
	}
}

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.Code, e.Body)
}

// Transient reports whether the request may succeed when resent.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
}

type putReq struct {
	Payload []byte `json:"payload"`
	Clock   uint64 `json:"clock"`
}

type healthResp struct {
	Status   string `json:"status"`
	Instance string `json:"instance"`
}

func (s *HTTPRemote) Put(ctx context.Context, sourceID string, payload []byte, clock uint64, requestID string) (Ack, error) {
	body, err := json.Marshal(putReq{Payload: payload, Clock: clock})
	if err != nil {
		return Ack{}, retry.Permanent(fmt.Errorf("encode PUT body: %w", err))
	}

	u := s.baseURL + "/api/v1/records/" + url.PathEscape(sourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return Ack{}, retry.Permanent(fmt.Errorf("create PUT request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set(requestIDHeader, requestID)
	}

	var ack Ack
	if err := s.do(req, &ack); err != nil {
		return Ack{}, fmt.Errorf("PUT %s: %w", sourceID, err)
	}
	return ack, nil
}

func (s *HTTPRemote) Get(ctx context.Context, sourceID string) (Record, uint64, error) {
	u := s.baseURL + "/api/v1/records/" + url.PathEscape(sourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Record{}, 0, retry.Permanent(fmt.Errorf("create GET request: %w", err))
	}

	var snap Snapshot
	if err := s.do(req, &snap); err != nil {
		return Record{}, 0, fmt.Errorf("GET %s: %w", sourceID, err)
	}
	if len(snap.Records) != 1 {
		return Record{}, 0, retry.Permanent(fmt.Errorf("GET %s: expected 1 record, got %d", sourceID, len(snap.Records)))
	}
	return snap.Records[0], snap.ServerClock, nil
}

func (s *HTTPRemote) GetAll(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/records", nil)
	if err != nil {
		return Snapshot{}, retry.Permanent(fmt.Errorf("create GET request: %w", err))
	}

	var snap Snapshot
	if err := s.do(req, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("GET all: %w", err)
	}
	return snap, nil
}

// Health returns the server instance id.
func (s *HTTPRemote) Health(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("create health request: %w", err))
	}

	var hr healthResp
	if err := s.do(req, &hr); err != nil {
		return "", fmt.Errorf("health: %w", err)
	}
	return hr.Instance, nil
}

// Close drops idle connections.
func (s *HTTPRemote) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// do sends req and decodes a 200 body into out. Errors that resending cannot
// fix are marked permanent.
func (s *HTTPRemote) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(fmt.Errorf("%w: %w", aggerrors.ErrNotFound, serr))
		case serr.Transient():
			return serr
		default:
			return retry.Permanent(serr)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
