package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pairing-widget/internal/model"
	"pairing-widget/internal/util"
)

var (
	// ErrSessionGone is returned for 404 and 410, which mean the token is expired.
	ErrSessionGone = errors.New("pairing session not found or expired")
)

// StatusError is a non-2xx response that does not have a specific meaning.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP error! status: %d", e.Code)
	}
	return fmt.Sprintf("HTTP error! status: %d: %s", e.Code, e.Body)
}

// QRImage is a fetched QR code image.
type QRImage struct {
	ContentType string
	Data        []byte
}

// PairingClient talks to the pairing API.
type PairingClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewPairingClient creates a pairing API client. A nil httpClient uses a
// client with the given timeout.
func NewPairingClient(baseURL string, httpClient *http.Client, timeout time.Duration, logger *zap.Logger) *PairingClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PairingClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Generate issues a new pairing code.
func (c *PairingClient) Generate(ctx context.Context) (*model.GenerateResponse, error) {
	var out model.GenerateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/pairing/generate", nil, &out); err != nil {
		return nil, fmt.Errorf("generate pairing code: %w", err)
	}
	c.logger.Debug("Pairing code issued",
		util.Token(out.Token),
		util.Int("expires_in_seconds", out.ExpiresInSeconds),
	)
	return &out, nil
}

// Status polls the pairing status of token. 404 and 410 are reported as
// ErrSessionGone.
func (c *PairingClient) Status(ctx context.Context, token string) (*model.StatusResponse, error) {
	var out model.StatusResponse
	path := "/api/pairing/status/" + url.PathEscape(token)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("pairing status: %w", err)
	}
	return &out, nil
}

// QRURL returns the QR image URL for token with a fresh cache-busting parameter.
func (c *PairingClient) QRURL(token string) string {
	q := url.Values{}
	q.Set("t", strconv.FormatInt(c.now().UnixNano(), 10))
	return c.baseURL + "/api/pairing/qr/" + url.PathEscape(token) + "?" + q.Encode()
}

// QR fetches the QR image for token.
func (c *PairingClient) QR(ctx context.Context, token string) (*QRImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.QRURL(token), nil)
	if err != nil {
		return nil, fmt.Errorf("build QR request: %w", err)
	}
	req.Header.Set("Accept", "image/png,image/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch QR: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch QR: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read QR body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("fetch QR: empty image")
	}
	return &QRImage{ContentType: resp.Header.Get("Content-Type"), Data: data}, nil
}

func (c *PairingClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	return doJSON(ctx, c.httpClient, method, c.baseURL+path, body, out)
}

// doJSON is shared by the pairing and trust clients.
func doJSON(ctx context.Context, httpClient *http.Client, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return fmt.Errorf("%w (status %d)", ErrSessionGone, resp.StatusCode)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
