package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"pairing-widget/internal/model"
	"pairing-widget/internal/util"
)

// TrustClient talks to the trust verification API.
type TrustClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewTrustClient(baseURL string, httpClient *http.Client, timeout time.Duration, logger *zap.Logger) *TrustClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrustClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// TrustStatus reports whether hostname is already trusted on this device.
func (c *TrustClient) TrustStatus(ctx context.Context, hostname string) (*model.TrustStatusResponse, error) {
	q := url.Values{}
	q.Set("hostname", hostname)

	var out model.TrustStatusResponse
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/api/trust/trust-status?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("trust status: %w", err)
	}
	return &out, nil
}

// StartVerification opens a verification session for hostname.
func (c *TrustClient) StartVerification(ctx context.Context, hostname string) (*model.StartVerificationResponse, error) {
	var out model.StartVerificationResponse
	body := model.StartVerificationRequest{Hostname: hostname}
	if err := doJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+"/api/trust/start-verification", body, &out); err != nil {
		return nil, fmt.Errorf("start verification: %w", err)
	}
	c.logger.Debug("Trust verification started",
		util.String("hostname", hostname),
		util.String("session_id", out.SessionID),
	)
	return &out, nil
}

// VerifyStatus polls a verification session.
func (c *TrustClient) VerifyStatus(ctx context.Context, sessionID string) (*model.VerifyStatusResponse, error) {
	q := url.Values{}
	q.Set("sessionId", sessionID)

	var out model.VerifyStatusResponse
	if err := doJSON(ctx, c.httpClient, http.MethodGet, c.baseURL+"/api/trust/verify-status?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("verify status: %w", err)
	}
	return &out, nil
}
