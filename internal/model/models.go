package model

import "time"

// Pairing status values reported by the pairing API.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusExpired   = "expired"
)

// -------------------- PAIRING API --------------------

// GenerateResponse is returned by POST /api/pairing/generate.
type GenerateResponse struct {
	Token            string  `json:"token"`
	PIN              string  `json:"pin"`
	QRData           string  `json:"qr_data,omitempty"`
	ExpiresAt        float64 `json:"expires_at,omitempty"` // unix seconds
	ExpiresInSeconds int     `json:"expires_in_seconds"`
}

// VerificationResult carries the message shown on confirmation.
type VerificationResult struct {
	Message string `json:"message,omitempty"`
}

// StatusResponse is returned by GET /api/pairing/status/{token}.
type StatusResponse struct {
	Token              string              `json:"token,omitempty"`
	Status             string              `json:"status"`
	RemainingSeconds   *int                `json:"remaining_seconds,omitempty"`
	VerificationResult *VerificationResult `json:"verification_result,omitempty"`
	DeviceID           string              `json:"device_id,omitempty"`
	DeviceName         string              `json:"device_name,omitempty"`
	Message            string              `json:"message,omitempty"`
}

// -------------------- TRUST API --------------------

// TrustStatusResponse is returned by GET /api/trust/trust-status.
type TrustStatusResponse struct {
	Trusted        bool   `json:"trusted"`
	TrustImageURL  string `json:"trustImageUrl,omitempty"`
	LastVerifiedAt string `json:"lastVerifiedAt,omitempty"`
}

// StartVerificationRequest is the body of POST /api/trust/start-verification.
type StartVerificationRequest struct {
	Hostname string `json:"hostname"`
}

// StartVerificationResponse is returned by POST /api/trust/start-verification.
type StartVerificationResponse struct {
	SessionID string `json:"sessionId"`
	QRCodeURL string `json:"qrCodeUrl"`
}

// VerifyStatusResponse is returned by GET /api/trust/verify-status.
type VerifyStatusResponse struct {
	Trusted        bool   `json:"trusted"`
	TrustToken     string `json:"trustToken,omitempty"`
	TrustImageURL  string `json:"trustImageUrl,omitempty"`
	LastVerifiedAt string `json:"lastVerifiedAt,omitempty"`
}

// -------------------- LIFECYCLE EVENTS --------------------

// Event types published on the lifecycle stream.
const (
	EventIssued      = "pairing.issued"
	EventIssueFailed = "pairing.issue_failed"
	EventConfirmed   = "pairing.confirmed"
	EventExpired     = "pairing.expired"
	EventClosed      = "pairing.closed"
	EventTrusted     = "trust.verified"
)

// Event is one lifecycle transition of a widget.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	WidgetID   string    `json:"widget_id,omitempty"`
	Token      string    `json:"token,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notification is the one-shot message sent when a pairing is confirmed.
type Notification struct {
	WidgetID   string `json:"widget_id,omitempty"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	DeviceName string `json:"device_name,omitempty"`
}
