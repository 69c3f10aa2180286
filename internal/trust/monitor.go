// Package trust tracks whether the current hostname is trusted on this
// device and drives the QR based verification flow when it is not.
package trust

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pairing-widget/internal/model"
	"pairing-widget/internal/scheduler"
	"pairing-widget/internal/util"
)

var (
	ErrMissingHostname = errors.New("missing hostname")
	ErrStartInProgress = errors.New("verification is already starting")
)

// Status is the trust state shown to the user.
type Status string

const (
	StatusLoading    Status = "loading"
	StatusUnverified Status = "unverified"
	StatusVerified   Status = "verified"
	StatusError      Status = "error"
)

const DefaultPollInterval = 4 * time.Second

// API is the remote trust service.
type API interface {
	TrustStatus(ctx context.Context, hostname string) (*model.TrustStatusResponse, error)
	StartVerification(ctx context.Context, hostname string) (*model.StartVerificationResponse, error)
	VerifyStatus(ctx context.Context, sessionID string) (*model.VerifyStatusResponse, error)
}

type FlagStore interface {
	Mark(ctx context.Context, subject string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// Session is an open verification session.
type Session struct {
	ID        string    `json:"session_id"`
	QRCodeURL string    `json:"qr_code_url"`
	StartedAt time.Time `json:"started_at"`
}

// View is a snapshot of the monitor.
type View struct {
	Hostname       string   `json:"hostname"`
	Status         Status   `json:"status"`
	Message        string   `json:"message,omitempty"`
	TrustImageURL  string   `json:"trust_image_url,omitempty"`
	LastVerifiedAt string   `json:"last_verified_at,omitempty"`
	Session        *Session `json:"session,omitempty"`
	Starting       bool     `json:"starting"`
	Polling        bool     `json:"polling"`
}

type Config struct {
	Hostname     string
	Subject      string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Monitor is safe for concurrent use.
type Monitor struct {
	api      API
	cfg      Config
	clock    scheduler.Clock
	flags    FlagStore
	events   EventPublisher
	onChange func(View)
	logger   *zap.Logger

	mu       sync.Mutex
	view     View
	poll     scheduler.Task
	pollGen  uint64
	starting bool
}

type Option func(*Monitor)

func WithClock(clock scheduler.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

func WithFlagStore(s FlagStore) Option {
	return func(m *Monitor) { m.flags = s }
}

func WithEvents(p EventPublisher) Option {
	return func(m *Monitor) { m.events = p }
}

// WithOnChange registers fn to be called, with the monitor locked, after
// every state change.
func WithOnChange(fn func(View)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMonitor(api API, cfg Config, opts ...Option) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.Hostname = util.NormalizeHostname(cfg.Hostname)

	m := &Monitor{
		api:    api,
		cfg:    cfg,
		clock:  scheduler.Real(),
		logger: zap.NewNop(),
		view:   View{Hostname: cfg.Hostname, Status: StatusLoading},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(util.String("hostname", cfg.Hostname))
	return m
}

// View returns the current snapshot.
func (m *Monitor) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Refresh looks up the current trust status of the hostname.
func (m *Monitor) Refresh(ctx context.Context) error {
	if m.cfg.Hostname == "" {
		m.setError(ErrMissingHostname.Error())
		return ErrMissingHostname
	}

	m.mu.Lock()
	if m.view.Status != StatusLoading {
		m.view.Status = StatusLoading
		m.view.Message = ""
		m.changedLocked()
	}
	m.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	resp, err := m.api.TrustStatus(reqCtx, m.cfg.Hostname)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger.Warn("Failed to fetch trust status", util.ErrorField(err))
		m.view.Status = StatusError
		m.view.Message = "Could not fetch trust status."
		m.changedLocked()
		return err
	}
	if resp.Trusted {
		m.view.Status = StatusVerified
		m.view.TrustImageURL = resp.TrustImageURL
		m.view.LastVerifiedAt = resp.LastVerifiedAt
	} else {
		m.view.Status = StatusUnverified
	}
	m.view.Message = ""
	m.changedLocked()
	return nil
}

// StartVerification opens a verification session and starts polling it. Only
// one start may be in flight.
func (m *Monitor) StartVerification(ctx context.Context) error {
	if m.cfg.Hostname == "" {
		m.setError(ErrMissingHostname.Error())
		return ErrMissingHostname
	}

	m.mu.Lock()
	if m.starting {
		m.mu.Unlock()
		return ErrStartInProgress
	}
	m.starting = true
	if m.view.Status == StatusError {
		m.view.Status = StatusUnverified
		m.view.Message = ""
	}
	m.changedLocked()
	m.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	resp, err := m.api.StartVerification(reqCtx, m.cfg.Hostname)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.starting = false
	if err != nil {
		m.logger.Warn("Failed to start trust verification", util.ErrorField(err))
		m.view.Status = StatusError
		m.view.Message = "Could not start verification."
		m.changedLocked()
		return err
	}

	session := &Session{ID: resp.SessionID, QRCodeURL: resp.QRCodeURL, StartedAt: m.clock.Now()}
	m.view.Session = session
	m.startPollingLocked(session.ID)
	m.changedLocked()
	m.logger.Info("Trust verification started", util.String("session_id", session.ID))
	return nil
}

// Close stops polling. The monitor can be refreshed or restarted afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopPollingLocked()
}

func (m *Monitor) startPollingLocked(sessionID string) {
	m.stopPollingLocked()
	gen := m.pollGen
	m.poll = m.clock.Every(m.cfg.PollInterval, true, func() { m.pollOnce(sessionID, gen) })
}

func (m *Monitor) stopPollingLocked() {
	scheduler.Stop(m.poll)
	m.poll = nil
	m.pollGen++
}

func (m *Monitor) pollOnce(sessionID string, gen uint64) {
	if !m.currentPoll(sessionID, gen) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	resp, err := m.api.VerifyStatus(ctx, sessionID)
	cancel()

	m.mu.Lock()
	if gen != m.pollGen || m.view.Session == nil || m.view.Session.ID != sessionID {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.logger.Warn("Failed to poll trust verification", util.String("session_id", sessionID), util.ErrorField(err))
		m.view.Status = StatusError
		m.view.Message = "Could not fetch verification session status."
		m.changedLocked()
		m.mu.Unlock()
		return
	}
	if !resp.Trusted {
		m.mu.Unlock()
		return
	}

	m.view.Status = StatusVerified
	m.view.Message = ""
	m.view.TrustImageURL = resp.TrustImageURL
	m.view.LastVerifiedAt = resp.LastVerifiedAt
	m.view.Session = nil
	m.stopPollingLocked()
	m.changedLocked()
	m.mu.Unlock()

	m.logger.Info("Hostname verified", util.String("session_id", sessionID))
	m.afterVerified()
}

func (m *Monitor) currentPoll(sessionID string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.pollGen && m.view.Session != nil && m.view.Session.ID == sessionID
}

func (m *Monitor) afterVerified() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	if m.flags != nil && m.cfg.Subject != "" {
		if err := m.flags.Mark(ctx, m.cfg.Subject); err != nil {
			m.logger.Warn("Failed to persist verification flag", util.ErrorField(err))
		}
	}
	if m.events != nil {
		e := model.Event{
			ID:         uuid.NewString(),
			Type:       model.EventTrusted,
			WidgetID:   m.cfg.Subject,
			OccurredAt: m.clock.Now().UTC(),
		}
		if err := m.events.Publish(ctx, e); err != nil {
			m.logger.Warn("Failed to publish trust event", util.ErrorField(err))
		}
	}
}

func (m *Monitor) setError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.view.Status = StatusError
	m.view.Message = msg
	m.changedLocked()
}

func (m *Monitor) changedLocked() {
	if m.onChange != nil {
		m.onChange(m.snapshotLocked())
	}
}

func (m *Monitor) snapshotLocked() View {
	v := m.view
	if v.Session != nil {
		s := *v.Session
		v.Session = &s
	}
	v.Starting = m.starting
	v.Polling = scheduler.Running(m.poll)
	return v
}
