// Package pairing owns the lifecycle of a widget's pairing code: issuing it,
// counting it down, polling the remote status and reconciling the two.
//
// The remote status is authoritative. The local countdown reaching zero only
// changes what is displayed (00:00, refresh enabled); the session leaves
// StateActive when the server reports "confirmed" or "expired", or answers a
// poll with 404/410.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pairing-widget/internal/client"
	"pairing-widget/internal/model"
	"pairing-widget/internal/scheduler"
	"pairing-widget/internal/util"
)

var (
	ErrIssueInProgress = errors.New("a pairing code is already being issued")
	ErrInvalidToken    = errors.New("pairing service returned an invalid token")
	ErrNoSession       = errors.New("no active pairing session")
)

const countdownInterval = time.Second

// API is the remote pairing service.
type API interface {
	Generate(ctx context.Context) (*model.GenerateResponse, error)
	Status(ctx context.Context, token string) (*model.StatusResponse, error)
	QR(ctx context.Context, token string) (*client.QRImage, error)
	QRURL(token string) string
}

// Renderer receives a View after every visible change. It is called with the
// controller locked, in order, and must not call back into the Controller.
type Renderer interface {
	Render(View)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(View)

func (f RendererFunc) Render(v View) { f(v) }

// Notifier delivers the one-shot confirmation notification.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// FlagStore persists the "this browser verified before" flag per widget.
type FlagStore interface {
	Mark(ctx context.Context, subject string) error
	IsMarked(ctx context.Context, subject string) (bool, error)
}

// EventPublisher receives lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, e model.Event) error
}

// Config holds the controller's timing and validation knobs.
type Config struct {
	WidgetID string
	// DefaultTTL is also the ceiling for server declared TTLs.
	DefaultTTL     time.Duration
	PollInterval   time.Duration
	MinTokenLength int
	RequestTimeout time.Duration
}

// PollResult is one status poll outcome for Token.
type PollResult struct {
	Token    string
	Response *model.StatusResponse
	Err      error
}

// Controller is one widget instance. All methods are safe for concurrent use.
type Controller struct {
	api      API
	cfg      Config
	clock    scheduler.Clock
	renderer Renderer
	notifier Notifier
	flags    FlagStore
	events   EventPublisher
	logger   *zap.Logger
	spawn    func(func())

	mu           sync.Mutex
	open         bool
	state        State
	session      *Session
	countdown    scheduler.Task
	countdownGen uint64
	poll         scheduler.Task
	pollGen      uint64
	issueSeq     uint64
	notified     bool
	verified     bool
	errMsg       string
	qr           QRView
}

// Option configures a Controller.
type Option func(*Controller)

func WithClock(clock scheduler.Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithRenderer(r Renderer) Option {
	return func(c *Controller) {
		if r != nil {
			c.renderer = r
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		if n != nil {
			c.notifier = n
		}
	}
}

func WithFlagStore(s FlagStore) Option {
	return func(c *Controller) {
		if s != nil {
			c.flags = s
		}
	}
}

func WithEvents(p EventPublisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.events = p
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewController creates an idle controller. Zero config values get defaults.
func NewController(api API, cfg Config, opts ...Option) *Controller {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MinTokenLength <= 0 {
		cfg.MinTokenLength = 16
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	c := &Controller{
		api:      api,
		cfg:      cfg,
		clock:    scheduler.Real(),
		renderer: RendererFunc(func(View) {}),
		logger:   zap.NewNop(),
		spawn:    func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(util.String("widget_id", cfg.WidgetID))
	return c
}

// Open opens the widget and issues a code. Opening an already open widget
// with a live or in-flight code does nothing.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	wasOpen := c.open
	c.open = true
	state := c.state
	c.mu.Unlock()

	if c.flags != nil {
		marked, err := c.flags.IsMarked(ctx, c.cfg.WidgetID)
		if err != nil {
			c.logger.Warn("Failed to read verification flag", util.ErrorField(err))
		}
		if marked {
			c.mu.Lock()
			c.verified = true
			c.mu.Unlock()
		}
	}

	if wasOpen && (state == StateActive || state == StateIssuing) {
		return nil
	}
	return c.IssueNewCode(ctx)
}

// IssueNewCode replaces any current session with a freshly issued one. While a
// code is being issued further calls return ErrIssueInProgress and change
// nothing. A failure leaves the controller idle with the error displayed; it
// is never retried automatically.
func (c *Controller) IssueNewCode(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIssuing {
		c.mu.Unlock()
		return ErrIssueInProgress
	}
	c.open = true
	c.stopTimersLocked()
	c.session = nil
	c.state = StateIssuing
	c.issueSeq++
	seq := c.issueSeq
	c.errMsg = ""
	c.qr = QRView{}
	c.renderLocked()
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	resp, err := c.api.Generate(reqCtx)
	cancel()
	if err == nil {
		err = c.validate(resp)
	}

	c.mu.Lock()
	if seq != c.issueSeq || c.state != StateIssuing {
		// Closed or replaced while the request was in flight.
		c.mu.Unlock()
		c.logger.Debug("Discarding superseded issue result", util.Bool("failed", err != nil))
		return nil
	}

	if err != nil {
		c.state = StateIdle
		c.errMsg = issueErrorMessage(err)
		c.renderLocked()
		c.mu.Unlock()

		c.logger.Warn("Failed to issue pairing code", util.ErrorField(err))
		c.publish(model.Event{Type: model.EventIssueFailed, Reason: err.Error()})
		return fmt.Errorf("issue pairing code: %w", err)
	}

	ttl := c.clampTTL(resp.ExpiresInSeconds)
	session := &Session{
		Token:            resp.Token,
		PIN:              resp.PIN,
		TTLSeconds:       ttl,
		RemainingSeconds: ttl,
		Status:           model.StatusPending,
		IssuedAt:         c.clock.Now(),
	}
	c.session = session
	c.state = StateActive
	c.notified = false
	c.startCountdownLocked(session.Token)
	c.startStatusPollingLocked(session.Token)
	c.qr = QRView{State: QRLoading, URL: c.api.QRURL(session.Token)}
	c.renderLocked()
	c.mu.Unlock()

	c.logger.Info("Pairing code issued",
		util.Token(session.Token),
		util.Int("ttl_seconds", ttl),
		util.Int("server_ttl_seconds", resp.ExpiresInSeconds),
	)
	c.publish(model.Event{Type: model.EventIssued, Token: session.Token})

	token := session.Token
	c.spawn(func() { c.loadQR(token) })
	return nil
}

// Close returns the widget to idle, cancels both timers and discards the
// effect of any request still in flight.
func (c *Controller) Close() {
	c.mu.Lock()
	hadSession := c.session != nil
	var token string
	if hadSession {
		token = c.session.Token
	}
	c.open = false
	c.stopTimersLocked()
	c.session = nil
	c.state = StateIdle
	c.issueSeq++
	c.errMsg = ""
	c.qr = QRView{}
	c.renderLocked()
	c.mu.Unlock()

	if hadSession {
		c.publish(model.Event{Type: model.EventClosed, Token: token})
	}
}

// View returns the current snapshot.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current session.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Verified reports whether this widget has a verification flag, either
// persisted from an earlier visit or set by a confirmation.
func (c *Controller) Verified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified
}

// LoadQR fetches the QR asset for token. It does not touch controller state.
func (c *Controller) LoadQR(ctx context.Context, token string) (QRAsset, error) {
	if token == "" {
		return QRAsset{}, ErrNoSession
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	img, err := c.api.QR(reqCtx, token)
	if err != nil {
		return QRAsset{}, err
	}
	return QRAsset{
		Token:       token,
		URL:         c.api.QRURL(token),
		ContentType: img.ContentType,
		Data:        img.Data,
	}, nil
}

func (c *Controller) loadQR(token string) {
	asset, err := c.LoadQR(context.Background(), token)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.Token != token {
		return
	}
	if err != nil {
		c.logger.Warn("Failed to load QR code", util.Token(token), util.ErrorField(err))
		c.qr = QRView{State: QRFailed, URL: c.qr.URL, Error: "Failed to load QR code, use the PIN instead."}
	} else {
		c.qr = QRView{State: QRLoaded, URL: asset.URL, Image: asset.Data}
	}
	c.renderLocked()
}

// Reconcile merges a poll result into the session. It is the only way out of
// StateActive. Results for a token that is no longer current are ignored, and
// repeated identical results change nothing.
func (c *Controller) Reconcile(res PollResult) {
	var effects []func()

	c.mu.Lock()
	func() {
		if c.state != StateActive || c.session == nil || c.session.Token != res.Token {
			c.logger.Debug("Discarding stale poll result", util.Token(res.Token), util.String("state", c.state.String()))
			return
		}

		if res.Err != nil {
			if errors.Is(res.Err, client.ErrSessionGone) {
				effects = c.expireLocked("session gone")
				return
			}
			c.logger.Warn("Transient pairing status error", util.Token(res.Token), util.ErrorField(res.Err))
			return
		}
		if res.Response == nil {
			return
		}

		switch res.Response.Status {
		case model.StatusConfirmed:
			effects = c.confirmLocked(res.Response)
		case model.StatusExpired:
			effects = c.expireLocked("expired")
		case model.StatusPending:
			if c.resyncLocked(res.Response.RemainingSeconds) {
				c.renderLocked()
			}
		default:
			c.logger.Warn("Unknown pairing status", util.String("status", res.Response.Status))
		}
	}()
	c.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
}

func (c *Controller) resyncLocked(remaining *int) bool {
	if remaining == nil {
		return false
	}
	s := c.session
	server := clamp(*remaining, 0, s.TTLSeconds)
	changed := false

	if server > 0 && server < s.RemainingSeconds {
		s.RemainingSeconds = server
		changed = true
	}
	if server > 0 && !scheduler.Running(c.countdown) {
		if s.RemainingSeconds == 0 {
			s.RemainingSeconds = server
		}
		c.startCountdownLocked(s.Token)
		changed = true
	}
	return changed
}

func (c *Controller) confirmLocked(resp *model.StatusResponse) []func() {
	s := c.session
	c.stopTimersLocked()
	c.state = StateConfirmed
	s.Status = model.StatusConfirmed
	s.DeviceName = util.SanitizeInput(resp.DeviceName)
	s.Message = "Pairing confirmed"
	if resp.VerificationResult != nil && resp.VerificationResult.Message != "" {
		s.Message = util.SanitizeInput(resp.VerificationResult.Message)
	}
	c.verified = true
	c.renderLocked()

	c.logger.Info("Pairing confirmed", util.Token(s.Token), util.String("device_name", s.DeviceName))

	token, device, message := s.Token, s.DeviceName, s.Message
	effects := []func(){
		func() { c.markVerified() },
		func() {
			c.publish(model.Event{Type: model.EventConfirmed, Token: token, DeviceName: device})
		},
	}
	if !c.notified {
		c.notified = true
		effects = append(effects, func() { c.notify(token, device, message) })
	}
	return effects
}

func (c *Controller) expireLocked(reason string) []func() {
	s := c.session
	c.stopTimersLocked()
	c.state = StateExpired
	s.Status = model.StatusExpired
	s.RemainingSeconds = 0
	c.renderLocked()

	c.logger.Info("Pairing code expired", util.Token(s.Token), util.String("reason", reason))

	token := s.Token
	return []func(){
		func() { c.publish(model.Event{Type: model.EventExpired, Token: token, Reason: reason}) },
	}
}

func (c *Controller) startCountdownLocked(token string) {
	scheduler.Stop(c.countdown)
	c.countdownGen++
	gen := c.countdownGen
	c.countdown = c.clock.Every(countdownInterval, false, func() { c.onCountdownTick(token, gen) })
}

func (c *Controller) onCountdownTick(token string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.countdownGen || c.state != StateActive || c.session == nil || c.session.Token != token {
		return
	}
	s := c.session
	s.RemainingSeconds = clamp(s.RemainingSeconds-1, 0, s.TTLSeconds)
	if s.RemainingSeconds == 0 {
		scheduler.Stop(c.countdown)
		c.logger.Debug("Countdown reached zero, waiting for server status", util.Token(token))
	}
	c.renderLocked()
}

// startStatusPollingLocked polls right away and then every PollInterval.
func (c *Controller) startStatusPollingLocked(token string) {
	scheduler.Stop(c.poll)
	c.pollGen++
	gen := c.pollGen
	c.poll = c.clock.Every(c.cfg.PollInterval, true, func() { c.pollOnce(token, gen) })
}

func (c *Controller) pollOnce(token string, gen uint64) {
	c.mu.Lock()
	current := gen == c.pollGen && c.state == StateActive && c.session != nil && c.session.Token == token
	c.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	resp, err := c.api.Status(ctx, token)
	cancel()

	c.Reconcile(PollResult{Token: token, Response: resp, Err: err})
}

func (c *Controller) stopTimersLocked() {
	scheduler.Stop(c.countdown)
	scheduler.Stop(c.poll)
	c.countdown = nil
	c.poll = nil
	c.countdownGen++
	c.pollGen++
}

func (c *Controller) validate(resp *model.GenerateResponse) error {
	if resp == nil || len(resp.Token) < c.cfg.MinTokenLength {
		return ErrInvalidToken
	}
	return nil
}

// clampTTL never trusts a server TTL above the configured default.
func (c *Controller) clampTTL(serverSeconds int) int {
	ceiling := int(c.cfg.DefaultTTL / time.Second)
	if serverSeconds <= 0 {
		return ceiling
	}
	return clamp(serverSeconds, 1, ceiling)
}

func (c *Controller) renderLocked() {
	c.renderer.Render(c.viewLocked())
}

func (c *Controller) viewLocked() View {
	v := View{
		WidgetID:           c.cfg.WidgetID,
		State:              c.state,
		PIN:                PINPlaceholder,
		ErrorMessage:       c.errMsg,
		PreviouslyVerified: c.verified,
		QR:                 c.qr,
	}

	if s := c.session; s != nil {
		v.PIN = s.PIN
		v.RemainingSeconds = s.RemainingSeconds
		v.TTLSeconds = s.TTLSeconds
		v.Countdown = FormatCountdown(s.RemainingSeconds)
		v.DeviceName = s.DeviceName
		if s.TTLSeconds > 0 {
			v.Progress = float64(s.RemainingSeconds) / float64(s.TTLSeconds)
		}
	}

	switch c.state {
	case StateIdle:
		v.RefreshEnabled = true
	case StateIssuing:
		v.StatusMessage = "Generating pairing code..."
	case StateActive:
		v.StatusMessage = "Waiting for QR scan or PIN entry..."
		v.Warning = v.RemainingSeconds < 60
		v.RefreshEnabled = v.RemainingSeconds == 0
	case StateExpired:
		v.StatusMessage = "Code expired. Generate a new code."
		v.ExpiryVisible = true
		v.RefreshEnabled = true
	case StateConfirmed:
		v.StatusMessage = "Pairing confirmed"
		if v.DeviceName != "" {
			v.StatusMessage += " (" + v.DeviceName + ")"
		}
		v.SuccessMessage = c.session.Message
		v.RefreshEnabled = true
	}
	return v
}

func (c *Controller) markVerified() {
	if c.flags == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.flags.Mark(ctx, c.cfg.WidgetID); err != nil {
		c.logger.Warn("Failed to persist verification flag", util.ErrorField(err))
	}
}

func (c *Controller) notify(token, device, message string) {
	if c.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	n := model.Notification{
		WidgetID:   c.cfg.WidgetID,
		Title:      "Pairing confirmed",
		Body:       message,
		DeviceName: device,
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.logger.Warn("Failed to deliver confirmation notification", util.Token(token), util.ErrorField(err))
	}
}

func (c *Controller) publish(e model.Event) {
	if c.events == nil {
		return
	}
	e.ID = uuid.NewString()
	e.WidgetID = c.cfg.WidgetID
	e.OccurredAt = c.clock.Now().UTC()
	if len(e.Token) > 8 {
		e.Token = e.Token[:8]
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.events.Publish(ctx, e); err != nil {
		c.logger.Warn("Failed to publish lifecycle event", util.String("type", e.Type), util.ErrorField(err))
	}
}

func issueErrorMessage(err error) string {
	if errors.Is(err, ErrInvalidToken) {
		return "The pairing service returned an invalid code. Try again."
	}
	return "Could not generate a pairing code. Try again."
}
