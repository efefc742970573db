package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// State is a step of the recovery flow
type State string

const (
	StateStart            State = "start"
	StateCredentialEntry  State = "credential_entry"
	StateCaptchaCheck     State = "captcha_check"
	StateRecoveryTrigger  State = "recovery_trigger"
	StateProviderSelect   State = "provider_selection"
	StateProviderConfirm  State = "provider_confirm"
	StateCodePresentation State = "code_presentation"
	StateExtracted        State = "extracted"
	StateFailed           State = "failed"
)

var (
	// ErrProviderNotSupported is returned for providers without a flow
	ErrProviderNotSupported = errors.New("provider not supported")
	// ErrCaptchaTimeout is returned when a challenge is not solved in time
	ErrCaptchaTimeout = errors.New("captcha was not solved in time")
	// ErrLinkNotFound is returned when neither links nor QR captures yield a
	// deep link
	ErrLinkNotFound = errors.New("failed to extract link")
)

// Page elements of the recovery flow
var (
	accountInput  = CSS("account input", "#accountId")
	captchaWidget = CSS("captcha", `#captcha, .g-recaptcha, iframe[src*="captcha"]`)
	recoveryLink  = CSS("recovery link", "#password-recovery").Or(Query{CSS: "a", Text: "Esqueci minha senha"})
	otherWay      = CSS("other recovery option", "#btnGoToBanks").Or(Query{CSS: "button", Text: "Recuperar de outra forma"})
	continueBtn   = CSS("continue", `input[value="Continuar"]`).Or(Query{CSS: "button", Text: "Continuar"})
	okButton      = Selector{Name: "confirm", Queries: []Query{{CSS: "button", Text: "OK"}}}
	qrElement     = CSS("qr code", `svg[role="authorizeQRCode"], svg, canvas, .qr-code img`)
)

// Provider is an identity provider the flow can hand off to
type Provider struct {
	Name   string
	Choice Selector
}

// Providers lists the supported providers by key
var Providers = map[string]Provider{
	"nubank": {
		Name: "Nubank",
		Choice: Selector{Name: "provider Nubank", Queries: []Query{
			{Scope: "div.br-card", Text: "Nubank", CSS: "a"},
			{CSS: "a", Text: "Nubank"},
		}},
	},
}

// Config tunes the flow
type Config struct {
	StartURL          string
	NavigationTimeout time.Duration
	StepTimeout       time.Duration
	CaptchaProbe      time.Duration
	CaptchaPoll       time.Duration
	CaptchaTimeout    time.Duration
	CodeWait          time.Duration
	DecodeAttempts    int
	TeardownDelay     time.Duration
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		StartURL:          "https://acesso.gov.br/",
		NavigationTimeout: 90 * time.Second,
		StepTimeout:       30 * time.Second,
		CaptchaProbe:      5 * time.Second,
		CaptchaPoll:       2 * time.Second,
		CaptchaTimeout:    5 * time.Minute,
		CodeWait:          35 * time.Second,
		DecodeAttempts:    3,
		TeardownDelay:     5 * time.Second,
	}
}

// Request is one recovery attempt
type Request struct {
	Account  string
	Provider string
}

// Result is the resolution of a recovery attempt
type Result struct {
	Link     string
	State    State
	FailedAt State
	Err      error
}

// Success reports whether a link was extracted
func (r Result) Success() bool {
	return r.Err == nil && r.Link != ""
}

// Option configures a Machine
type Option func(*Machine)

// WithProgress receives a line for every state entered and notable event
func WithProgress(fn func(State, string)) Option {
	return func(m *Machine) { m.progress = fn }
}

// WithResult is called as soon as the result is known, before teardown
func WithResult(fn func(Result)) Option {
	return func(m *Machine) { m.onResult = fn }
}

// WithHumanizer replaces the default humanizer
func WithHumanizer(h *Humanizer) Option {
	return func(m *Machine) { m.human = h }
}

// WithDecoder replaces the default QR decoder
func WithDecoder(d *Decoder) Option {
	return func(m *Machine) { m.decoder = d }
}

// WithSleep replaces the wait used for polling and teardown
func WithSleep(fn SleepFunc) Option {
	return func(m *Machine) { m.sleep = fn }
}

// WithLogger sets the machine logger
func WithLogger(log logr.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// Machine walks one browser session through the recovery flow
type Machine struct {
	page     Page
	cfg      Config
	human    *Humanizer
	decoder  *Decoder
	sleep    SleepFunc
	log      logr.Logger
	progress func(State, string)
	onResult func(Result)

	state State
}

// NewMachine creates a machine for page. The machine owns the page and
// closes it when Run returns.
func NewMachine(page Page, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		page:     page,
		cfg:      cfg,
		sleep:    Sleep,
		log:      logr.Discard(),
		progress: func(State, string) {},
		onResult: func(Result) {},
		state:    StateStart,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.human == nil {
		m.human = NewHumanizer(time.Now().UnixNano(), m.sleep)
	}
	if m.decoder == nil {
		m.decoder = NewDecoder(IsDeepLink)
	}
	return m
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

func (m *Machine) enter(s State, msg string) {
	m.state = s
	m.log.V(1).Info("state", "state", s)
	m.progress(s, msg)
}

func (m *Machine) note(msg string) {
	m.progress(m.state, msg)
}

// Run executes the flow. The session is always torn down; after a success
// teardown waits TeardownDelay so the presented code stays valid. The result
// callback fires before that wait, but the process only exits after it, so
// the delay is added to every successful run.
func (m *Machine) Run(ctx context.Context, req Request) Result {
	res := m.run(ctx, req)
	m.onResult(res)

	if res.Success() && m.cfg.TeardownDelay > 0 {
		m.note(fmt.Sprintf("keeping session open for %s", m.cfg.TeardownDelay))
		_ = m.sleep(ctx, m.cfg.TeardownDelay)
	}
	if err := m.page.Close(); err != nil {
		m.log.Error(err, "failed to close browser")
	}
	return res
}

func (m *Machine) run(ctx context.Context, req Request) Result {
	fail := func(err error) Result {
		at := m.state
		m.enter(StateFailed, err.Error())
		return Result{State: StateFailed, FailedAt: at, Err: err}
	}

	m.enter(StateStart, "opening "+m.cfg.StartURL)
	provider, ok := Providers[strings.ToLower(strings.TrimSpace(req.Provider))]
	if !ok {
		return fail(fmt.Errorf("%w: %q", ErrProviderNotSupported, req.Provider))
	}
	if strings.TrimSpace(req.Account) == "" {
		return fail(errors.New("account is required"))
	}

	steps := []struct {
		state State
		msg   string
		fn    func(context.Context) error
	}{
		{StateStart, "", m.open},
		{StateCredentialEntry, "entering account", func(ctx context.Context) error { return m.enterAccount(ctx, req.Account) }},
		{StateCaptchaCheck, "checking for captcha", m.checkCaptcha},
		{StateRecoveryTrigger, "starting password recovery", m.triggerRecovery},
		{StateProviderSelect, "choosing " + provider.Name, func(ctx context.Context) error { return m.clickWhenReady(ctx, provider.Choice) }},
		{StateProviderConfirm, "confirming redirect", func(ctx context.Context) error { return m.clickWhenReady(ctx, okButton) }},
	}
	for _, step := range steps {
		if step.state != m.state {
			m.enter(step.state, step.msg)
		}
		if err := step.fn(ctx); err != nil {
			return fail(err)
		}
	}

	m.enter(StateCodePresentation, "waiting for the code")
	link, err := m.extract(ctx)
	if err != nil {
		return fail(err)
	}
	m.enter(StateExtracted, "link extracted")
	return Result{Link: link, State: StateExtracted}
}

func (m *Machine) open(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	defer cancel()
	if err := m.page.Navigate(navCtx, m.cfg.StartURL); err != nil {
		return fmt.Errorf("loading %s: %w", m.cfg.StartURL, err)
	}
	if err := m.human.Pause(ctx, 2*time.Second, 4*time.Second); err != nil {
		return err
	}
	if err := m.human.Wander(ctx, m.page); err != nil {
		return err
	}
	return m.human.Pause(ctx, time.Second, 2*time.Second)
}

func (m *Machine) enterAccount(ctx context.Context, account string) error {
	if err := m.waitFor(ctx, accountInput, m.cfg.StepTimeout); err != nil {
		return err
	}
	if err := m.human.Wander(ctx, m.page); err != nil {
		return err
	}
	if err := m.human.Type(ctx, m.page, accountInput, account); err != nil {
		return err
	}
	if err := m.human.Pause(ctx, 1500*time.Millisecond, 2500*time.Millisecond); err != nil {
		return err
	}
	return m.page.PressEnter(ctx)
}

func (m *Machine) checkCaptcha(ctx context.Context) error {
	err := m.page.WaitFor(ctx, captchaWidget, m.cfg.CaptchaProbe)
	if errors.Is(err, ErrTimeout) {
		m.note("no captcha shown")
		return nil
	}
	if err != nil {
		return err
	}

	m.note(fmt.Sprintf("captcha detected, waiting up to %s for it to be solved", m.cfg.CaptchaTimeout))
	polls := 1
	if m.cfg.CaptchaPoll > 0 {
		polls = int((m.cfg.CaptchaTimeout + m.cfg.CaptchaPoll - 1) / m.cfg.CaptchaPoll)
	}
	for i := 0; i < polls; i++ {
		if err := m.sleep(ctx, m.cfg.CaptchaPoll); err != nil {
			return err
		}
		advanced, err := m.captchaCleared(ctx)
		if err != nil {
			return err
		}
		if advanced {
			m.note("captcha cleared")
			return nil
		}
	}
	return fmt.Errorf("%w (%s)", ErrCaptchaTimeout, m.cfg.CaptchaTimeout)
}

// captchaCleared reports whether the challenge is gone or the flow moved on
func (m *Machine) captchaCleared(ctx context.Context) (bool, error) {
	if present, err := m.page.Present(ctx, captchaWidget); err != nil || !present {
		return err == nil, err
	}
	if present, err := m.page.Present(ctx, accountInput); err != nil || !present {
		return err == nil, err
	}
	url, err := m.page.URL(ctx)
	if err != nil {
		return false, err
	}
	return strings.Contains(url, "password-recovery"), nil
}

func (m *Machine) triggerRecovery(ctx context.Context) error {
	for _, sel := range []Selector{recoveryLink, otherWay, continueBtn} {
		if err := m.clickWhenReady(ctx, sel); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) clickWhenReady(ctx context.Context, sel Selector) error {
	if err := m.waitFor(ctx, sel, m.cfg.StepTimeout); err != nil {
		return err
	}
	if err := m.human.Pause(ctx, time.Second, 2500*time.Millisecond); err != nil {
		return err
	}
	if err := m.human.Click(ctx, m.page, sel); err != nil {
		return fmt.Errorf("clicking %s: %w", sel.Name, err)
	}
	return nil
}

func (m *Machine) waitFor(ctx context.Context, sel Selector, timeout time.Duration) error {
	if err := m.page.WaitFor(ctx, sel, timeout); err != nil {
		return fmt.Errorf("waiting for %s: %w", sel.Name, err)
	}
	return nil
}

// extract scans the page for a deep link, then falls back to decoding the
// QR code
func (m *Machine) extract(ctx context.Context) (string, error) {
	if err := m.page.WaitIdle(ctx, m.cfg.StepTimeout); err != nil && !errors.Is(err, ErrTimeout) {
		return "", err
	}

	links, err := m.page.Links(ctx)
	if err != nil {
		return "", fmt.Errorf("reading links: %w", err)
	}
	if link, ok := FirstDeepLink(links); ok {
		m.note("found deep link in page links")
		return link, nil
	}

	attempts := m.cfg.DecodeAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		link, err := m.decodeOnce(ctx)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		m.note(fmt.Sprintf("decode attempt %d/%d failed: %v", i, attempts, err))
		if i < attempts {
			if err := m.human.Pause(ctx, 2*time.Second, 3*time.Second); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrLinkNotFound, attempts, lastErr)
}

func (m *Machine) decodeOnce(ctx context.Context) (string, error) {
	if err := m.waitFor(ctx, qrElement, m.cfg.CodeWait); err != nil {
		return "", err
	}
	if err := m.page.Restyle(ctx, qrElement); err != nil {
		m.log.V(1).Info("restyle failed", "error", err)
	}
	capture, err := m.page.Capture(ctx, qrElement)
	if err != nil {
		return "", fmt.Errorf("capturing %s: %w", qrElement.Name, err)
	}
	link, strategy, err := m.decoder.Decode(capture)
	if err != nil {
		return "", err
	}
	m.note("decoded QR code using " + strategy)
	return link, nil
}
