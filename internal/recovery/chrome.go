package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/go-logr/logr"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
}

const (
	locale   = "pt-BR"
	timezone = "America/Sao_Paulo"
	pollStep = 250 * time.Millisecond
)

// stealthScript runs before any page script and hides the usual automation
// fingerprints
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => false });
Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8 });
Object.defineProperty(navigator, 'deviceMemory', { get: () => 8 });
Object.defineProperty(navigator, 'languages', { get: () => ['pt-BR', 'pt', 'en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [
  { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer' },
  { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai' },
  { name: 'Native Client', filename: 'internal-nacl-plugin' },
] });
window.chrome = window.chrome || { runtime: {} };
const getParameter = WebGLRenderingContext.prototype.getParameter;
WebGLRenderingContext.prototype.getParameter = function (p) {
  if (p === 37445) return 'Intel Inc.';
  if (p === 37446) return 'Intel(R) Iris(TM) Graphics 6100';
  return getParameter.call(this, p);
};
`

// findScript resolves the first visible element of a query list. %s is the
// JSON encoded queries, %t whether to scroll the hit into view.
const findScript = `(function (qs, scroll) {
  const matches = (el, text) => !text || (el.innerText || el.value || el.textContent || '').includes(text);
  for (const q of qs) {
    let els = [];
    if (q.scope) {
      for (const s of document.querySelectorAll(q.scope)) {
        if (!matches(s, q.text)) continue;
        const e = s.querySelector(q.css);
        if (e) els.push(e);
      }
    } else {
      els = Array.from(document.querySelectorAll(q.css)).filter(e => matches(e, q.text));
    }
    for (const e of els) {
      if (scroll) e.scrollIntoView({ block: 'center' });
      const r = e.getBoundingClientRect();
      if (r.width > 0 && r.height > 0) {
        return { found: true, x: r.x, y: r.y, width: r.width, height: r.height };
      }
    }
  }
  return { found: false };
})(%s, %t)`

const restyleScript = `(function (qs) {
  for (const q of qs) {
    const e = document.querySelector(q.css);
    if (!e) continue;
    e.style.background = '#ffffff';
    e.style.padding = '16px';
    e.querySelectorAll('path, rect[fill]:not([fill="#fff"]):not([fill="#ffffff"]):not([fill="white"])').forEach(p => {
      if (p.getAttribute('fill') !== 'none') p.setAttribute('fill', '#000000');
    });
    return true;
  }
  return false;
})(%s)`

const linksScript = `Array.from(document.querySelectorAll('a[href]')).map(a => a.href)`

// Profile is the browser identity of one session
type Profile struct {
	UserAgent string
	Width     int
	Height    int
}

// RandomProfile picks a user agent and a slightly irregular desktop viewport
func RandomProfile(rng *rand.Rand) Profile {
	return Profile{
		UserAgent: userAgents[rng.Intn(len(userAgents))],
		Width:     1366 + rng.Intn(100),
		Height:    768 + rng.Intn(50),
	}
}

// ChromeOptions configures a browser session
type ChromeOptions struct {
	Headless bool
	Profile  Profile
	// ExecPath overrides the Chrome binary; empty uses the default lookup.
	ExecPath string
	Log      logr.Logger
}

// ChromePage is a Page backed by a local Chrome driven over CDP
type ChromePage struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	profile     Profile
	log         logr.Logger
}

// NewChromePage launches Chrome with the stealth profile applied
func NewChromePage(ctx context.Context, opts ChromeOptions) (*ChromePage, error) {
	p := opts.Profile
	if p.UserAgent == "" {
		p = RandomProfile(rand.New(rand.NewSource(time.Now().UnixNano())))
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("lang", locale),
		chromedp.UserAgent(p.UserAgent),
		chromedp.WindowSize(p.Width, p.Height),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	cp := &ChromePage{
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		profile:     p,
		log:         opts.Log,
	}
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if _, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx); err != nil {
			return err
		}
		if err := emulation.SetTimezoneOverride(timezone).Do(ctx); err != nil {
			return err
		}
		if err := emulation.SetLocaleOverride().WithLocale(locale).Do(ctx); err != nil {
			return err
		}
		return emulation.SetDeviceMetricsOverride(int64(p.Width), int64(p.Height), 1, false).Do(ctx)
	}))
	if err != nil {
		cp.Close()
		return nil, fmt.Errorf("starting browser: %w", err)
	}
	cp.log.V(1).Info("browser started", "userAgent", p.UserAgent, "width", p.Width, "height", p.Height, "headless", opts.Headless)
	return cp, nil
}

// run executes actions on the browser tab, bounded by the caller's ctx
func (c *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

type box struct {
	Found  bool    `json:"found"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (c *ChromePage) find(ctx context.Context, sel Selector, scroll bool) (box, error) {
	qs, err := json.Marshal(sel.Queries)
	if err != nil {
		return box{}, err
	}
	var b box
	err = c.run(ctx, chromedp.Evaluate(fmt.Sprintf(findScript, qs, scroll), &b))
	return b, err
}

func (c *ChromePage) Navigate(ctx context.Context, url string) error {
	return c.run(ctx, chromedp.Navigate(url))
}

func (c *ChromePage) WaitFor(ctx context.Context, sel Selector, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		b, err := c.find(ctx, sel, false)
		if err != nil {
			return err
		}
		if b.Found {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, sel.Name, timeout)
		}
		if err := Sleep(ctx, pollStep); err != nil {
			return err
		}
	}
}

func (c *ChromePage) Present(ctx context.Context, sel Selector) (bool, error) {
	b, err := c.find(ctx, sel, false)
	return b.Found, err
}

func (c *ChromePage) Box(ctx context.Context, sel Selector) (Rect, error) {
	b, err := c.find(ctx, sel, true)
	if err != nil {
		return Rect{}, err
	}
	if !b.Found {
		return Rect{}, fmt.Errorf("%s not found", sel.Name)
	}
	return Rect{X: b.X, Y: b.Y, Width: b.Width, Height: b.Height}, nil
}

func (c *ChromePage) Viewport() (float64, float64) {
	return float64(c.profile.Width), float64(c.profile.Height)
}

func (c *ChromePage) MoveMouse(ctx context.Context, x, y float64) error {
	return c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	}))
}

func (c *ChromePage) Click(ctx context.Context, x, y float64) error {
	return c.run(ctx, chromedp.MouseClickXY(x, y))
}

func (c *ChromePage) TypeKey(ctx context.Context, key string) error {
	return c.run(ctx, chromedp.KeyEvent(key))
}

func (c *ChromePage) PressEnter(ctx context.Context) error {
	return c.run(ctx, chromedp.KeyEvent(kb.Enter))
}

func (c *ChromePage) URL(ctx context.Context) (string, error) {
	var url string
	err := c.run(ctx, chromedp.Location(&url))
	return url, err
}

func (c *ChromePage) Links(ctx context.Context) ([]string, error) {
	var links []string
	err := c.run(ctx, chromedp.Evaluate(linksScript, &links))
	return links, err
}

func (c *ChromePage) Restyle(ctx context.Context, sel Selector) error {
	qs, err := json.Marshal(sel.Queries)
	if err != nil {
		return err
	}
	var ok bool
	if err := c.run(ctx, chromedp.Evaluate(fmt.Sprintf(restyleScript, qs), &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s not found", sel.Name)
	}
	return nil
}

func (c *ChromePage) Capture(ctx context.Context, sel Selector) ([]byte, error) {
	r, err := c.Box(ctx, sel)
	if err != nil {
		return nil, err
	}
	var buf []byte
	err = c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height, Scale: 2}).
			Do(ctx)
		return err
	}))
	return buf, err
}

// WaitIdle waits for the document to finish loading plus a short settle time
func (c *ChromePage) WaitIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var state string
		if err := c.run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
			return err
		}
		if state == "complete" {
			return Sleep(ctx, 500*time.Millisecond)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: page load after %s", ErrTimeout, timeout)
		}
		if err := Sleep(ctx, pollStep); err != nil {
			return err
		}
	}
}

// Close shuts the browser down
func (c *ChromePage) Close() error {
	err := chromedp.Cancel(c.ctx)
	c.cancel()
	c.allocCancel()
	return err
}
