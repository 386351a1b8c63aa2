// Package browser binds the Navigator/Interceptor driver contract to a real
// Chrome instance over go-rod, launching a managed browser process,
// maintaining the current page's clickable-element overlay, and hijacking
// network traffic for the Interceptor.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/BetterCallFirewall/Hackerecon/internal/interceptor"
	"github.com/BetterCallFirewall/Hackerecon/internal/navigator"
)

// navigateTimeout bounds a page load; a timeout here is warn-only, matching
// the reference driver's fire-and-forget navigate call, since a slow first
// paint shouldn't fail the whole session.
const navigateTimeout = 60 * time.Second

// Config configures a managed Chrome launch.
type Config struct {
	Headless bool
	Timeout  time.Duration
	Origin   string
}

var overlaySelector = `a, button, input[type=submit], input[type=button], [onclick], [role=button]`

// Browser drives one page of a managed Chrome process. It implements
// navigator.Driver directly and additionally exposes lifecycle and
// traffic-interception hooks the session driver needs that fall outside
// the Navigator's narrower contract.
type Browser struct {
	cfg Config

	launcher *launcher.Launcher
	instance *rod.Browser
	page     *rod.Page

	mu           sync.Mutex
	overlay      []*rod.Element
	overlayMeta  []navigator.ElementHandle
	originHost   string
}

// New launches a managed Chrome instance. The browser has no page until
// Start is called.
func New(cfg Config) (*Browser, error) {
	l := launcher.New().Headless(cfg.Headless).NoSandbox(true)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch chrome: %w", err)
	}

	instance := rod.New().ControlURL(controlURL)
	if err := instance.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	host := ""
	if u, err := url.Parse(cfg.Origin); err == nil {
		host = u.Host
	}

	return &Browser{cfg: cfg, launcher: l, instance: instance, originHost: host}, nil
}

// Start opens a page at startURL and waits for it to load. A load that
// exceeds navigateTimeout is logged and tolerated rather than failing the
// session outright, matching the reference driver's fire-and-forget navigate.
func (b *Browser) Start(ctx context.Context, startURL string) error {
	page, err := b.instance.Page(proto.TargetCreateTarget{URL: startURL})
	if err != nil {
		return fmt.Errorf("browser: open page: %w", err)
	}
	b.page = page

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		if navCtx.Err() != nil {
			slog.Warn("browser navigate timeout", "url", startURL, "timeout", navigateTimeout)
		} else {
			return fmt.Errorf("browser: wait load: %w", err)
		}
	}
	return nil
}

// Stop tears down the page, the browser connection, and the launched
// Chrome process, in that order.
func (b *Browser) Stop() {
	if b.page != nil {
		_ = b.page.Close()
	}
	if b.instance != nil {
		_ = b.instance.Close()
	}
	if b.launcher != nil {
		b.launcher.Cleanup()
	}
}

// Navigate loads url in the current page, tolerating a navigateTimeout
// overrun the same way Start does.
func (b *Browser) Navigate(ctx context.Context, targetURL string) error {
	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()
	page := b.page.Context(navCtx)
	if err := page.Navigate(targetURL); err != nil {
		if navCtx.Err() != nil {
			slog.Warn("browser navigate timeout", "url", targetURL, "timeout", navigateTimeout)
			return nil
		}
		return fmt.Errorf("browser: navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil && navCtx.Err() != nil {
		slog.Warn("browser navigate timeout", "url", targetURL, "timeout", navigateTimeout)
		return nil
	}
	return nil
}

// CurrentURL returns the page's current URL.
func (b *Browser) CurrentURL(ctx context.Context) (string, error) {
	info, err := b.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, nil
}

// Title returns the page's document title.
func (b *Browser) Title(ctx context.Context) (string, error) {
	info, err := b.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.Title, nil
}

// Cookies returns the current page's cookie jar as *http.Cookie values, the
// shape the Verifier's auth state carries, so the session driver can refresh
// probe authentication from whatever the browser accumulated (e.g. a
// just-completed login) without the Verifier knowing about rod at all.
func (b *Browser) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	raw, err := b.page.Context(ctx).Cookies([]string{})
	if err != nil {
		return nil, fmt.Errorf("browser: cookies: %w", err)
	}
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

// HTML returns the page's current rendered HTML.
func (b *Browser) HTML(ctx context.Context) (string, error) {
	html, err := b.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: html: %w", err)
	}
	return html, nil
}

func isSameOrigin(href, originHost string) bool {
	if href == "" || originHost == "" {
		return true
	}
	u, err := url.Parse(href)
	if err != nil || u.Host == "" {
		return true
	}
	return u.Host == originHost
}

// RefreshOverlay re-walks the page for clickable elements and assigns each
// a stable sequential id for the lifetime of this overlay snapshot.
func (b *Browser) RefreshOverlay(ctx context.Context) ([]navigator.ElementHandle, error) {
	elements, err := b.page.Context(ctx).Elements(overlaySelector)
	if err != nil {
		return nil, fmt.Errorf("browser: overlay query: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.overlay = b.overlay[:0]
	b.overlayMeta = b.overlayMeta[:0]

	for i, el := range elements {
		tag := ""
		if desc, err := el.Describe(1, false); err == nil {
			tag = strings.ToLower(desc.LocalName)
		}
		text, _ := el.Text()
		href, _ := el.Attribute("href")
		hrefVal := ""
		if href != nil {
			hrefVal = *href
		}

		meta := navigator.ElementHandle{
			ID:             i,
			Tag:            tag,
			AccessibleText: strings.TrimSpace(text),
			Href:           hrefVal,
			SameOrigin:     isSameOrigin(hrefVal, b.originHost),
		}

		b.overlay = append(b.overlay, el)
		b.overlayMeta = append(b.overlayMeta, meta)
	}

	out := make([]navigator.ElementHandle, len(b.overlayMeta))
	copy(out, b.overlayMeta)
	return out, nil
}

func (b *Browser) overlayElement(elementID int) (*rod.Element, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elementID < 0 || elementID >= len(b.overlay) {
		return nil, false
	}
	return b.overlay[elementID], true
}

// Click clicks the overlay element previously reported at elementID.
func (b *Browser) Click(ctx context.Context, elementID int) error {
	el, ok := b.overlayElement(elementID)
	if !ok {
		return fmt.Errorf("browser: no overlay element %d", elementID)
	}
	if err := el.Context(ctx).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click element %d: %w", elementID, err)
	}
	return nil
}

// Fill types value into the first input/textarea matching selector's name
// attribute.
func (b *Browser) Fill(ctx context.Context, selector, value string) error {
	el, err := b.page.Context(ctx).Element(fmt.Sprintf("[name=%q]", selector))
	if err != nil {
		return fmt.Errorf("browser: find field %q: %w", selector, err)
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("browser: fill field %q: %w", selector, err)
	}
	return nil
}

// Submit submits the form matching formID, identified the same way
// navigator.ExtractForms derives form ids: the truncated hex sha256 of its
// action and method attributes.
func (b *Browser) Submit(ctx context.Context, formID string) error {
	forms, err := b.page.Context(ctx).Elements("form")
	if err != nil {
		return fmt.Errorf("browser: find forms: %w", err)
	}
	for _, form := range forms {
		action, _ := form.Attribute("action")
		method, _ := form.Attribute("method")
		actionVal, methodVal := "", "GET"
		if action != nil {
			actionVal = *action
		}
		if method != nil && *method != "" {
			methodVal = strings.ToUpper(*method)
		}
		if navigator.FormID(actionVal, methodVal) != formID {
			continue
		}
		if _, err := form.Eval(`() => this.submit()`); err != nil {
			return fmt.Errorf("browser: submit form %s: %w", formID, err)
		}
		return nil
	}
	return fmt.Errorf("browser: no form matching id %s", formID)
}

// Scroll scrolls the page window in the given direction ("up" or "down").
func (b *Browser) Scroll(ctx context.Context, direction string) error {
	delta := 600
	if direction == "up" {
		delta = -600
	}
	_, err := b.page.Context(ctx).Eval(fmt.Sprintf(`() => window.scrollBy(0, %d)`, delta))
	if err != nil {
		return fmt.Errorf("browser: scroll: %w", err)
	}
	return nil
}

// GoBack navigates the page history back one entry.
func (b *Browser) GoBack(ctx context.Context) error {
	return b.page.Context(ctx).NavigateBack()
}

// Screenshot captures the current page as a PNG.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	return b.page.Context(ctx).Screenshot(false, nil)
}

// PageEval runs script in the page's JS context and returns its result.
func (b *Browser) PageEval(ctx context.Context, script string) (any, error) {
	res, err := b.page.Context(ctx).Eval(script)
	if err != nil {
		return nil, fmt.Errorf("browser: eval: %w", err)
	}
	return res.Value.Val(), nil
}

// OnRequestResponse hijacks the page's network traffic, letting every
// completed request/response pass through the browser unmodified while
// pushing its fields to callback for Interceptor classification. It runs
// the hijack router in its own goroutine until the page closes.
func (b *Browser) OnRequestResponse(callback func(interceptor.RequestResponse)) {
	router := b.page.HijackRequests()
	router.MustAdd("*", func(ctx *rod.Hijack) {
		reqHeaders := make(map[string]string)
		for k := range ctx.Request.Headers() {
			reqHeaders[k] = ctx.Request.Header(k)
		}
		reqBody := ctx.Request.Body()
		method := ctx.Request.Method()
		reqURL := ctx.Request.URL().String()

		if err := ctx.LoadResponse(nil, true); err != nil {
			return
		}

		respHeaders := make(map[string]string)
		for _, h := range ctx.Response.Payload().ResponseHeaders {
			respHeaders[h.Name] = h.Value
		}

		callback(interceptor.RequestResponse{
			Method:          method,
			URL:             reqURL,
			RequestHeaders:  reqHeaders,
			RequestBody:     reqBody,
			ResponseStatus:  int(ctx.Response.Payload().ResponseCode),
			ResponseHeaders: respHeaders,
			ResponseBody:    ctx.Response.Body(),
			PageURL:         reqURL,
		})
	})
	go router.Run()
}
