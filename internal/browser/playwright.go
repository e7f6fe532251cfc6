package browser

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

const (
	defaultNavTimeoutMs = 15000
	interactiveLimit    = 200
)

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "checkbox": true,
	"radio": true, "radiogroup": true, "combobox": true, "listitem": true,
	"menuitem": true, "tab": true, "option": true, "searchbox": true,
	"heading": true, "image": true,
}

// Launcher owns the Playwright process and the browser instance.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	headless bool
	logger  zerolog.Logger
}

// NewLauncher starts Playwright and launches Chromium. Headless defaults to
// true unless AGENT_HEADLESS=false is set in the environment.
func NewLauncher(ctx context.Context, logger zerolog.Logger) (*Launcher, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright: start: %w", err)
	}
	headless := parseBoolEnv("AGENT_HEADLESS", true)
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args:     []string{"--disable-dev-shm-usage", "--no-sandbox"},
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("playwright: launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, headless: headless, logger: logger}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// NewDriver opens a fresh browser context and page and returns a Driver
// bound to it. storageStatePath, when non-empty, seeds cookies/local storage.
func (l *Launcher) NewDriver(ctx context.Context, storageStatePath string) (Driver, error) {
	opts := playwright.BrowserNewContextOptions{IgnoreHttpsErrors: playwright.Bool(true)}
	if storageStatePath != "" {
		opts.StorageStatePath = playwright.String(storageStatePath)
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, wrap(err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		return nil, wrap(err)
	}
	page.SetDefaultTimeout(30000)
	return &playwrightDriver{
		ctx:    bctx,
		page:   page,
		logger: l.logger,
		refs:   make(map[string]string),
	}, nil
}

type playwrightDriver struct {
	ctx    playwright.BrowserContext
	page   playwright.Page
	logger zerolog.Logger

	refs   map[string]string // ref -> internal CSS selector
	refSeq int
}

func (d *playwrightDriver) resetRefs() {
	d.refs = make(map[string]string)
	d.refSeq = 0
}

func (d *playwrightDriver) nextRef(selector string) string {
	d.refSeq++
	ref := fmt.Sprintf("e%d", d.refSeq)
	d.refs[ref] = selector
	return ref
}

func (d *playwrightDriver) resolve(ref string) (string, error) {
	sel, ok := d.refs[ref]
	if !ok {
		return "", ErrRefNotFound{Ref: ref}
	}
	return sel, nil
}

func (d *playwrightDriver) Navigate(ctx context.Context, url, waitUntil string) (PageInfo, error) {
	wu := playwright.WaitUntilStateLoad
	switch waitUntil {
	case "networkidle":
		wu = playwright.WaitUntilStateNetworkidle
	case "domcontentloaded":
		wu = playwright.WaitUntilStateDomcontentloaded
	}
	if _, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: wu,
		Timeout:   playwright.Float(defaultNavTimeoutMs),
	}); err != nil {
		return PageInfo{}, wrap(err)
	}
	title, _ := d.page.Title()
	return PageInfo{URL: d.page.URL(), Title: title}, nil
}

// AccessibilityTree walks the browser's accessibility tree via CDP and
// returns interactive nodes in document order, assigning fresh refs.
func (d *playwrightDriver) AccessibilityTree(ctx context.Context) ([]Node, error) {
	d.resetRefs()

	session, err := d.page.Context().NewCDPSession(d.page)
	if err != nil {
		return d.fallbackTree()
	}
	raw, err := session.Send("Accessibility.getFullAXTree", nil)
	if err != nil {
		return d.fallbackTree()
	}
	nodes, ok := parseAXTree(raw)
	if !ok || len(nodes) == 0 {
		return d.fallbackTree()
	}

	var out []Node
	for _, n := range nodes {
		if !interactiveRoles[n.role] {
			continue
		}
		selector := axSelector(n.role, n.name)
		ref := d.nextRef(selector)
		out = append(out, Node{
			Ref: ref, Role: n.role, Name: n.name, Value: n.value,
		})
		if len(out) >= interactiveLimit {
			break
		}
	}
	return out, nil
}

// fallbackTree stands in for the accessibility tree when the CDP session or
// getFullAXTree call fails or yields no nodes, querying a fixed DOM selector
// set directly. AccessibilityTree has already reset the ref table before
// calling it, so its refs start at e1.
func (d *playwrightDriver) fallbackTree() ([]Node, error) {
	selectors := []string{
		"button", "a[href]", "input", "textarea", "select",
		"[role=button]", "[role=link]", "[role=textbox]", "[role=checkbox]",
	}
	return d.queryElements(ctxBackground(), selectors)
}

func (d *playwrightDriver) QueryElements(ctx context.Context, selectorSet []string) ([]Node, error) {
	return d.queryElements(ctx, selectorSet)
}

func (d *playwrightDriver) queryElements(_ context.Context, selectorSet []string) ([]Node, error) {
	var out []Node
	for _, sel := range selectorSet {
		locator := d.page.Locator(sel)
		count, err := locator.Count()
		if err != nil {
			continue
		}
		for i := 0; i < count && len(out) < interactiveLimit; i++ {
			el := locator.Nth(i)
			role, _ := el.GetAttribute("role")
			if role == "" {
				role = strings.TrimSuffix(strings.Split(sel, "[")[0], ">")
				if role == "" {
					role = "generic"
				}
			}
			name, _ := el.InnerText()
			name = strings.TrimSpace(name)
			uniqueSel := fmt.Sprintf("%s:nth-of-type(%d)", sel, i+1)
			ref := d.nextRef(uniqueSel)
			out = append(out, Node{Ref: ref, Role: role, Name: name})
		}
	}
	return out, nil
}

func (d *playwrightDriver) Click(ctx context.Context, ref string, timeout time.Duration) error {
	sel, err := d.resolve(ref)
	if err != nil {
		return err
	}
	return wrap(d.page.Locator(sel).First().Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}))
}

func (d *playwrightDriver) ClickAt(ctx context.Context, x, y float64, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(d.page.Mouse().Click(x, y))
}

func (d *playwrightDriver) Type(ctx context.Context, ref, text string, clear bool, timeout time.Duration) error {
	sel, err := d.resolve(ref)
	if err != nil {
		return err
	}
	loc := d.page.Locator(sel).First()
	if clear {
		if err := loc.Clear(); err != nil {
			return wrap(err)
		}
	}
	return wrap(loc.Fill(text, playwright.LocatorFillOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}))
}

func (d *playwrightDriver) Press(ctx context.Context, key string) error {
	return wrap(d.page.Keyboard().Press(key))
}

func (d *playwrightDriver) Select(ctx context.Context, ref, value string) error {
	sel, err := d.resolve(ref)
	if err != nil {
		return err
	}
	_, selErr := d.page.Locator(sel).First().SelectOption(playwright.SelectOptionValues{
		Values: &[]string{value},
	})
	return wrap(selErr)
}

func (d *playwrightDriver) Hover(ctx context.Context, ref string) error {
	sel, err := d.resolve(ref)
	if err != nil {
		return err
	}
	return wrap(d.page.Locator(sel).First().Hover())
}

func (d *playwrightDriver) Scroll(ctx context.Context, direction string, amount int) error {
	dx, dy := 0, amount
	switch direction {
	case "up":
		dy = -amount
	case "left":
		dx, dy = -amount, 0
	case "right":
		dx, dy = amount, 0
	}
	_, err := d.page.Evaluate(fmt.Sprintf("window.scrollBy(%d, %d)", dx, dy))
	return wrap(err)
}

func (d *playwrightDriver) Wait(ctx context.Context, seconds float64) error {
	d.page.WaitForTimeout(seconds * 1000)
	return nil
}

func (d *playwrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	b, err := d.page.Screenshot()
	return b, wrap(err)
}

func (d *playwrightDriver) Evaluate(ctx context.Context, code string) (any, error) {
	v, err := d.page.Evaluate(code)
	return v, wrap(err)
}

func (d *playwrightDriver) Health(ctx context.Context) error {
	if d.page.IsClosed() {
		return fmt.Errorf("browser unhealthy: page closed")
	}
	if _, err := d.page.Title(); err != nil {
		return fmt.Errorf("browser unhealthy: %w", err)
	}
	return nil
}

func (d *playwrightDriver) CurrentURL(ctx context.Context) string {
	return d.page.URL()
}

func (d *playwrightDriver) GoBack(ctx context.Context) error {
	_, err := d.page.GoBack()
	return wrap(err)
}

func (d *playwrightDriver) GoForward(ctx context.Context) error {
	_, err := d.page.GoForward()
	return wrap(err)
}

func (d *playwrightDriver) Close(ctx context.Context) error {
	return wrap(d.page.Close())
}

func (d *playwrightDriver) SaveState(path string) error {
	_, err := d.ctx.StorageState(path)
	return wrap(err)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func ctxBackground() context.Context { return context.Background() }
