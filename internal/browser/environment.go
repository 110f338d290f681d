package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mailpilot/internal/agent"
	"github.com/xkilldash9x/mailpilot/internal/config"
	"github.com/xkilldash9x/mailpilot/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultNavigationTimeout = 60 * time.Second
	defaultReadyTimeout      = 30 * time.Second
	defaultActionTimeout     = 5 * time.Second
	releaseTimeout           = 15 * time.Second
	shutdownTimeout          = 10 * time.Second
)

var (
	// ErrLoginRequired means the provider redirected to its sign-in page.
	ErrLoginRequired = errors.New("mail client session is not signed in")
	// ErrNotStarted is returned when an operation needs a running browser.
	ErrNotStarted = errors.New("browser is not started")
)

// SessionStore is the subset of session.Store the environment uses.
type SessionStore interface {
	Load(ctx context.Context, provider string) (*session.State, error)
	Save(ctx context.Context, provider string, state *session.State) error
}

// Environment is a Chrome tab signed in to one mail provider. It implements
// agent.Environment. Initialize may be retried after a failure; Release is
// idempotent.
type Environment struct {
	cfg      config.BrowserConfig
	provider Provider
	sessions SessionStore
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	screenshots int
}

var _ agent.Environment = (*Environment)(nil)

// NewEnvironment prepares an environment for the named provider. The browser
// is not launched until Initialize. sessions may be nil to run without a saved session.
func NewEnvironment(cfg config.BrowserConfig, providerName string, sessions SessionStore, logger *zap.Logger) (*Environment, error) {
	p, err := LookupProvider(providerName)
	if err != nil {
		return nil, err
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.ScreenshotsDir == "" {
		cfg.ScreenshotsDir = "screenshots"
	}
	return &Environment{
		cfg:      cfg,
		provider: p,
		sessions: sessions,
		logger:   logger.Named("browser").With(zap.String("provider", p.Name)),
		now:      time.Now,
	}, nil
}

// Provider returns the mail client this environment drives.
func (e *Environment) Provider() Provider {
	return e.provider
}

// Initialize launches the browser, restores the saved session and waits for
// the mailbox to load.
func (e *Environment) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tabCtx != nil {
		return nil
	}

	if err := e.launch(ctx); err != nil {
		return err
	}
	if err := e.openMailbox(ctx); err != nil {
		e.screenshotLocked(ctx, e.provider.Name+"_setup_failure.png")
		e.shutdownLocked()
		return err
	}
	e.logger.Info("Mail client is ready.")
	return nil
}

// launch starts Chrome and opens the tab. The browser outlives the caller's
// context; it is stopped by Release.
func (e *Environment) launch(ctx context.Context) error {
	e.allocCtx, e.allocCancel = chromedp.NewExecAllocator(context.Background(), AllocatorOptions(e.cfg)...)
	e.tabCtx, e.tabCancel = chromedp.NewContext(e.allocCtx, chromedp.WithLogf(e.logger.Sugar().Debugf))

	var tasks chromedp.Tasks
	state, err := e.loadSession(ctx)
	if err != nil {
		e.logger.Warn("Could not load saved session; continuing without it.", zap.Error(err))
	}
	if state != nil {
		if params := state.CookieParams(e.now()); len(params) > 0 {
			tasks = append(tasks, network.SetCookies(params))
		}
		script, err := restoreStorageScript(state.LocalStorage)
		if err != nil {
			e.logger.Warn("Skipping saved local storage.", zap.Error(err))
		} else if script != "" {
			tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
				return err
			}))
		}
		e.logger.Debug("Restoring saved session.",
			zap.Int("cookies", len(state.Cookies)),
			zap.Strings("storage_origins", originsOf(state.LocalStorage)))
	}

	// The first Run allocates the browser and ties its lifetime to the context
	// it is given, so it must not carry the caller's deadline.
	if err := chromedp.Run(e.tabCtx); err != nil {
		e.shutdownLocked()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	runCtx, cancel := CombineContext(e.tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, tasks...); err != nil {
		e.shutdownLocked()
		return fmt.Errorf("failed to restore session: %w", err)
	}
	return nil
}

func (e *Environment) loadSession(ctx context.Context) (*session.State, error) {
	if e.sessions == nil {
		return nil, nil
	}
	return e.sessions.Load(ctx, e.provider.Name)
}

// openMailbox navigates to the provider and waits for its ready marker.
func (e *Environment) openMailbox(ctx context.Context) error {
	opCtx, opCancel := CombineContext(e.tabCtx, ctx)
	defer opCancel()

	e.logger.Info("Navigating to mail client.", zap.String("url", e.provider.URL))
	navCtx, navCancel := context.WithTimeout(opCtx, e.cfg.NavigationTimeout)
	err := chromedp.Run(navCtx, chromedp.Navigate(e.provider.URL))
	navCancel()
	if err != nil {
		if opCtx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", opCtx.Err())
		}
		return fmt.Errorf("navigation to %s failed: %w", e.provider.URL, err)
	}

	readyCtx, readyCancel := context.WithTimeout(opCtx, e.cfg.ReadyTimeout)
	err = chromedp.Run(readyCtx, chromedp.WaitVisible(e.provider.ReadySelector, chromedp.ByQuery))
	readyCancel()

	var location, title string
	if locErr := chromedp.Run(opCtx, chromedp.Location(&location), chromedp.Title(&title)); locErr != nil && err == nil {
		err = locErr
	}
	if e.provider.IsLoginPage(location) {
		e.logger.Warn("Detected login page. The saved session may be missing or expired.", zap.String("url", location))
		return fmt.Errorf("%w: redirected to %s; run 'mailpilot session login --provider %s'", ErrLoginRequired, location, e.provider.Name)
	}
	if err != nil {
		if opCtx.Err() != nil {
			return opCtx.Err()
		}
		return fmt.Errorf("timed out after %s waiting for %q on %s: %w", e.cfg.ReadyTimeout, e.provider.ReadySelector, location, err)
	}
	if title == "" {
		return fmt.Errorf("page at %s has no title", location)
	}
	return nil
}

// Observe captures the page inventory.
func (e *Environment) Observe(ctx context.Context) (*agent.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tabCtx == nil {
		return nil, ErrNotStarted
	}

	opCtx, cancel := CombineContext(e.tabCtx, ctx)
	defer cancel()
	evalCtx, evalCancel := context.WithTimeout(opCtx, e.cfg.ReadyTimeout)
	defer evalCancel()

	var raw []byte
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(inventoryJS(), &raw)); err != nil {
		e.logger.Warn("DOM capture failed.", zap.Error(err))
		e.screenshotLocked(ctx, e.provider.Name+"_dom_failure.png")
		return nil, fmt.Errorf("DOM capture failed: %w", err)
	}

	var head struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("DOM capture returned unreadable data: %w", err)
	}
	return &agent.Snapshot{
		URL:        head.URL,
		Title:      head.Title,
		Content:    raw,
		CapturedAt: e.now(),
	}, nil
}

// Release saves the session state and stops the browser. It is safe to call
// more than once and after a failed Initialize.
func (e *Environment) Release(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tabCtx == nil {
		return nil
	}

	saveErr := e.saveSessionLocked(ctx)
	e.shutdownLocked()
	if saveErr != nil {
		return fmt.Errorf("failed to save session: %w", saveErr)
	}
	e.logger.Info("Browser released.")
	return nil
}

// saveSessionLocked captures cookies and localStorage of the current page.
// It runs even if ctx is already canceled.
func (e *Environment) saveSessionLocked(ctx context.Context) error {
	if e.sessions == nil {
		return nil
	}
	detached, cancelTimeout := context.WithTimeout(Detach(ctx), releaseTimeout)
	defer cancelTimeout()
	captureCtx, cancel := CombineContext(e.tabCtx, detached)
	defer cancel()

	state := &session.State{}
	var storage struct {
		Origin string            `json:"origin"`
		Items  map[string]string `json:"items"`
	}
	err := chromedp.Run(captureCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to get cookies: %w", err)
		}
		state.Cookies = session.CookiesFromCDP(cookies)
		return nil
	}))
	if err != nil {
		return err
	}
	if err := chromedp.Run(captureCtx, chromedp.Evaluate(storageScript, &storage)); err != nil {
		e.logger.Warn("Could not capture local storage.", zap.Error(err))
	} else if storage.Origin != "" && storage.Origin != "null" && len(storage.Items) > 0 {
		state.LocalStorage = map[string]map[string]string{storage.Origin: storage.Items}
	}
	return e.sessions.Save(detached, e.provider.Name, state)
}

// shutdownLocked closes the browser, waiting a bounded time for the process to exit.
func (e *Environment) shutdownLocked() {
	if e.tabCtx == nil {
		return
	}
	// Canceling the tab that allocated the browser closes Chrome gracefully.
	done := make(chan error, 1)
	tabCtx := e.tabCtx
	go func() {
		done <- chromedp.Cancel(tabCtx)
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("Error during browser shutdown.", zap.Error(err))
		}
	case <-time.After(shutdownTimeout):
		e.logger.Warn("Browser did not exit in time.", zap.Duration("timeout", shutdownTimeout))
	}
	e.tabCancel()
	e.allocCancel()
	e.tabCtx, e.tabCancel = nil, nil
	e.allocCtx, e.allocCancel = nil, nil
}

// screenshotLocked writes a debugging screenshot; failures are only logged.
func (e *Environment) screenshotLocked(ctx context.Context, name string) {
	if e.tabCtx == nil {
		return
	}
	path, err := e.capture(ctx, name)
	if err != nil {
		e.logger.Debug("Could not take debug screenshot.", zap.Error(err))
		return
	}
	e.logger.Info("Saved debug screenshot.", zap.String("path", path))
}

// capture saves a full page PNG (quality 100) under the screenshots directory.
func (e *Environment) capture(ctx context.Context, name string) (string, error) {
	detached, cancelTimeout := context.WithTimeout(Detach(ctx), e.cfg.ActionTimeout+5*time.Second)
	defer cancelTimeout()
	shotCtx, cancel := CombineContext(e.tabCtx, detached)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(shotCtx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.cfg.ScreenshotsDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.cfg.ScreenshotsDir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
