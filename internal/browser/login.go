package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
)

// Login opens a visible browser on the provider's mailbox and waits until
// confirm returns, giving the user time to sign in by hand. The resulting
// session is saved on return. A confirm error aborts without saving.
func (e *Environment) Login(ctx context.Context, confirm func(context.Context) error) error {
	if e.sessions == nil {
		return fmt.Errorf("login needs a session store")
	}

	e.mu.Lock()
	if e.tabCtx != nil {
		e.mu.Unlock()
		return fmt.Errorf("browser is already running")
	}
	e.cfg.Headless = false
	err := e.launch(ctx)
	if err == nil {
		opCtx, cancel := CombineContext(e.tabCtx, ctx)
		navCtx, navCancel := context.WithTimeout(opCtx, e.cfg.NavigationTimeout)
		err = chromedp.Run(navCtx, chromedp.Navigate(e.provider.URL))
		navCancel()
		cancel()
		if err != nil {
			e.shutdownLocked()
			err = fmt.Errorf("navigation to %s failed: %w", e.provider.URL, err)
		}
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := confirm(ctx); err != nil {
		e.mu.Lock()
		e.shutdownLocked()
		e.mu.Unlock()
		return err
	}
	e.logger.Info("Saving signed-in session.")
	return e.Release(ctx)
}
