package portal

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/portalkeep/internal/accounts"
	"github.com/xkilldash9x/portalkeep/internal/config"
	"github.com/xkilldash9x/portalkeep/internal/session"
)

// LoginClient performs the full interactive portal login through a headless
// Chromium instance. It is the expensive path, used only when keep-alive is
// unavailable or insufficient; one login monopolizes one browser session.
type LoginClient struct {
	portal  config.PortalConfig
	browser config.BrowserConfig
	log     *zap.Logger
}

// NewLoginClient creates the browser-based login client.
func NewLoginClient(portalCfg config.PortalConfig, browserCfg config.BrowserConfig, logger *zap.Logger) *LoginClient {
	return &LoginClient{
		portal:  portalCfg,
		browser: browserCfg,
		log:     logger.Named("login"),
	}
}

// Login drives the portal's login form with the account's credential and
// harvests the resulting session cookies. The caller bounds the whole
// attempt with a context deadline.
func (c *LoginClient) Login(ctx context.Context, cred accounts.Credential) (*LoginResult, error) {
	loginURL, err := url.JoinPath(c.portal.BaseURL, c.portal.LoginPath)
	if err != nil {
		return nil, fmt.Errorf("invalid login URL: %w", err)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.buildAllocatorOptions()...)
	defer cancelAlloc()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	navCtx := taskCtx
	if c.browser.NavigationTimeout > 0 {
		var cancelNav context.CancelFunc
		navCtx, cancelNav = context.WithTimeout(taskCtx, c.browser.NavigationTimeout)
		defer cancelNav()
	}

	sel := c.portal.Selectors
	var landedAt string
	var rawCookies []*network.Cookie

	err = chromedp.Run(navCtx,
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(sel.Username, chromedp.ByQuery),
		chromedp.SendKeys(sel.Username, cred.Username, chromedp.ByQuery),
		chromedp.SendKeys(sel.Password, cred.Password, chromedp.ByQuery),
		chromedp.Click(sel.Submit, chromedp.ByQuery),
		chromedp.Sleep(c.browser.PostLoginWait),
		chromedp.Location(&landedAt),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cs, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			rawCookies = cs
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("browser login failed: %w", err)
	}

	// Still sitting on the login page means the portal rejected the submission.
	if strings.Contains(landedAt, c.portal.LoginPath) {
		return nil, fmt.Errorf("portal rejected login, still at %s", landedAt)
	}

	cookies := make([]session.Cookie, 0, len(rawCookies))
	for _, rc := range rawCookies {
		cookies = append(cookies, session.Cookie{
			Name:     rc.Name,
			Value:    rc.Value,
			Domain:   rc.Domain,
			Path:     rc.Path,
			Expires:  float64(rc.Expires),
			HTTPOnly: rc.HTTPOnly,
			Secure:   rc.Secure,
		})
	}

	result := &LoginResult{Cookies: cookies}
	if min, ok := session.MinExpiration(cookies, c.portal.SessionCookies); ok {
		result.Expiry = &min
	}

	c.log.Info("Full login completed",
		zap.String("landed_at", landedAt),
		zap.Int("cookies", len(cookies)),
		zap.Timep("expiry", result.Expiry),
	)
	return result, nil
}

// buildAllocatorOptions assembles launch flags for a stealthy browser
// instance. The portal actively fingerprints automation, so the flags that
// reveal it are stripped or overridden.
func (c *LoginClient) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	// Later flags override the defaults, so the automation banner and the
	// navigator.webdriver feature are switched off here.
	opts = append(opts,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("headless", c.browser.Headless),
		chromedp.Flag("ignore-certificate-errors", c.browser.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", c.browser.Headless),
	)

	// Custom arguments from configuration.
	for _, arg := range c.browser.Args {
		parts := strings.SplitN(arg, "=", 2)
		flagName := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(flagName, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(flagName, true))
		}
	}

	// Flags required for running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	return opts
}
