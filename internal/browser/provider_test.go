package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/mailpilot/internal/config"
)

func TestLookupProvider(t *testing.T) {
	p, err := LookupProvider(" Gmail ")
	require.NoError(t, err)
	assert.Equal(t, "https://mail.google.com", p.URL)
	assert.Equal(t, "[aria-label='Compose']", p.ReadySelector)

	p, err = LookupProvider("outlook")
	require.NoError(t, err)
	assert.Equal(t, "https://outlook.live.com/mail/0/", p.URL)
	assert.Equal(t, "[aria-label='New message']", p.ReadySelector)

	_, err = LookupProvider("yahoo")
	assert.ErrorContains(t, err, "supported: gmail, outlook")
}

func TestIsLoginPage(t *testing.T) {
	gmail, _ := LookupProvider("gmail")
	outlook, _ := LookupProvider("outlook")

	tests := []struct {
		name     string
		provider Provider
		url      string
		want     bool
	}{
		{"gmail inbox", gmail, "https://mail.google.com/mail/u/0/#inbox", false},
		{"google sign-in", gmail, "https://accounts.google.com/v3/signin/identifier?continue=x", true},
		{"outlook inbox", outlook, "https://outlook.live.com/mail/0/", false},
		{"live sign-in", outlook, "https://login.live.com/login.srf?wa=wsignin1.0", true},
		{"subdomain of sign-in host", outlook, "https://eu.login.microsoftonline.com/common", true},
		{"sign-in host only in query", outlook, "https://outlook.live.com/?next=login.live.com", false},
		{"lookalike host", gmail, "https://accounts.google.com.evil.test/", false},
		{"empty", gmail, "", false},
		{"about blank", gmail, "about:blank", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.IsLoginPage(tt.url))
		})
	}
}

func TestAllocatorOptions(t *testing.T) {
	base := AllocatorOptions(config.BrowserConfig{})
	withArgs := AllocatorOptions(config.BrowserConfig{
		Headless:       true,
		ViewportWidth:  1280,
		ViewportHeight: 800,
		UserDataDir:    "/tmp/profile",
		Args:           []string{"--lang=en-US", "disable-extensions", "  ", `--user-agent="Mozilla/5.0"`},
	})

	assert.NotEmpty(t, base)
	// headless, window size, user data dir and three flags
	assert.Len(t, withArgs, len(base)+6)

	noSize := AllocatorOptions(config.BrowserConfig{ViewportWidth: 1280})
	assert.Len(t, noSize, len(base), "a window size needs both dimensions")
}

func TestNewEnvironmentDefaults(t *testing.T) {
	env, err := NewEnvironment(config.BrowserConfig{}, "outlook", nil, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "outlook", env.Provider().Name)
	assert.Equal(t, defaultNavigationTimeout, env.cfg.NavigationTimeout)
	assert.Equal(t, defaultReadyTimeout, env.cfg.ReadyTimeout)
	assert.Equal(t, defaultActionTimeout, env.cfg.ActionTimeout)
	assert.Equal(t, "screenshots", env.cfg.ScreenshotsDir)

	_, err = NewEnvironment(config.BrowserConfig{}, "aol", nil, testLogger(t))
	assert.Error(t, err)
}
