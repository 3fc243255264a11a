package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/browser"
	"github.com/specflow/specflow/internal/config"
	"github.com/specflow/specflow/internal/misc"
)

const (
	callbackWaitTimeout = 5 * time.Minute
	manualPromptDelay   = 15 * time.Second
)

// LoginOptions contains options for the login process.
type LoginOptions struct {
	// NoBrowser skips opening the browser automatically.
	NoBrowser bool

	// CallbackPort overrides the local OAuth callback port when set (>0).
	CallbackPort int

	// Prompt allows the caller to provide interactive input when needed.
	Prompt func(prompt string) (string, error)
}

// DoJiraLogin runs the interactive authorization: it starts the local callback server,
// opens the consent page and persists the resulting token set.
func DoJiraLogin(cfg *config.Config, options *LoginOptions) error {
	if options == nil {
		options = &LoginOptions{}
	}
	if options.Prompt == nil {
		options.Prompt = defaultPrompt
	}
	if !cfg.OAuthConfigured() {
		return fmt.Errorf("jira client-id and client-secret must be configured before login")
	}

	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()

	redirectURI, port, path, err := loginRedirect(cfg.Jira, options.CallbackPort)
	if err != nil {
		return err
	}

	server := jira.NewCallbackServer(port, path)
	if err = server.Start(); err != nil {
		return fmt.Errorf("failed to start callback server on port %d: %w", port, err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if errStop := server.Stop(stopCtx); errStop != nil {
			log.Warnf("jira callback server stop error: %v", errStop)
		}
	}()

	authURL, err := svc.oauth.BeginAuthorization(redirectURI)
	if err != nil {
		return err
	}
	announceAuthURL(authURL, options.NoBrowser)

	fmt.Println("Waiting for Jira authorization callback...")
	result, err := awaitCallback(ctx, server, options.Prompt, callbackWaitTimeout, manualPromptDelay)
	if err != nil {
		return err
	}
	if result.Error != "" {
		detail := result.Error
		if result.ErrorDescription != "" {
			detail += ": " + result.ErrorDescription
		}
		return jira.NewAuthError(jira.ErrExchangeFailed, fmt.Errorf("authorization denied: %s", detail))
	}

	ts, err := svc.oauth.CompleteAuthorization(ctx, result.State, result.Code)
	if err != nil {
		return err
	}
	misc.LogCredentialSeparator()
	location, _ := svc.tokenLocation()
	misc.LogSavingCredentials(cfg.TokenStore, location)
	svc.tokens.Set(ctx, ts)

	fmt.Println("Jira authentication successful!")
	return nil
}

// DoJiraLogout deletes the stored token set from the configured backend.
func DoJiraLogout(cfg *config.Config) error {
	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	return svc.logout(context.Background())
}

func (s *services) logout(ctx context.Context) error {
	found, err := s.loadPersistedToken(ctx)
	if err != nil {
		log.WithError(err).Warn("stored jira token is unreadable, deleting it anyway")
	}
	if err = s.tokens.Clear(ctx); err != nil {
		return err
	}
	location, _ := s.tokenLocation()
	if location == "" {
		location = s.cfg.TokenStore + " store"
	}
	if !found {
		fmt.Printf("No Jira token stored in %s\n", location)
		return nil
	}
	fmt.Printf("Jira token removed from %s\n", location)
	return nil
}

// loginRedirect resolves the redirect URI for the local callback server. A port override
// rewrites the configured URI so both sides agree.
func loginRedirect(cfg config.JiraConfig, portOverride int) (string, int, string, error) {
	u, err := url.Parse(cfg.RedirectURI)
	if err != nil || u.Host == "" {
		return "", 0, "", fmt.Errorf("invalid jira redirect-uri %q", cfg.RedirectURI)
	}
	port := cfg.CallbackPort
	if p := u.Port(); p != "" {
		parsed, errAtoi := strconv.Atoi(p)
		if errAtoi != nil {
			return "", 0, "", fmt.Errorf("invalid port in redirect-uri %q", cfg.RedirectURI)
		}
		port = parsed
	}
	if portOverride > 0 {
		port = portOverride
		u.Host = fmt.Sprintf("%s:%d", u.Hostname(), port)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return u.String(), port, path, nil
}

func announceAuthURL(authURL string, noBrowser bool) {
	if err := clipboard.WriteAll(authURL); err == nil {
		fmt.Println("The authorization URL has been copied to your clipboard.")
	} else {
		log.Debugf("clipboard unavailable: %v", err)
	}
	if !noBrowser {
		fmt.Println("Opening browser for Jira authentication")
		if !browser.IsAvailable() {
			log.Warn("No browser available; please open the URL manually")
		} else if err := browser.OpenURL(authURL); err == nil {
			return
		} else {
			log.Warnf("Failed to open browser automatically: %v", err)
		}
	}
	fmt.Printf("Visit the following URL to continue authentication:\n%s\n", authURL)
}

// callbackWaiter is the part of the callback server awaitCallback depends on.
type callbackWaiter interface {
	WaitForCallback(ctx context.Context, timeout time.Duration) (*jira.CallbackResult, error)
}

// awaitCallback waits for the redirect on the local server. After promptDelay it also asks
// the user to paste the redirect URL, which covers remote shells where the browser cannot
// reach localhost.
func awaitCallback(ctx context.Context, server callbackWaiter, prompt func(string) (string, error), timeout, promptDelay time.Duration) (*jira.CallbackResult, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	callbackCh := make(chan *jira.CallbackResult, 1)
	callbackErrCh := make(chan error, 1)
	go func() {
		result, errWait := server.WaitForCallback(waitCtx, timeout)
		if errWait != nil {
			callbackErrCh <- errWait
			return
		}
		callbackCh <- result
	}()

	var manualPromptC <-chan time.Time
	if prompt != nil {
		manualPromptTimer := time.NewTimer(promptDelay)
		defer manualPromptTimer.Stop()
		manualPromptC = manualPromptTimer.C
	}

	for {
		select {
		case result := <-callbackCh:
			return result, nil
		case err := <-callbackErrCh:
			return nil, err
		case <-manualPromptC:
			manualPromptC = nil
			input, errPrompt := prompt("Paste the Jira callback URL (or press Enter to keep waiting): ")
			if errPrompt != nil {
				return nil, errPrompt
			}
			parsed, errParse := misc.ParseOAuthCallback(input)
			if errParse != nil {
				return nil, errParse
			}
			if parsed == nil {
				continue
			}
			return &jira.CallbackResult{
				Code:             parsed.Code,
				State:            parsed.State,
				Error:            parsed.Error,
				ErrorDescription: parsed.ErrorDescription,
			}, nil
		}
	}
}

func defaultPrompt(prompt string) (string, error) {
	fmt.Println()
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
