// Package browser opens the Jira consent page in the user's default web browser during the
// interactive login.
package browser

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// linuxBrowsers are tried in order when open-golang cannot launch anything.
var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

var (
	openFunc = open.Run
	lookPath = exec.LookPath
	startCmd = func(cmd *exec.Cmd) error { return cmd.Start() }
)

// OpenURL opens url in the default browser, falling back to platform commands when
// open-golang fails.
func OpenURL(url string) error {
	err := openFunc(url)
	if err == nil {
		log.Debug("opened authorization url using open-golang")
		return nil
	}
	log.Debugf("open-golang failed: %v, trying platform-specific commands", err)
	return openURLPlatformSpecific(url)
}

func openURLPlatformSpecific(url string) error {
	name, args, err := platformCommand()
	if err != nil {
		return err
	}
	cmd := exec.Command(name, append(args, url)...)
	log.Debugf("running command: %s %v", name, args)
	if err = startCmd(cmd); err != nil {
		return fmt.Errorf("failed to start browser command: %w", err)
	}
	return nil
}

func platformCommand() (string, []string, error) {
	switch runtime.GOOS {
	case "darwin":
		return "open", nil, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler"}, nil
	case "linux", "freebsd", "openbsd":
		for _, candidate := range linuxBrowsers {
			if _, err := lookPath(candidate); err == nil {
				return candidate, nil, nil
			}
		}
		return "", nil, fmt.Errorf("no suitable browser found on %s", runtime.GOOS)
	default:
		return "", nil, fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// IsAvailable reports whether a browser can plausibly be launched. Headless sessions
// (SSH without a display) report false so the caller prints the URL instead.
func IsAvailable() bool {
	if runtime.GOOS == "linux" && strings.TrimSpace(os.Getenv("DISPLAY")) == "" && strings.TrimSpace(os.Getenv("WAYLAND_DISPLAY")) == "" {
		return false
	}
	_, _, err := platformCommand()
	return err == nil
}
