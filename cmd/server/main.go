// Package main provides the entry point for specflow. It logs in to Jira, creates tickets
// from a drafts file in one shot, or runs the HTTP API that does both for other services.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/batch"
	"github.com/specflow/specflow/internal/buildinfo"
	"github.com/specflow/specflow/internal/cmd"
	"github.com/specflow/specflow/internal/config"
	"github.com/specflow/specflow/internal/logging"
	"github.com/specflow/specflow/internal/misc"
	"github.com/specflow/specflow/internal/util"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

// main parses flags, loads configuration and dispatches to login, one-shot creation or
// server mode.
func main() {
	os.Exit(run())
}

func run() int {
	fmt.Printf("specflow Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var login bool
	var logout bool
	var noBrowser bool
	var oauthCallbackPort int
	var configPath string
	var draftsPath string
	var projectKey string
	var asJSON bool

	flag.BoolVar(&login, "login", false, "Authorize against Jira using OAuth")
	flag.BoolVar(&logout, "logout", false, "Delete the stored Jira token")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open browser automatically for OAuth")
	flag.IntVar(&oauthCallbackPort, "oauth-callback-port", 0, "Override OAuth callback port")
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.StringVar(&draftsPath, "create", "", "Create tickets from a YAML drafts file and exit")
	flag.StringVar(&projectKey, "project", "", "Project key for drafts without one (with -create)")
	flag.BoolVar(&asJSON, "json", false, "Print the batch report as JSON (with -create)")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Errorf("failed to get working directory: %v", err)
		return 1
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	configFilePath := configPath
	if configFilePath == "" {
		configFilePath = filepath.Join(wd, "config.yaml")
		copied, errCopy := misc.CopyConfigTemplate(filepath.Join(wd, "config.example.yaml"), configFilePath)
		if errCopy != nil {
			log.WithError(errCopy).Warn("failed to seed config.yaml from config.example.yaml")
		} else if copied {
			log.Infof("created %s from config.example.yaml", configFilePath)
		}
	}
	cfg, err := config.LoadConfigOptional(configFilePath, configPath == "")
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		return 1
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Errorf("failed to configure log output: %v", err)
		return 1
	}
	util.SetLogLevel(cfg)
	log.Infof("specflow Version: %s, Commit: %s, BuiltAt: %s", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	switch {
	case login:
		options := &cmd.LoginOptions{
			NoBrowser:    noBrowser,
			CallbackPort: oauthCallbackPort,
		}
		if err = cmd.DoJiraLogin(cfg, options); err != nil {
			log.Errorf("jira login failed: %v", err)
			fmt.Fprintln(os.Stderr, jira.UserFriendlyMessage(err))
			return 1
		}
	case logout:
		if err = cmd.DoJiraLogout(cfg); err != nil {
			log.Errorf("jira logout failed: %v", err)
			return 1
		}
	case draftsPath != "":
		report, errCreate := cmd.DoCreateTickets(cfg, cmd.CreateOptions{
			DraftsPath: draftsPath,
			ProjectKey: projectKey,
			JSON:       asJSON,
		})
		if errCreate != nil {
			log.Errorf("ticket creation failed: %v", errCreate)
			if jira.IsAuthError(errCreate) {
				fmt.Fprintln(os.Stderr, jira.UserFriendlyMessage(errCreate))
			}
			return 1
		}
		if report.State != batch.StateComplete {
			return 2
		}
	default:
		if err = cmd.StartService(cfg, configFilePath); err != nil {
			log.Errorf("server stopped with error: %v", err)
			return 1
		}
	}
	return 0
}
