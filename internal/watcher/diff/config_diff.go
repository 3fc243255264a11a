// Package diff renders human readable summaries of configuration changes for reload logs.
package diff

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/specflow/specflow/internal/config"
)

// BuildConfigChangeDetails lists the material differences between two configurations.
// Secrets are reported as "updated" without their values.
func BuildConfigChangeDetails(oldCfg, newCfg *config.Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var changes []string
	add := func(key string, oldValue, newValue any) {
		if !reflect.DeepEqual(oldValue, newValue) {
			changes = append(changes, fmt.Sprintf("%s: %v -> %v", key, oldValue, newValue))
		}
	}
	addSecret := func(key, oldValue, newValue string) {
		if oldValue != newValue {
			changes = append(changes, key+": updated")
		}
	}

	add("host", oldCfg.Host, newCfg.Host)
	add("port", oldCfg.Port, newCfg.Port)
	add("debug", oldCfg.Debug, newCfg.Debug)
	add("logging-to-file", oldCfg.LoggingToFile, newCfg.LoggingToFile)
	add("auth-dir", oldCfg.AuthDir, newCfg.AuthDir)
	add("token-store", oldCfg.TokenStore, newCfg.TokenStore)
	addSecret("proxy-url", oldCfg.ProxyURL, newCfg.ProxyURL)

	oj, nj := oldCfg.Jira, newCfg.Jira
	add("jira.base-url", oj.BaseURL, nj.BaseURL)
	add("jira.site-url", oj.SiteURL, nj.SiteURL)
	add("jira.client-id", oj.ClientID, nj.ClientID)
	addSecret("jira.client-secret", oj.ClientSecret, nj.ClientSecret)
	add("jira.redirect-uri", oj.RedirectURI, nj.RedirectURI)
	if strings.Join(oj.Scopes, " ") != strings.Join(nj.Scopes, " ") {
		changes = append(changes, fmt.Sprintf("jira.scopes: updated (%d -> %d entries)", len(oj.Scopes), len(nj.Scopes)))
	}
	add("jira.request-timeout-seconds", oj.RequestTimeoutSeconds, nj.RequestTimeoutSeconds)
	add("jira.safety-margin-seconds", oj.SafetyMarginSeconds, nj.SafetyMarginSeconds)

	add("retry.base-delay-ms", oldCfg.Retry.BaseDelayMS, newCfg.Retry.BaseDelayMS)
	add("retry.max-delay-ms", oldCfg.Retry.MaxDelayMS, newCfg.Retry.MaxDelayMS)
	add("retry.max-attempts", oldCfg.Retry.MaxAttempts, newCfg.Retry.MaxAttempts)
	add("batch.concurrency", oldCfg.Batch.Concurrency, newCfg.Batch.Concurrency)
	add("batch.deadline-seconds", oldCfg.Batch.DeadlineSeconds, newCfg.Batch.DeadlineSeconds)

	return changes
}

// RequiresRestart lists changed settings that only take effect after a restart.
func RequiresRestart(oldCfg, newCfg *config.Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var keys []string
	if oldCfg.Host != newCfg.Host || oldCfg.Port != newCfg.Port {
		keys = append(keys, "listen address")
	}
	if oldCfg.TokenStore != newCfg.TokenStore || oldCfg.AuthDir != newCfg.AuthDir {
		keys = append(keys, "token storage")
	}
	if oldCfg.Jira.BaseURL != newCfg.Jira.BaseURL || oldCfg.Jira.ClientID != newCfg.Jira.ClientID ||
		oldCfg.Jira.ClientSecret != newCfg.Jira.ClientSecret || oldCfg.ProxyURL != newCfg.ProxyURL {
		keys = append(keys, "tracker connection")
	}
	return keys
}
