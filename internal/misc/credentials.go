package misc

import (
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Separator used to visually group related log lines.
var credentialSeparator = strings.Repeat("-", 67)

// LogSavingCredentials tells the user where the token set was persisted.
func LogSavingCredentials(backend, location string) {
	switch {
	case location != "":
		fmt.Printf("Saving Jira credentials to %s (%s)\n", filepath.Clean(location), backend)
	case backend != "":
		fmt.Printf("Saving Jira credentials to the %s store\n", backend)
	}
}

// LogCredentialSeparator adds a visual separator to group login output in debug logs.
func LogCredentialSeparator() {
	log.Debug(credentialSeparator)
}
