package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/config"
	"github.com/specflow/specflow/internal/util"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName      = "specflow.log"
	defaultLogSizeMB = 10
	noRequestID      = "--------"
)

// fieldAliases shortens the fields every batch log line carries. Aliased fields are
// printed first, in this order; the rest follow sorted by name.
var fieldAliases = []struct{ key, alias string }{
	{"batch_id", "batch"},
	{"external_id", "draft"},
	{"ticket_key", "ticket"},
	{"project", "project"},
	{"attempt", "attempt"},
	{"status", "status"},
	{"delay", "delay"},
	{"error", "error"},
}

var (
	setupOnce sync.Once

	outputMu  sync.Mutex
	rotating  *lumberjack.Logger
	ginWriter interface{ Close() error }
)

// LogFormatter renders one line per entry:
//
//	2026-01-02 15:04:05 WARN  [a1b2c3d4] client.go:212 transient tracker failure | batch=4f1c draft=d1 attempt=2
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}

	level := strings.ToUpper(entry.Level.String())
	if entry.Level == log.WarnLevel {
		level = "WARN"
	}
	reqID, _ := entry.Data["request_id"].(string)
	if reqID == "" {
		reqID = noRequestID
	}

	fmt.Fprintf(buf, "%s %-5s [%s] ", entry.Time.Format("2006-01-02 15:04:05"), level, reqID)
	if entry.Caller != nil {
		fmt.Fprintf(buf, "%s:%d ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	buf.WriteString(strings.TrimRight(entry.Message, "\r\n"))

	if fields := renderFields(entry.Data); fields != "" {
		buf.WriteString(" | ")
		buf.WriteString(fields)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func renderFields(data log.Fields) string {
	if len(data) == 0 {
		return ""
	}
	seen := map[string]bool{"request_id": true}
	parts := make([]string, 0, len(data))
	for _, fa := range fieldAliases {
		if v, ok := data[fa.key]; ok {
			parts = append(parts, fa.alias+"="+fieldValue(v))
			seen[fa.key] = true
		}
	}
	var rest []string
	for k := range data {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		parts = append(parts, k+"="+fieldValue(data[k]))
	}
	return strings.Join(parts, " ")
}

func fieldValue(v interface{}) string {
	s := fmt.Sprint(v)
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// SetupBaseLogger installs LogFormatter on the standard logger and routes Gin's own
// output through it. Only the first call has an effect.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		w := log.StandardLogger().WriterLevel(log.WarnLevel)
		gin.DefaultWriter = w
		gin.DefaultErrorWriter = w
		ginWriter = w

		log.RegisterExitHandler(closeOutputs)
	})
}

// logDirectory places logs under WRITABLE_PATH when set, otherwise next to the token
// files, falling back to ./logs.
func logDirectory(cfg *config.Config) string {
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, "logs")
	}
	if cfg != nil && cfg.AuthDir != "" {
		if dir, err := util.ResolveAuthDir(cfg.AuthDir); err == nil && dir != "" {
			return filepath.Join(dir, "logs")
		}
	}
	return "logs"
}

// ConfigureLogOutput sends log output to a rotating file when cfg.LoggingToFile is set and
// to stdout otherwise. It is called again on every config reload.
func ConfigureLogOutput(cfg *config.Config) error {
	SetupBaseLogger()

	outputMu.Lock()
	defer outputMu.Unlock()

	if rotating != nil {
		_ = rotating.Close()
		rotating = nil
	}
	if !cfg.LoggingToFile {
		log.SetOutput(os.Stdout)
		return nil
	}

	dir := logDirectory(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create log directory %s: %w", dir, err)
	}
	size := cfg.LogMaxSizeMB
	if size <= 0 {
		size = defaultLogSizeMB
	}
	rotating = &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFileName),
		MaxSize:    size,
		MaxBackups: cfg.LogMaxBackups,
	}
	log.SetOutput(rotating)
	return nil
}

func closeOutputs() {
	outputMu.Lock()
	defer outputMu.Unlock()

	if rotating != nil {
		_ = rotating.Close()
		rotating = nil
	}
	if ginWriter != nil {
		_ = ginWriter.Close()
		ginWriter = nil
	}
}
