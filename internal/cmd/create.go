package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/batch"
	"github.com/specflow/specflow/internal/config"
	"github.com/specflow/specflow/internal/tracker"
	"gopkg.in/yaml.v3"
)

// CreateOptions controls a one-shot ticket creation run.
type CreateOptions struct {
	// DraftsPath is the YAML file holding the drafts.
	DraftsPath string
	// ProjectKey overrides the project named in the drafts file.
	ProjectKey string
	// JSON prints the final report as JSON instead of a table.
	JSON bool
	// Out receives the report; stdout when nil.
	Out io.Writer
}

// draftsFile is the on-disk drafts document. A bare list of drafts is accepted too.
type draftsFile struct {
	ProjectKey string                `yaml:"project-key"`
	Drafts     []tracker.TicketDraft `yaml:"drafts"`
}

// DoCreateTickets creates every draft in the file as one batch and prints the report.
// The first interrupt cancels the batch cooperatively. It returns the final report so the
// caller can choose an exit code.
func DoCreateTickets(cfg *config.Config, opts CreateOptions) (batch.Report, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	drafts, fileProject, err := loadDrafts(opts.DraftsPath)
	if err != nil {
		return batch.Report{}, err
	}
	projectKey := strings.TrimSpace(opts.ProjectKey)
	if projectKey == "" {
		projectKey = fileProject
	}

	svc, err := newServices(cfg)
	if err != nil {
		return batch.Report{}, err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if found, errLoad := svc.loadPersistedToken(ctx); errLoad != nil {
		return batch.Report{}, errLoad
	} else if !found {
		return batch.Report{}, jira.NewAuthError(jira.ErrReauthRequired, fmt.Errorf("no stored token; run with -login first"))
	}

	return runBatch(ctx, svc.coordinator, drafts, projectKey, opts.JSON, out)
}

func runBatch(ctx context.Context, coordinator *batch.Coordinator, drafts []tracker.TicketDraft, projectKey string, asJSON bool, out io.Writer) (batch.Report, error) {
	b, err := coordinator.CreateBatch(drafts, projectKey)
	if err != nil {
		return batch.Report{}, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.WithField("batch_id", b.ID()).Warn("interrupt received, cancelling batch")
			b.Cancel()
		case <-done:
		}
	}()

	_, execErr := coordinator.Execute(context.WithoutCancel(ctx), b)
	report := b.Report()
	if errPrint := printReport(out, report, asJSON); errPrint != nil {
		log.WithError(errPrint).Warn("failed to print batch report")
	}
	return report, execErr
}

func loadDrafts(path string) ([]tracker.TicketDraft, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read drafts file: %w", err)
	}
	var doc draftsFile
	if errDoc := yaml.Unmarshal(data, &doc); errDoc == nil && len(doc.Drafts) > 0 {
		return doc.Drafts, doc.ProjectKey, nil
	}
	var list []tracker.TicketDraft
	if err = yaml.Unmarshal(data, &list); err != nil {
		return nil, "", fmt.Errorf("parse drafts file: %w", err)
	}
	if len(list) == 0 {
		return nil, "", batch.ErrEmptyBatch
	}
	return list, "", nil
}

func printReport(out io.Writer, report batch.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch %s (%s): %s\n", report.ID, report.ProjectKey, report.State)
	for _, res := range report.Results {
		switch {
		case res.Success:
			fmt.Fprintf(&sb, "  ok    %-24s %s %s\n", res.ExternalID, res.TicketKey, res.URL)
		case res.ErrorKind == "":
			fmt.Fprintf(&sb, "  wait  %-24s\n", res.ExternalID)
		default:
			fmt.Fprintf(&sb, "  fail  %-24s [%s] %s\n", res.ExternalID, res.ErrorKind, res.Message)
		}
	}
	s := report.Summary
	fmt.Fprintf(&sb, "%d/%d created (%.1f%%), %d failed\n", s.Succeeded, s.Total, s.SuccessRate, s.Failed)
	_, err := io.WriteString(out, sb.String())
	return err
}
