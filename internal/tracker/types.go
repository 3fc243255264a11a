// Package tracker converts ticket drafts into issue-tracker payloads and creates them
// through the Jira REST API with retry, backoff, and token refresh on rejection.
package tracker

import (
	"context"

	"github.com/specflow/specflow/internal/auth/jira"
)

// ErrorKind classifies a failed TicketResult.
type ErrorKind string

const (
	// ErrorKindAuth means no usable token could be obtained, or the tracker kept rejecting it.
	ErrorKindAuth ErrorKind = "auth_error"
	// ErrorKindTransient means network, 5xx, 429, or timeout failures outlasted the retry budget.
	ErrorKindTransient ErrorKind = "transient_error"
	// ErrorKindPermanent means the tracker refused the payload or the draft failed validation.
	ErrorKindPermanent ErrorKind = "permanent_error"
	// ErrorKindCancelled marks drafts never dispatched because the batch was cancelled.
	ErrorKindCancelled ErrorKind = "cancelled"
	// ErrorKindTimedOut marks drafts never dispatched because the batch deadline passed.
	ErrorKindTimedOut ErrorKind = "timed_out"
)

// TicketDraft is one ticket to create. Drafts are immutable once submitted to a batch.
type TicketDraft struct {
	// ExternalID is the caller-generated idempotency key.
	ExternalID string `yaml:"external-id" json:"external_id"`
	// ProjectKey defaults to the batch project when empty.
	ProjectKey         string   `yaml:"project-key" json:"project_key,omitempty"`
	IssueType          string   `yaml:"issue-type" json:"issue_type,omitempty"`
	Title              string   `yaml:"title" json:"title"`
	Description        string   `yaml:"description" json:"description,omitempty"`
	AcceptanceCriteria []string `yaml:"acceptance-criteria" json:"acceptance_criteria,omitempty"`
	Labels             []string `yaml:"labels" json:"labels,omitempty"`
	Priority           string   `yaml:"priority" json:"priority,omitempty"`
	// StoryPoints is written to the story points custom field when set.
	StoryPoints *float64 `yaml:"story-points" json:"story_points,omitempty"`
	// EpicLink is the key of the parent epic, if any.
	EpicLink string `yaml:"epic-link" json:"epic_link,omitempty"`
}

// TicketResult is the outcome for one draft: a created key or a classified failure.
type TicketResult struct {
	ExternalID string    `json:"external_id"`
	Success    bool      `json:"success"`
	TicketKey  string    `json:"ticket_key,omitempty"`
	IssueID    string    `json:"issue_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	// IssueStatus is the workflow status read back after creation, when enabled.
	IssueStatus string `json:"issue_status,omitempty"`
	// StatusCode is the last HTTP status seen, zero when no response arrived.
	StatusCode int `json:"status_code,omitempty"`
	// Attempts counts the requests sent for this draft.
	Attempts int `json:"attempts,omitempty"`
}

// Failed builds a failure result that never reached the tracker.
func Failed(externalID string, kind ErrorKind, message string) TicketResult {
	return TicketResult{ExternalID: externalID, ErrorKind: kind, Message: message}
}

// TokenProvider hands out valid access tokens. *jira.TokenStore implements it.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (*jira.TokenSet, error)
	ForceRefresh(ctx context.Context, stale *jira.TokenSet) (*jira.TokenSet, error)
}

// ProjectLookup resolves a project and the issue types it accepts. *Client implements it.
type ProjectLookup interface {
	GetProject(ctx context.Context, key string) (*Project, error)
}

// IssueCreator is the capability a tracker backend offers the batch coordinator. The
// backend is chosen once when the application is wired.
type IssueCreator interface {
	CreateIssue(ctx context.Context, payload *Payload) TicketResult
}
