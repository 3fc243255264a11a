package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	projectPath = "/rest/api/2/project/"
	issuePath   = "/rest/api/2/issue/"
)

// ErrProjectNotFound is matched by errors.Is when the tracker answers 404 for a project.
var ErrProjectNotFound = errors.New("project not found")

// APIError is a failed read request, classified like a ticket failure.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Project is the subset of a tracker project needed before dispatch.
type Project struct {
	ID         string      `json:"id"`
	Key        string      `json:"key"`
	Name       string      `json:"name"`
	IssueTypes []IssueType `json:"issue_types,omitempty"`
}

// IssueType is one issue type a project accepts.
type IssueType struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subtask bool   `json:"subtask,omitempty"`
}

// AcceptsIssueType reports whether name is one of the project's issue types. A project
// whose types were not listed accepts anything.
func (p *Project) AcceptsIssueType(name string) bool {
	if len(p.IssueTypes) == 0 {
		return true
	}
	for _, it := range p.IssueTypes {
		if strings.EqualFold(it.Name, name) {
			return true
		}
	}
	return false
}

// Issue is an existing issue as read back from the tracker.
type Issue struct {
	ID        string   `json:"id"`
	Key       string   `json:"key"`
	Summary   string   `json:"summary"`
	Status    string   `json:"status,omitempty"`
	IssueType string   `json:"issue_type,omitempty"`
	Priority  string   `json:"priority,omitempty"`
	Assignee  string   `json:"assignee,omitempty"`
	Reporter  string   `json:"reporter,omitempty"`
	Labels    []string `json:"labels,omitempty"`
}

// GetProject reads a project and its issue types under the same retry and refresh
// policy as CreateIssue. A 404 yields an error matching ErrProjectNotFound.
func (c *Client) GetProject(ctx context.Context, key string) (*Project, error) {
	key = NormalizeProjectKey(key)
	logger := log.WithField("project", key)
	r := c.call(ctx, request{method: http.MethodGet, path: projectPath + url.PathEscape(key)}, logger)
	if r.kind != "" {
		apiErr := &APIError{Kind: r.kind, StatusCode: r.out.status, Message: r.message, Err: r.err}
		if r.kind == ErrorKindPermanent && r.out.status == http.StatusNotFound {
			apiErr.Message = fmt.Sprintf("project %s not found", key)
			apiErr.Err = ErrProjectNotFound
		}
		return nil, apiErr
	}

	body := r.out.body
	p := &Project{
		ID:   gjson.GetBytes(body, "id").String(),
		Key:  gjson.GetBytes(body, "key").String(),
		Name: gjson.GetBytes(body, "name").String(),
	}
	if p.Key == "" {
		p.Key = key
	}
	gjson.GetBytes(body, "issueTypes").ForEach(func(_, v gjson.Result) bool {
		p.IssueTypes = append(p.IssueTypes, IssueType{
			ID:      v.Get("id").String(),
			Name:    v.Get("name").String(),
			Subtask: v.Get("subtask").Bool(),
		})
		return true
	})
	return p, nil
}

// GetIssueTypes lists the issue types a project accepts.
func (c *Client) GetIssueTypes(ctx context.Context, projectKey string) ([]IssueType, error) {
	p, err := c.GetProject(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	return p.IssueTypes, nil
}

// GetIssue reads one issue by key.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	key = strings.TrimSpace(key)
	logger := log.WithField("ticket_key", key)
	r := c.call(ctx, request{method: http.MethodGet, path: issuePath + url.PathEscape(key)}, logger)
	if r.kind != "" {
		return nil, &APIError{Kind: r.kind, StatusCode: r.out.status, Message: r.message, Err: r.err}
	}

	fields := gjson.GetBytes(r.out.body, "fields")
	issue := &Issue{
		ID:        gjson.GetBytes(r.out.body, "id").String(),
		Key:       gjson.GetBytes(r.out.body, "key").String(),
		Summary:   fields.Get("summary").String(),
		Status:    fields.Get("status.name").String(),
		IssueType: fields.Get("issuetype.name").String(),
		Priority:  fields.Get("priority.name").String(),
		Assignee:  fields.Get("assignee.displayName").String(),
		Reporter:  fields.Get("reporter.displayName").String(),
	}
	for _, l := range fields.Get("labels").Array() {
		issue.Labels = append(issue.Labels, l.String())
	}
	return issue, nil
}
