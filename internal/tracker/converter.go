package tracker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/sjson"
)

const (
	// MaxSummaryLength is the tracker's limit on the summary field.
	MaxSummaryLength = 255

	storyPointsField = "customfield_10016"
	epicLinkField    = "customfield_10014"
)

var projectKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)

var issueTypeNames = map[string]string{
	"story":    "Story",
	"task":     "Task",
	"bug":      "Bug",
	"epic":     "Epic",
	"subtask":  "Sub-task",
	"sub-task": "Sub-task",
}

var priorityNames = map[string]string{
	"highest": "Highest",
	"high":    "High",
	"medium":  "Medium",
	"low":     "Low",
	"lowest":  "Lowest",
}

// ValidationError reports a draft that cannot be converted. It is always permanent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid draft: %s %s", e.Field, e.Reason)
}

// Payload is the provider request derived from one draft.
type Payload struct {
	ExternalID  string
	ProjectKey  string
	IssueType   string
	Summary     string
	Description string
	Priority    string
	Labels      []string
	body        []byte
}

// Body returns the JSON request body for the create-issue call.
func (p *Payload) Body() []byte {
	return p.body
}

// ToPayload maps a draft to the create-issue request. It is deterministic and performs no
// I/O; a returned error is a *ValidationError.
func ToPayload(draft TicketDraft) (*Payload, error) {
	projectKey := NormalizeProjectKey(draft.ProjectKey)
	if !projectKeyPattern.MatchString(projectKey) {
		return nil, &ValidationError{Field: "project_key", Reason: fmt.Sprintf("%q is not a valid project key", draft.ProjectKey)}
	}
	summary := strings.TrimSpace(draft.Title)
	if summary == "" {
		return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(summary) > MaxSummaryLength {
		return nil, &ValidationError{Field: "title", Reason: fmt.Sprintf("exceeds %d characters", MaxSummaryLength)}
	}
	labels := make([]string, 0, len(draft.Labels))
	for _, label := range draft.Labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		if strings.ContainsFunc(label, unicode.IsSpace) {
			return nil, &ValidationError{Field: "labels", Reason: fmt.Sprintf("%q contains whitespace", label)}
		}
		labels = append(labels, label)
	}

	p := &Payload{
		ExternalID:  draft.ExternalID,
		ProjectKey:  projectKey,
		IssueType:   MapIssueType(draft.IssueType),
		Summary:     summary,
		Description: FormatDescription(draft),
		Priority:    MapPriority(draft.Priority),
		Labels:      labels,
	}

	body := []byte(`{"fields":{}}`)
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, path, value)
	}
	set("fields.project.key", p.ProjectKey)
	set("fields.summary", p.Summary)
	set("fields.description", p.Description)
	set("fields.issuetype.name", p.IssueType)
	set("fields.priority.name", p.Priority)
	if len(p.Labels) > 0 {
		set("fields.labels", p.Labels)
	}
	if draft.StoryPoints != nil {
		set("fields."+storyPointsField, *draft.StoryPoints)
	}
	if epic := strings.TrimSpace(draft.EpicLink); epic != "" {
		set("fields."+epicLinkField, epic)
	}
	if err != nil {
		return nil, fmt.Errorf("build payload: %w", err)
	}
	p.body = body
	return p, nil
}

// NormalizeProjectKey upper-cases and trims a project key.
func NormalizeProjectKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidProjectKey reports whether key, once normalized, is a well-formed project key.
func ValidProjectKey(key string) bool {
	return projectKeyPattern.MatchString(NormalizeProjectKey(key))
}

// MapIssueType resolves a draft issue type to the tracker's name. Empty means Story;
// unknown names pass through so custom issue types keep working.
func MapIssueType(issueType string) string {
	trimmed := strings.TrimSpace(issueType)
	if trimmed == "" {
		return "Story"
	}
	if name, ok := issueTypeNames[strings.ToLower(trimmed)]; ok {
		return name
	}
	return trimmed
}

// MapPriority resolves a draft priority, defaulting to Medium.
func MapPriority(priority string) string {
	if name, ok := priorityNames[strings.ToLower(strings.TrimSpace(priority))]; ok {
		return name
	}
	return "Medium"
}

// FormatDescription renders the description in wiki markup with the acceptance criteria
// as a bullet list.
func FormatDescription(draft TicketDraft) string {
	var sb strings.Builder
	if desc := strings.TrimSpace(draft.Description); desc != "" {
		sb.WriteString(desc)
		sb.WriteString("\n\n")
	}
	criteria := make([]string, 0, len(draft.AcceptanceCriteria))
	for _, c := range draft.AcceptanceCriteria {
		if c = strings.TrimSpace(c); c != "" {
			criteria = append(criteria, c)
		}
	}
	if len(criteria) > 0 {
		sb.WriteString("h3. Acceptance Criteria\n\n")
		for _, c := range criteria {
			sb.WriteString("* ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
