package tracker

import (
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestToPayloadFields(t *testing.T) {
	points := 3.0
	draft := TicketDraft{
		ExternalID:         "feat-1",
		ProjectKey:         "proj",
		IssueType:          "subtask",
		Title:              "  Add login  ",
		Description:        "Users sign in with SSO.",
		AcceptanceCriteria: []string{"Redirects to IdP", " ", "Shows errors"},
		Labels:             []string{"auth", " sso "},
		Priority:           "HIGH",
		StoryPoints:        &points,
		EpicLink:           "PROJ-1",
	}
	p, err := ToPayload(draft)
	if err != nil {
		t.Fatalf("ToPayload() error = %v", err)
	}
	body := p.Body()
	checks := map[string]string{
		"fields.project.key":       "PROJ",
		"fields.summary":           "Add login",
		"fields.issuetype.name":    "Sub-task",
		"fields.priority.name":     "High",
		"fields.labels.1":          "sso",
		"fields.customfield_10016": "3",
		"fields.customfield_10014": "PROJ-1",
	}
	for path, want := range checks {
		if got := gjson.GetBytes(body, path).String(); got != want {
			t.Fatalf("%s = %q, want %q (body %s)", path, got, want, body)
		}
	}
	wantDesc := "Users sign in with SSO.\n\nh3. Acceptance Criteria\n\n* Redirects to IdP\n* Shows errors"
	if got := gjson.GetBytes(body, "fields.description").String(); got != wantDesc {
		t.Fatalf("description = %q, want %q", got, wantDesc)
	}
	if p.ExternalID != "feat-1" {
		t.Fatalf("ExternalID = %q", p.ExternalID)
	}
}

func TestToPayloadDeterministic(t *testing.T) {
	draft := TicketDraft{ProjectKey: "ABC", Title: "t", Labels: []string{"a", "b"}, AcceptanceCriteria: []string{"x"}}
	first, err := ToPayload(draft)
	if err != nil {
		t.Fatalf("ToPayload() error = %v", err)
	}
	second, _ := ToPayload(draft)
	if string(first.Body()) != string(second.Body()) {
		t.Fatalf("payload differs between runs:\n%s\n%s", first.Body(), second.Body())
	}
}

func TestToPayloadOmitsEmptyLabels(t *testing.T) {
	p, err := ToPayload(TicketDraft{ProjectKey: "ABC", Title: "t", Labels: []string{" "}})
	if err != nil {
		t.Fatalf("ToPayload() error = %v", err)
	}
	if gjson.GetBytes(p.Body(), "fields.labels").Exists() {
		t.Fatalf("labels present in %s", p.Body())
	}
	if gjson.GetBytes(p.Body(), "fields.priority.name").String() != "Medium" {
		t.Fatalf("default priority missing in %s", p.Body())
	}
	if gjson.GetBytes(p.Body(), "fields.issuetype.name").String() != "Story" {
		t.Fatalf("default issue type missing in %s", p.Body())
	}
}

func TestToPayloadValidation(t *testing.T) {
	tests := []struct {
		name  string
		draft TicketDraft
		field string
	}{
		{"missing project", TicketDraft{Title: "t"}, "project_key"},
		{"bad project", TicketDraft{ProjectKey: "1AB", Title: "t"}, "project_key"},
		{"empty title", TicketDraft{ProjectKey: "AB", Title: "   "}, "title"},
		{"long title", TicketDraft{ProjectKey: "AB", Title: strings.Repeat("é", MaxSummaryLength+1)}, "title"},
		{"label whitespace", TicketDraft{ProjectKey: "AB", Title: "t", Labels: []string{"two words"}}, "labels"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToPayload(tt.draft)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if vErr.Field != tt.field {
				t.Fatalf("Field = %q, want %q", vErr.Field, tt.field)
			}
		})
	}
}

func TestMapIssueTypePassesThroughUnknown(t *testing.T) {
	if got := MapIssueType("Spike"); got != "Spike" {
		t.Fatalf("MapIssueType(Spike) = %q", got)
	}
	if got := MapIssueType("BUG"); got != "Bug" {
		t.Fatalf("MapIssueType(BUG) = %q", got)
	}
}
