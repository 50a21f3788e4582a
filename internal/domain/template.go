package domain

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Reserved variable prefixes and names. Variables outside these are
// user-defined "custom" variables and are indexed on the template.
var reservedVariablePrefixes = []string{"contact.", "organization."}

var reservedVariableNames = map[string]bool{
	"unsubscribe_link":     true,
	"view_in_browser_link": true,
	"current_date":         true,
	"current_year":         true,
}

// IsReservedVariable reports whether name is a system variable.
func IsReservedVariable(name string) bool {
	if reservedVariableNames[name] {
		return true
	}
	for _, prefix := range reservedVariablePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// TemplateVariable is one indexed custom variable with its fallback.
type TemplateVariable struct {
	Name         string `json:"name"`
	DefaultValue string `json:"default_value,omitempty"`
}

// TemplateVersion is one append-only content revision.
type TemplateVersion struct {
	Version   int       `json:"version"`
	Subject   string    `json:"subject"`
	HTML      string    `json:"html"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxTemplateVersions caps retained revisions; older ones are dropped.
const MaxTemplateVersions = 20

// Template is a versioned subject + HTML (+ optional plain text) body.
type Template struct {
	ID      string `json:"id"`
	OrgID   string `json:"org_id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`

	Variables []TemplateVariable `json:"variables,omitempty"`
	Versions  []TemplateVersion  `json:"versions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var variablePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\s*\}\}`)

// ExtractVariables finds every {{ path }} token in the given bodies.
// Results are deduplicated and sorted.
func ExtractVariables(bodies ...string) []string {
	seen := make(map[string]bool)
	for _, body := range bodies {
		for _, match := range variablePattern.FindAllStringSubmatch(body, -1) {
			seen[match[1]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the template and reindexes its custom variables.
func (t *Template) Validate() error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return NewValidationError("template name is required", "name")
	}
	if t.Subject == "" {
		return NewValidationError("template subject is required", "subject")
	}
	t.ReindexVariables()
	return nil
}

// ReindexVariables rebuilds the custom-variable index from the current
// subject and bodies, preserving previously declared defaults.
func (t *Template) ReindexVariables() {
	defaults := make(map[string]string, len(t.Variables))
	for _, v := range t.Variables {
		if v.DefaultValue != "" {
			defaults[v.Name] = v.DefaultValue
		}
	}
	var custom []TemplateVariable
	for _, name := range ExtractVariables(t.Subject, t.HTML, t.Text) {
		if IsReservedVariable(name) {
			continue
		}
		custom = append(custom, TemplateVariable{Name: name, DefaultValue: defaults[name]})
	}
	t.Variables = custom
}

// AppendVersion records the current content as a new version, trimming to
// the retention cap.
func (t *Template) AppendVersion(now time.Time) {
	next := 1
	if n := len(t.Versions); n > 0 {
		next = t.Versions[n-1].Version + 1
	}
	t.Versions = append(t.Versions, TemplateVersion{
		Version:   next,
		Subject:   t.Subject,
		HTML:      t.HTML,
		Text:      t.Text,
		CreatedAt: now,
	})
	if len(t.Versions) > MaxTemplateVersions {
		t.Versions = t.Versions[len(t.Versions)-MaxTemplateVersions:]
	}
}

// DefaultsMap exposes declared defaults for the renderer.
func (t *Template) DefaultsMap() map[string]string {
	m := make(map[string]string, len(t.Variables))
	for _, v := range t.Variables {
		if v.DefaultValue != "" {
			m[v.Name] = v.DefaultValue
		}
	}
	return m
}

// TemplateRepository is the datastore contract for templates.
type TemplateRepository interface {
	Create(ctx context.Context, template *Template) error
	Update(ctx context.Context, template *Template) error
	GetByID(ctx context.Context, orgID, id string) (*Template, error)
	GetAll(ctx context.Context, orgID string) ([]*Template, error)
	Delete(ctx context.Context, orgID, id string) error
}
