package mail

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sort"

	"github.com/Masterminds/sprig/v3"
)

// TemplateKind names one of the built-in mail templates.
type TemplateKind string

const (
	TemplateWelcome                TemplateKind = "welcome"
	TemplateEnrollmentConfirmation TemplateKind = "enrollment_confirmation"
	TemplateClassReminder          TemplateKind = "class_reminder"
	TemplateAssignmentDue          TemplateKind = "assignment_due"
	TemplateGradePosted            TemplateKind = "grade_posted"
	TemplatePasswordReset          TemplateKind = "password_reset"
	TemplateWeeklyReport           TemplateKind = "weekly_report"
	TemplateMeetingInvite          TemplateKind = "meeting_invite"
	TemplateAttendanceReport       TemplateKind = "attendance_report"
)

var templateKinds = []TemplateKind{
	TemplateWelcome,
	TemplateEnrollmentConfirmation,
	TemplateClassReminder,
	TemplateAssignmentDue,
	TemplateGradePosted,
	TemplatePasswordReset,
	TemplateWeeklyReport,
	TemplateMeetingInvite,
	TemplateAttendanceReport,
}

// TemplateKinds returns every known template kind.
func TemplateKinds() []TemplateKind {
	return append([]TemplateKind(nil), templateKinds...)
}

// Valid reports whether k is one of the built-in templates.
func (k TemplateKind) Valid() bool {
	for _, known := range templateKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseTemplateKind converts a name into a TemplateKind, failing on names
// that have no template.
func ParseTemplateKind(name string) (TemplateKind, error) {
	k := TemplateKind(name)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return k, nil
}

//go:embed templates/*.html
var templateFS embed.FS

var parsedTemplates = mustParseTemplates()

func mustParseTemplates() map[TemplateKind]*template.Template {
	parsed := make(map[TemplateKind]*template.Template, len(templateKinds))
	for _, k := range templateKinds {
		t, err := template.New("layout.html").
			Funcs(sprig.FuncMap()).
			ParseFS(templateFS, "templates/layout.html", "templates/"+string(k)+".html")
		if err != nil {
			panic(fmt.Sprintf("parsing mail template %s: %v", k, err))
		}
		parsed[k] = t
	}
	return parsed
}

// Renderer turns a template kind and its data into an HTML body.
type Renderer struct {
	BrandingName string
	BaseURL      string
}

// NewRenderer creates a Renderer that injects branding into every template.
func NewRenderer(brandingName, baseURL string) *Renderer {
	if brandingName == "" {
		brandingName = "sschool"
	}
	return &Renderer{BrandingName: brandingName, BaseURL: baseURL}
}

// Render executes the template for kind. Unknown kinds are an error, never a
// fallback to some other template.
func (r *Renderer) Render(kind TemplateKind, data map[string]any) (string, error) {
	t, ok := parsedTemplates[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, kind)
	}

	merged := make(map[string]any, len(data)+2)
	merged["BrandingName"] = r.BrandingName
	merged["BaseURL"] = r.BaseURL
	for k, v := range data {
		merged[k] = v
	}

	b := bytes.Buffer{}
	if err := t.Execute(&b, merged); err != nil {
		return "", fmt.Errorf("rendering mail template %s: %w", kind, err)
	}
	return b.String(), nil
}

// dataKeys is used in logs to show which fields a producer supplied.
func dataKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
