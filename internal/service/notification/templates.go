package notification

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/jwalitptl/caseflow/internal/model"
)

type templateText struct {
	Subject string
	Body    string
}

// builtinTemplates is keyed by template name then language.
var builtinTemplates = map[string]map[string]templateText{
	model.TemplatePaymentConfirmation: {
		"en": {
			Subject: "Payment received for case {{ ref . }}",
			Body:    `We received your payment. Your case {{ ref . }} will be reviewed by {{ v . "sla_deadline" }}.`,
		},
		"es": {
			Subject: "Pago recibido para el caso {{ ref . }}",
			Body:    `Hemos recibido su pago. Su caso {{ ref . }} será revisado antes de {{ v . "sla_deadline" }}.`,
		},
	},
	model.TemplateCaseAssigned: {
		"en": {
			Subject: "New case assigned: {{ ref . }}",
			Body:    "Case {{ ref . }} has been assigned to you. Please accept it in the portal.",
		},
	},
	model.TemplateCaseReassigned: {
		"en": {
			Subject: "Case reassigned to you: {{ ref . }}",
			Body:    `Case {{ ref . }} has been reassigned to you ({{ v . "reason" }}). Please accept it in the portal.`,
		},
	},
	model.TemplateSLABreach: {
		"en": {
			Subject: "SLA breached for case {{ ref . }}",
			Body:    `Case {{ ref . }} passed its review deadline of {{ v . "sla_deadline" }}.`,
		},
	},
	model.TemplateReassignmentFailed: {
		"en": {
			Subject: "Action needed: no doctor available for case {{ ref . }}",
			Body:    `Case {{ ref . }} could not be reassigned automatically ({{ v . "reason" }}). Manual assignment is required.`,
		},
	},
	model.TemplateResponseTimeout: {
		"en": {
			Subject: "Doctor did not respond on case {{ ref . }}",
			Body:    "The assigned doctor did not accept case {{ ref . }} in time.",
		},
	},
	model.TemplateFilesRejected: {
		"en": {
			Subject: "More files needed for case {{ ref . }}",
			Body:    `Your doctor needs additional files for case {{ ref . }}: {{ v . "reason" }}. The review clock is paused until you upload them.`,
		},
	},
	model.TemplateCaseCompleted: {
		"en": {
			Subject: "Your case {{ ref . }} is complete",
			Body:    "The review of case {{ ref . }} is complete. You can read the report in the portal.",
		},
	},
}

const fallbackLanguage = "en"

// Renderer turns a template name, language and variables into subject and
// body text. Unknown languages fall back to English; unknown templates get
// a generic message so delivery is never blocked on copy.
type Renderer struct {
	mu     sync.Mutex
	parsed map[string]*template.Template
	texts  map[string]map[string]templateText
}

func NewRenderer() *Renderer {
	return &Renderer{
		parsed: map[string]*template.Template{},
		texts:  builtinTemplates,
	}
}

var funcs = template.FuncMap{
	"ref": func(vars map[string]interface{}) string {
		if v, ok := vars["reference_code"]; ok && v != nil && fmt.Sprint(v) != "" {
			return fmt.Sprint(v)
		}
		if v, ok := vars["case_id"]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return "-"
	},
	// v prints an optional variable, or nothing when it is absent.
	"v": func(vars map[string]interface{}, key string) string {
		if v, ok := vars[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	},
}

func (r *Renderer) Render(name, language string, vars model.JSONMap) (subject, body string, err error) {
	text, lang := r.lookup(name, language)
	data := map[string]interface{}(vars)
	if data == nil {
		data = map[string]interface{}{}
	}

	subject, err = r.execute(name+"/"+lang+"/subject", text.Subject, data)
	if err != nil {
		return "", "", err
	}
	body, err = r.execute(name+"/"+lang+"/body", text.Body, data)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

func (r *Renderer) lookup(name, language string) (templateText, string) {
	lang := strings.ToLower(language)
	if byLang, ok := r.texts[name]; ok {
		if t, ok := byLang[lang]; ok {
			return t, lang
		}
		if t, ok := byLang[fallbackLanguage]; ok {
			return t, fallbackLanguage
		}
	}
	return templateText{
		Subject: "Update on case {{ ref . }}",
		Body:    "There is an update (" + name + ") on case {{ ref . }}.",
	}, "generic"
}

func (r *Renderer) execute(key, text string, data map[string]interface{}) (string, error) {
	r.mu.Lock()
	tpl, ok := r.parsed[key]
	if !ok {
		var err error
		tpl, err = template.New(key).Funcs(funcs).Parse(text)
		if err != nil {
			r.mu.Unlock()
			return "", fmt.Errorf("failed to parse template %s: %w", key, err)
		}
		r.parsed[key] = tpl
	}
	r.mu.Unlock()

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", key, err)
	}
	return buf.String(), nil
}
