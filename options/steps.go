package options

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// StepType names one stage of the verification flow.
type StepType string

// Known step types.
const (
	StepWelcome  StepType = "welcome"
	StepDocument StepType = "document"
	StepFace     StepType = "face"
	StepComplete StepType = "complete"
)

// Step is the normalized form of a flow step.
type Step struct {
	Type    StepType       `json:"type"`
	Options map[string]any `json:"options,omitempty"`
}

// Option returns the named step option.
func (s Step) Option(name string) (any, bool) {
	v, ok := s.Options[name]
	return v, ok
}

// FormatStep converts one steps entry into a Step. Bare type tags are wrapped
// as {type: entry}; structured entries pass through unchanged. ok is false
// for entries that cannot describe a step.
func FormatStep(entry any) (Step, bool) {
	switch v := entry.(type) {
	case Step:
		return v, true
	case *Step:
		if v == nil {
			return Step{}, false
		}
		return *v, true
	case StepType:
		return Step{Type: v}, true
	case string:
		return Step{Type: StepType(v)}, true
	case map[string]any:
		return stepFromObject(v)
	default:
		return Step{}, false
	}
}

func stepFromObject(obj map[string]any) (Step, bool) {
	b, err := json.Marshal(obj)
	if err != nil {
		return Step{}, false
	}
	var s Step
	if err := json.Unmarshal(b, &s); err != nil || s.Type == "" {
		return Step{}, false
	}
	return s, true
}

// formatSteps normalizes entries, falling back to defaults when entries is nil.
func formatSteps(entries []any, defaults []StepType) ([]Step, []Warning) {
	if entries == nil {
		out := make([]Step, 0, len(defaults))
		for _, t := range defaults {
			out = append(out, Step{Type: t})
		}
		return out, nil
	}

	var warnings []Warning
	out := make([]Step, 0, len(entries))
	for i, entry := range entries {
		step, ok := FormatStep(entry)
		if !ok {
			warnings = append(warnings, Warning{
				Field:   fmt.Sprintf("steps[%d]", i),
				Message: fmt.Sprintf("unsupported step entry of type %s was ignored", describeType(entry)),
			})
			continue
		}
		out = append(out, step)
	}
	return out, warnings
}

func describeType(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}

// experimentalWarnings flags document step options that are not yet stable.
func experimentalWarnings(steps []Step) []Warning {
	var doc *Step
	for i := range steps {
		if steps[i].Type == StepDocument {
			doc = &steps[i]
			break
		}
	}
	if doc == nil {
		return nil
	}

	var warnings []Warning
	if v, ok := doc.Option("useWebcam"); ok && truthy(v) {
		warnings = append(warnings, Warning{
			Field:   "steps.document.options.useWebcam",
			Message: "`useWebcam` is an experimental option and is currently discouraged",
		})
	}
	if v, ok := doc.Option("useLiveDocumentCapture"); ok && truthy(v) {
		warnings = append(warnings, Warning{
			Field:   "steps.document.options.useLiveDocumentCapture",
			Message: "`useLiveDocumentCapture` is a beta feature and is still subject to ongoing changes",
		})
	}
	return warnings
}

// EnabledDocuments lists the document types switched on in the document
// step's documentTypes option, in a stable order.
func EnabledDocuments(steps []Step) []string {
	var doc *Step
	for i := range steps {
		if steps[i].Type == StepDocument {
			doc = &steps[i]
			break
		}
	}
	if doc == nil {
		return nil
	}
	raw, ok := doc.Option("documentTypes")
	if !ok {
		return nil
	}
	types, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	var enabled []string
	for _, name := range documentTypeOrder {
		if v, ok := types[name]; ok && truthy(v) {
			enabled = append(enabled, name)
		}
	}
	return enabled
}

var documentTypeOrder = []string{"passport", "driving_licence", "national_identity_card", "residence_permit"}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case map[string]any:
		return true
	default:
		return true
	}
}
