// Package options turns loosely-specified SDK options into one canonical,
// validated Configuration.
package options

import (
	"maps"
	"slices"

	"idvsdk/events"
)

// Endpoint keys carried in URL maps.
const (
	URLKeyAPI            = "onfido_api_url"
	URLKeyTelephony      = "telephony_url"
	URLKeyHostedSDK      = "hosted_sdk_url"
	URLKeyDetectDocument = "detect_document_url"
	URLKeySync           = "sync_url"
)

// URLMap maps endpoint keys to absolute URLs.
type URLMap map[string]string

// Clone returns an independent copy.
func (m URLMap) Clone() URLMap {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// UserDetails carries host-provided user data used to prefill the flow.
type UserDetails struct {
	SMSNumber string `json:"smsNumber,omitempty"`
}

// RawOptions is the partial, caller-facing option set. Nil fields are unset
// and fall back to defaults (or, in Merge, to the base value).
//
// Steps entries may be a string, a StepType, a Step, a *Step or a decoded
// JSON object.
type RawOptions struct {
	Token                     *string      `json:"token,omitempty"`
	Steps                     []any        `json:"steps,omitempty"`
	SMSNumberCountryCode      *string      `json:"smsNumberCountryCode,omitempty"`
	ContainerID               *string      `json:"containerId,omitempty"`
	Language                  *string      `json:"language,omitempty"`
	URLs                      URLMap       `json:"urls,omitempty"`
	UserDetails               *UserDetails `json:"userDetails,omitempty"`
	UseModal                  *bool        `json:"useModal,omitempty"`
	IsModalOpen               *bool        `json:"isModalOpen,omitempty"`
	ShouldCloseOnOverlayClick *bool        `json:"shouldCloseOnOverlayClick,omitempty"`

	OnComplete          func()                  `json:"-"`
	OnError             func(events.ErrorEvent) `json:"-"`
	OnModalRequestClose func()                  `json:"-"`
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Merge overlays every field set in changed onto base.
func Merge(base, changed RawOptions) RawOptions {
	out := base.clone()
	if changed.Token != nil {
		out.Token = String(*changed.Token)
	}
	if changed.Steps != nil {
		out.Steps = slices.Clone(changed.Steps)
	}
	if changed.SMSNumberCountryCode != nil {
		out.SMSNumberCountryCode = String(*changed.SMSNumberCountryCode)
	}
	if changed.ContainerID != nil {
		out.ContainerID = String(*changed.ContainerID)
	}
	if changed.Language != nil {
		out.Language = String(*changed.Language)
	}
	if changed.URLs != nil {
		out.URLs = changed.URLs.Clone()
	}
	if changed.UserDetails != nil {
		details := *changed.UserDetails
		out.UserDetails = &details
	}
	if changed.UseModal != nil {
		out.UseModal = Bool(*changed.UseModal)
	}
	if changed.IsModalOpen != nil {
		out.IsModalOpen = Bool(*changed.IsModalOpen)
	}
	if changed.ShouldCloseOnOverlayClick != nil {
		out.ShouldCloseOnOverlayClick = Bool(*changed.ShouldCloseOnOverlayClick)
	}
	if changed.OnComplete != nil {
		out.OnComplete = changed.OnComplete
	}
	if changed.OnError != nil {
		out.OnError = changed.OnError
	}
	if changed.OnModalRequestClose != nil {
		out.OnModalRequestClose = changed.OnModalRequestClose
	}
	return out
}

func (r RawOptions) clone() RawOptions {
	out := r
	out.Steps = slices.Clone(r.Steps)
	out.URLs = r.URLs.Clone()
	if r.UserDetails != nil {
		details := *r.UserDetails
		out.UserDetails = &details
	}
	return out
}

// Configuration is the canonical, fully resolved option set. Fields are
// exported for reading; use Clone before handing one to code that may mutate
// its maps or slices.
type Configuration struct {
	Token                     string
	URLs                      URLMap
	ContainerID               string
	Steps                     []Step
	SMSNumberCountryCode      string
	Language                  string
	UserDetails               UserDetails
	UseModal                  bool
	IsModalOpen               bool
	ShouldCloseOnOverlayClick bool

	OnComplete          func()
	OnError             func(events.ErrorEvent)
	OnModalRequestClose func()

	raw RawOptions
}

// Clone returns a copy sharing no maps or slices with c.
func (c Configuration) Clone() Configuration {
	out := c
	out.URLs = c.URLs.Clone()
	if c.Steps != nil {
		out.Steps = make([]Step, len(c.Steps))
		for i, st := range c.Steps {
			out.Steps[i] = Step{Type: st.Type}
			if st.Options != nil {
				out.Steps[i].Options = cloneValue(st.Options).(map[string]any)
			}
		}
	}
	out.raw = c.raw.clone()
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = cloneValue(e)
		}
		return l
	default:
		return v
	}
}

// HasToken reports whether a token was supplied at all.
func (c Configuration) HasToken() bool { return c.Token != "" }

// Raw returns the merged caller options this configuration was built from.
func (c Configuration) Raw() RawOptions { return c.raw.clone() }

// DocumentStep returns the first document step, if any.
func (c Configuration) DocumentStep() (Step, bool) {
	for _, s := range c.Steps {
		if s.Type == StepDocument {
			return s, true
		}
	}
	return Step{}, false
}

// Warning is a non-fatal diagnostic raised while normalizing.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (w Warning) String() string { return w.Field + ": " + w.Message }
