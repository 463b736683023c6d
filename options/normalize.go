package options

import (
	"log/slog"
	"sort"
	"strings"

	validation "github.com/jellydator/validation"
	"github.com/jellydator/validation/is"

	"idvsdk/events"
	"idvsdk/token"
)

// Normalizer builds canonical configurations from raw options.
type Normalizer struct {
	defaults Defaults
	trust    *token.Trust
	logger   *slog.Logger
}

// NewNormalizer returns a Normalizer. A nil trust uses the wall clock.
func NewNormalizer(defaults Defaults, trust *token.Trust, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	if trust == nil {
		trust = token.NewTrust(logger, nil)
	}
	if defaults.URLs == nil {
		defaults.URLs = CompiledDefaults().URLs
	}
	if defaults.ContainerID == "" {
		defaults.ContainerID = DefaultContainerID
	}
	if defaults.Steps == nil {
		defaults.Steps = DefaultSteps
	}
	if defaults.SMSNumberCountryCode == "" {
		defaults.SMSNumberCountryCode = DefaultSMSNumberCountryCode
	}
	return &Normalizer{defaults: defaults, trust: trust, logger: logger}
}

// Defaults returns the normalizer's default values.
func (n *Normalizer) Defaults() Defaults { return n.defaults }

// Normalize resolves raw into a Configuration. It never fails: bad fields are
// replaced by safe values and reported as warnings. Token problems are
// reported only through onInvalid; a missing token is not a signal here.
func (n *Normalizer) Normalize(raw RawOptions, onInvalid func(error)) (Configuration, []Warning) {
	raw = raw.clone()
	var warnings []Warning

	cfg := Configuration{
		Token:       deref(raw.Token),
		ContainerID: n.defaults.ContainerID,
		Language:    deref(raw.Language),
		OnComplete:  func() {},
		OnError:     noopError,
		raw:         raw,
	}
	cfg.ContainerID = ResolveContainerID(raw.ContainerID, n.defaults.ContainerID)
	if raw.UserDetails != nil {
		cfg.UserDetails = *raw.UserDetails
	}
	cfg.UseModal = derefBool(raw.UseModal)
	cfg.IsModalOpen = derefBool(raw.IsModalOpen)
	cfg.ShouldCloseOnOverlayClick = derefBool(raw.ShouldCloseOnOverlayClick)
	if raw.OnComplete != nil {
		cfg.OnComplete = raw.OnComplete
	}
	if raw.OnError != nil {
		cfg.OnError = raw.OnError
	}
	cfg.OnModalRequestClose = raw.OnModalRequestClose

	urls, urlWarnings := n.resolveURLs(raw, onInvalid)
	cfg.URLs = urls
	warnings = append(warnings, urlWarnings...)

	steps, stepWarnings := formatSteps(raw.Steps, n.defaults.Steps)
	cfg.Steps = steps
	warnings = append(warnings, stepWarnings...)

	code, codeWarning := n.countryCode(raw.SMSNumberCountryCode)
	cfg.SMSNumberCountryCode = code
	if codeWarning != nil {
		warnings = append(warnings, *codeWarning)
	}

	warnings = append(warnings, experimentalWarnings(cfg.Steps)...)

	for _, w := range warnings {
		n.logger.Warn(w.Message, "field", w.Field)
	}
	return cfg, warnings
}

// resolveURLs merges defaults < caller overrides < token URLs.
func (n *Normalizer) resolveURLs(raw RawOptions, onInvalid func(error)) (URLMap, []Warning) {
	urls := n.defaults.URLs.Clone()
	var warnings []Warning

	keys := make([]string, 0, len(raw.URLs))
	for k := range raw.URLs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := raw.URLs[k]
		if err := validation.Validate(v, validation.Required, is.RequestURL); err != nil {
			warnings = append(warnings, Warning{
				Field:   "urls." + k,
				Message: "`urls." + k + "` must be an absolute URL and was ignored",
			})
			continue
		}
		urls[k] = v
	}

	tok := deref(raw.Token)
	if tok == "" {
		return urls, warnings
	}

	signal := func(err error) {
		if onInvalid != nil {
			onInvalid(err)
		}
	}
	decodeFailed := false
	tokenURLs := n.trust.ResolveURLs(tok, func(err error) {
		decodeFailed = true
		signal(err)
	})
	if decodeFailed {
		return urls, warnings
	}
	if err := n.trust.CheckExpiry(tok); err != nil {
		n.logger.Error("Invalid token", "error", err)
		signal(err)
		return urls, warnings
	}
	for k, v := range tokenURLs {
		if v == "" {
			continue
		}
		urls[k] = v
	}
	return urls, warnings
}

func (n *Normalizer) countryCode(input *string) (string, *Warning) {
	return ValidateCountryCode(deref(input), n.defaults.SMSNumberCountryCode)
}

// ValidateCountryCode uppercases code and checks it against ISO 3166-1
// alpha-2. Empty input silently yields fallback; invalid input yields
// fallback and a warning.
func ValidateCountryCode(code, fallback string) (string, *Warning) {
	code = strings.TrimSpace(code)
	if code == "" {
		return fallback, nil
	}
	upper := strings.ToUpper(code)
	if err := validation.Validate(upper, validation.Length(2, 2), is.CountryCode2); err != nil {
		return fallback, &Warning{
			Field:   "smsNumberCountryCode",
			Message: "`smsNumberCountryCode` must be a valid two-characters ISO Country Code. '" + fallback + "' will be used instead.",
		}
	}
	return upper, nil
}

// ResolveContainerID returns the trimmed container identifier, or fallback
// when id is unset or blank.
func ResolveContainerID(id *string, fallback string) string {
	if v := strings.TrimSpace(deref(id)); v != "" {
		return v
	}
	return fallback
}

func noopError(events.ErrorEvent) {}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	return b != nil && *b
}
