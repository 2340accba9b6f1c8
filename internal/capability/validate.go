package capability

import "github.com/go-playground/validator/v10"

// validate is a single package-level validator instance; per the
// go-playground/validator docs (and lookatitude-beluga-ai's own usage),
// validator.Validate caches struct metadata and is safe for concurrent use,
// so it should be constructed once, not per call.
var validate = validator.New()

// ValidateSTTConfig applies the struct-tag validation rules declared on
// STTConfig and returns a *gwerr-compatible error via the caller's own
// wrapping (kept decoupled from gwerr here to avoid an import cycle; callers
// wrap with gwerr.New(op, gwerr.Config, err)).
func ValidateSTTConfig(cfg STTConfig) error {
	return validate.Struct(cfg)
}

// ValidateTTSConfig applies the struct-tag validation rules declared on
// TTSConfig.
func ValidateTTSConfig(cfg TTSConfig) error {
	return validate.Struct(cfg)
}

// ValidateRealtimeConfig applies the struct-tag validation rules declared on
// RealtimeConfig.
func ValidateRealtimeConfig(cfg RealtimeConfig) error {
	return validate.Struct(cfg)
}

// ValidateAgainstDescriptor enforces open question #4: every field in
// requested that the descriptor does not advertise support for makes the
// config invalid, rather than being silently ignored by the adapter.
func ValidateAgainstDescriptor(d *Descriptor, requested map[string]struct{}) []string {
	var unsupported []string
	for feature := range requested {
		if !d.SupportsFeature(feature) {
			unsupported = append(unsupported, feature)
		}
	}
	return unsupported
}
