package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Auth.JWTSecret)
	out.Auth.APIKeys = make([]APIKeyConfig, len(cfg.Auth.APIKeys))
	for i, k := range cfg.Auth.APIKeys {
		redact(&k.Key)
		out.Auth.APIKeys[i] = k
	}

	redact(&out.Redis.Password)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Mandates = append([]MandateSeed(nil), cfg.Mandates...)
	out.Strategies = append([]StrategySeed(nil), cfg.Strategies...)
	out.Prices = maps.Clone(cfg.Prices)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
