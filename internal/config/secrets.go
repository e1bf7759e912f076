package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	redact(&out.Relayer.ApiKey)
	redact(&out.Relayer.ApiSecret)
	redact(&out.Relayer.ApiPassphrase)

	redact(&out.Discovery.ApiKey)

	redact(&out.Supabase.DSN)
	redact(&out.Supabase.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.ApiKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Chain.Roles = append([]RoleConfig(nil), cfg.Chain.Roles...)
	if cfg.Chain.Facets != nil {
		out.Chain.Facets = make([]FacetConfig, len(cfg.Chain.Facets))
		for i, f := range cfg.Chain.Facets {
			f.Signatures = append([]string(nil), f.Signatures...)
			out.Chain.Facets[i] = f
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
