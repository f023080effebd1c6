package config

// ConfigDiff describes what changed between two configs. Only fields that can
// be safely hot-reloaded are tracked; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TokensChanged is true when the static credential table differs.
	// Counts rather than values: tokens are secrets and must not reach
	// logs.
	TokensChanged bool
	TokensAdded   int
	TokensRemoved int
	TokensUpdated int
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldTokens := make(map[string]TokenConfig, len(old.Auth.Tokens))
	for _, t := range old.Auth.Tokens {
		oldTokens[t.Token] = t
	}
	newTokens := make(map[string]TokenConfig, len(new.Auth.Tokens))
	for _, t := range new.Auth.Tokens {
		newTokens[t.Token] = t
	}

	for tok, oldT := range oldTokens {
		newT, exists := newTokens[tok]
		if !exists {
			d.TokensRemoved++
			continue
		}
		if oldT != newT {
			d.TokensUpdated++
		}
	}
	for tok := range newTokens {
		if _, exists := oldTokens[tok]; !exists {
			d.TokensAdded++
		}
	}
	d.TokensChanged = d.TokensAdded+d.TokensRemoved+d.TokensUpdated > 0

	return d
}
