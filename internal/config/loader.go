package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/earshot-live/earshot/internal/admission"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Unknown keys are rejected so typos surface at startup
// instead of silently keeping a default. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_grace %v is negative", cfg.Server.ShutdownGrace))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Auth
	if !cfg.Auth.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("auth.mode %q is invalid; valid values: static, postgres", cfg.Auth.Mode))
	}
	if cfg.Auth.Mode == AuthPostgres && cfg.Auth.PostgresDSN == "" {
		errs = append(errs, errors.New("auth.postgres_dsn is required when auth.mode is postgres"))
	}
	if cfg.Auth.Mode == AuthStatic && len(cfg.Auth.Tokens) == 0 {
		slog.Warn("auth.tokens is empty; every connection will be refused")
	}

	tokensSeen := make(map[string]int, len(cfg.Auth.Tokens))
	for i, t := range cfg.Auth.Tokens {
		prefix := fmt.Sprintf("auth.tokens[%d]", i)
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required", prefix))
		} else {
			if prev, ok := tokensSeen[t.Token]; ok {
				errs = append(errs, fmt.Errorf("%s.token is a duplicate of auth.tokens[%d]", prefix, prev))
			}
			tokensSeen[t.Token] = i
		}
		if t.Identity == "" {
			errs = append(errs, fmt.Errorf("%s.identity is required", prefix))
		}
		switch t.Role {
		case admission.RoleAdmin, admission.RoleTeamLead, admission.RoleAgent:
		default:
			errs = append(errs, fmt.Errorf("%s.role %q is invalid; valid values: admin, team_lead, agent", prefix, t.Role))
		}
	}

	// Ingest
	if cfg.Ingest.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("ingest.max_sessions %d is negative", cfg.Ingest.MaxSessions))
	}
	if cfg.Ingest.SessionIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("ingest.session_idle_timeout %v is negative", cfg.Ingest.SessionIdleTimeout))
	}
	if cfg.Ingest.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("ingest.max_message_bytes %d is negative", cfg.Ingest.MaxMessageBytes))
	}

	// Broadcast
	if cfg.Broadcast.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("broadcast.subscriber_buffer %d must be positive", cfg.Broadcast.SubscriberBuffer))
	}

	return errors.Join(errs...)
}
