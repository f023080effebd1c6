package config_test

import (
	"testing"

	"github.com/earshot-live/earshot/internal/admission"
	"github.com/earshot-live/earshot/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Auth: config.AuthConfig{
			Mode: config.AuthStatic,
			Tokens: []config.TokenConfig{
				{Token: "tok-1", Identity: "ada", Role: admission.RoleAdmin},
			},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.TokensChanged {
		t.Error("expected TokensChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_TokenAdded(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Auth: config.AuthConfig{Tokens: []config.TokenConfig{
			{Token: "tok-1", Identity: "ada", Role: admission.RoleAdmin},
		}},
	}
	new := &config.Config{
		Auth: config.AuthConfig{Tokens: []config.TokenConfig{
			{Token: "tok-1", Identity: "ada", Role: admission.RoleAdmin},
			{Token: "tok-2", Identity: "lena", Role: admission.RoleTeamLead, Team: "alpha"},
		}},
	}

	d := config.Diff(old, new)
	if !d.TokensChanged {
		t.Error("expected TokensChanged=true")
	}
	if d.TokensAdded != 1 {
		t.Errorf("TokensAdded: got %d, want 1", d.TokensAdded)
	}
	if d.TokensRemoved != 0 || d.TokensUpdated != 0 {
		t.Errorf("got removed=%d updated=%d, want 0/0", d.TokensRemoved, d.TokensUpdated)
	}
}

func TestDiff_TokenRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Auth: config.AuthConfig{Tokens: []config.TokenConfig{
			{Token: "tok-1", Identity: "ada", Role: admission.RoleAdmin},
			{Token: "tok-2", Identity: "lena", Role: admission.RoleTeamLead},
		}},
	}
	new := &config.Config{
		Auth: config.AuthConfig{Tokens: []config.TokenConfig{
			{Token: "tok-1", Identity: "ada", Role: admission.RoleAdmin},
		}},
	}

	d := config.Diff(old, new)
	if !d.TokensChanged {
		t.Error("expected TokensChanged=true")
	}
	if d.TokensRemoved != 1 {
		t.Errorf("TokensRemoved: got %d, want 1", d.TokensRemoved)
	}
}

func TestDiff_TokenUpdated(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Auth: config.AuthConfig{Tokens: []config.TokenConfig{
			{Token: "tok-2", Identity: "lena", Role: admission.RoleTeamLead, Team: "alpha"},
		}},
	}
	new := &config.Config{
		Auth: config.AuthConfig{Tokens: []config.TokenConfig{
			{Token: "tok-2", Identity: "lena", Role: admission.RoleTeamLead, Team: "beta"},
		}},
	}

	d := config.Diff(old, new)
	if !d.TokensChanged {
		t.Error("expected TokensChanged=true")
	}
	if d.TokensUpdated != 1 {
		t.Errorf("TokensUpdated: got %d, want 1", d.TokensUpdated)
	}
	if d.TokensAdded != 0 || d.TokensRemoved != 0 {
		t.Errorf("got added=%d removed=%d, want 0/0", d.TokensAdded, d.TokensRemoved)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Auth: config.AuthConfig{Tokens: []config.TokenConfig{
			{Token: "tok-1", Identity: "ada", Role: admission.RoleAdmin},
			{Token: "tok-2", Identity: "lena", Role: admission.RoleTeamLead, Team: "alpha"},
		}},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Auth: config.AuthConfig{Tokens: []config.TokenConfig{
			{Token: "tok-2", Identity: "lena", Role: admission.RoleTeamLead, Team: "beta"},
			{Token: "tok-3", Identity: "desk-7", Role: admission.RoleAgent},
		}},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.TokensAdded != 1 {
		t.Errorf("TokensAdded: got %d, want 1", d.TokensAdded)
	}
	if d.TokensRemoved != 1 {
		t.Errorf("TokensRemoved: got %d, want 1", d.TokensRemoved)
	}
	if d.TokensUpdated != 1 {
		t.Errorf("TokensUpdated: got %d, want 1", d.TokensUpdated)
	}
}
