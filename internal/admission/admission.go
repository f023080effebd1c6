// Package admission authenticates inbound connections and authorizes
// call-monitoring requests.
//
// Every connection presents a bearer credential which resolves to a
// [Principal] before any subscription or publish request is honored. Only
// admin and team-lead roles may monitor calls; team leads are additionally
// scoped to their own team when call ownership metadata is available.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/earshot-live/earshot/internal/observe"
)

// Credential resolution and authorization failures. The transport layer maps
// these to refusals: no partial subscription state may exist afterwards.
var (
	// ErrNoCredential means the connection presented no bearer token.
	ErrNoCredential = errors.New("admission: no credential")

	// ErrUnknownCredential means the token resolved to no identity.
	ErrUnknownCredential = errors.New("admission: unknown credential")

	// ErrForbidden means the identity's role does not permit the request.
	ErrForbidden = errors.New("admission: forbidden")
)

// Role is a coarse permission class attached to an identity.
type Role string

const (
	// RoleAdmin may monitor any call.
	RoleAdmin Role = "admin"

	// RoleTeamLead may monitor calls, restricted to the lead's own team
	// when call ownership is known.
	RoleTeamLead Role = "team_lead"

	// RoleAgent identifies capture agents. Agents may connect and push
	// audio but never monitor.
	RoleAgent Role = "agent"
)

// CanMonitor reports whether the role is allowed to subscribe to call audio.
func (r Role) CanMonitor() bool {
	return r == RoleAdmin || r == RoleTeamLead
}

// Principal is a resolved identity.
type Principal struct {
	// Identity is the stable name of the credential holder.
	Identity string

	// Role classifies what the identity may do.
	Role Role

	// Team is the identity's team affiliation, empty when not recorded.
	Team string
}

// Resolver turns a bearer token into a [Principal]. Implementations return
// [ErrUnknownCredential] for tokens that resolve to nothing.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// TeamDirectory reports which team owns a call. An empty team means the call
// has no recorded ownership and team scoping does not apply.
type TeamDirectory interface {
	TeamFor(ctx context.Context, call string) (string, error)
}

// BearerToken extracts the credential from an HTTP request: the standard
// Authorization header, with an access_token query parameter as fallback
// since browser WebSocket clients cannot set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// Gate combines a [Resolver] with an optional [TeamDirectory] into the two
// admission decisions the server makes: admit a connection, and authorize a
// call-monitoring request.
//
// All methods are safe for concurrent use.
type Gate struct {
	resolver Resolver
	teams    TeamDirectory
	log      *slog.Logger
	metrics  *observe.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

// WithTeamDirectory enables team scoping for team leads.
func WithTeamDirectory(d TeamDirectory) Option {
	return func(g *Gate) { g.teams = d }
}

// WithLogger sets the logger. Defaults to slog.Default with a component attr.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a Gate around resolver.
func NewGate(resolver Resolver, opts ...Option) *Gate {
	g := &Gate{resolver: resolver}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = slog.With("component", "admission")
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Admit resolves the connection credential. It runs before any handler logic:
// a connection refused here has created no state.
func (g *Gate) Admit(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		g.metrics.RecordAdmissionRefusal(ctx, "no_credential")
		return Principal{}, ErrNoCredential
	}

	p, err := g.resolver.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnknownCredential) {
			g.metrics.RecordAdmissionRefusal(ctx, "unknown_credential")
			return Principal{}, err
		}
		return Principal{}, fmt.Errorf("admission: resolve credential: %w", err)
	}

	g.log.Debug("connection admitted", "identity", p.Identity, "role", string(p.Role))
	return p, nil
}

// CanMonitor authorizes a call-monitoring subscription for p. Roles outside
// {admin, team_lead} are refused. A team lead is refused when the call is
// known to belong to a different team; when either side's team is unknown,
// the role check alone governs.
func (g *Gate) CanMonitor(ctx context.Context, p Principal, call string) error {
	if !p.Role.CanMonitor() {
		g.metrics.RecordAdmissionRefusal(ctx, "forbidden_role")
		g.log.Info("monitoring refused",
			"identity", p.Identity,
			"role", string(p.Role),
			"call", call,
		)
		return fmt.Errorf("%w: role %q may not monitor calls", ErrForbidden, p.Role)
	}

	if p.Role == RoleTeamLead && p.Team != "" && g.teams != nil && call != "" {
		team, err := g.teams.TeamFor(ctx, call)
		if err != nil {
			// Ownership lookup failure falls back to the role check; a
			// degraded directory must not lock leads out of monitoring.
			g.log.Warn("call team lookup failed, admitting on role alone",
				"call", call,
				"error", err,
			)
			return nil
		}
		if team != "" && team != p.Team {
			g.metrics.RecordAdmissionRefusal(ctx, "team_mismatch")
			g.log.Info("monitoring refused",
				"identity", p.Identity,
				"team", p.Team,
				"call", call,
				"call_team", team,
			)
			return fmt.Errorf("%w: call belongs to team %q", ErrForbidden, team)
		}
	}

	return nil
}
