// Package venue decides where hedges execute: the regulated venue or the
// on-chain perpetuals protocol.
package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hedgeflow/config"
	"hedgeflow/internal/execution"
	"hedgeflow/logger"
)

type Venue string

const (
	Coinbase Venue = "coinbase"
	Onchain  Venue = "onchain"
)

type Geography string

const (
	GeoUS      Geography = "US"
	GeoEU      Geography = "EU"
	GeoAsia    Geography = "ASIA"
	GeoUnknown Geography = "UNKNOWN"
)

// ParseGeography is case-insensitive; anything unrecognised is GeoUnknown.
func ParseGeography(s string) Geography {
	switch g := Geography(strings.ToUpper(strings.TrimSpace(s))); g {
	case GeoUS, GeoEU, GeoAsia:
		return g
	default:
		return GeoUnknown
	}
}

type Preference string

const (
	PreferAuto       Preference = ""
	PreferCoinbase   Preference = "COINBASE_ONLY"
	PreferOnchain    Preference = "ONCHAIN_ONLY"
	PreferGeographic Preference = "GEOGRAPHIC"
)

var (
	ErrVenueNotConfigured = errors.New("venue not configured")
	ErrUnknownPreference  = errors.New("unknown venue preference")
)

// ConfigError reports a venue that was selected but cannot be used.
type ConfigError struct {
	Venue  Venue
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("venue %s: %s: %v", e.Venue, e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func ParsePreference(s string) (Preference, error) {
	p := Preference(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PreferAuto, PreferCoinbase, PreferOnchain, PreferGeographic:
		return p, nil
	default:
		return "", fmt.Errorf("%q: %w", s, ErrUnknownPreference)
	}
}

type Router struct {
	credentials bool
	geography   Geography
	preference  string
	executors   map[Venue]execution.PerpExecutor
	log         *logger.Log
}

type Option func(*Router)

// WithExecutor registers the perp collaborator used for v.
func WithExecutor(v Venue, exec execution.PerpExecutor) Option {
	return func(r *Router) {
		if exec != nil {
			r.executors[v] = exec
		}
	}
}

func WithLogger(log *logger.Log) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRouter(cfg config.VenueConfig, opts ...Option) *Router {
	r := &Router{
		credentials: cfg.Coinbase.Configured(),
		geography:   ParseGeography(cfg.Geography),
		preference:  cfg.Preference,
		executors:   make(map[Venue]execution.PerpExecutor),
		log:         logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve applies the routing table. Explicit venue preferences bypass
// geography; only the US routes to the regulated venue by default.
func (r *Router) Resolve(geo Geography, pref Preference) (Venue, error) {
	var v Venue
	switch pref {
	case PreferCoinbase:
		v = Coinbase
	case PreferOnchain:
		v = Onchain
	case PreferAuto, PreferGeographic:
		switch {
		case geo == GeoUS && r.credentials:
			v = Coinbase
		case geo == GeoUS, geo == GeoEU, geo == GeoAsia:
			v = Onchain
		case pref == PreferGeographic && r.credentials:
			v = Coinbase
		default:
			v = Onchain
		}
	default:
		return "", fmt.Errorf("%q: %w", pref, ErrUnknownPreference)
	}

	if v == Coinbase && !r.credentials {
		return "", &ConfigError{Venue: Coinbase, Reason: "API credentials missing", Err: ErrVenueNotConfigured}
	}
	return v, nil
}

// Executor resolves the venue and returns its registered perp collaborator.
func (r *Router) Executor(ctx context.Context, geo Geography, pref Preference) (execution.PerpExecutor, Venue, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	v, err := r.Resolve(geo, pref)
	if err != nil {
		return nil, "", err
	}
	exec, ok := r.executors[v]
	if !ok {
		return nil, "", &ConfigError{Venue: v, Reason: "no perp executor registered", Err: ErrVenueNotConfigured}
	}
	r.log.WithComponent("venue_router").WithFields(logger.Fields{
		"venue":      string(v),
		"geography":  string(geo),
		"preference": string(pref),
	}).Debug("venue resolved")
	return exec, v, nil
}

// ResolveProvider resolves with the configured geography and preference.
func (r *Router) ResolveProvider(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pref, err := ParsePreference(r.preference)
	if err != nil {
		return "", &ConfigError{Venue: "", Reason: "invalid preference", Err: err}
	}
	v, err := r.Resolve(r.geography, pref)
	return string(v), err
}

// DefaultExecutor is Executor with the configured geography and preference.
func (r *Router) DefaultExecutor(ctx context.Context) (execution.PerpExecutor, Venue, error) {
	pref, err := ParsePreference(r.preference)
	if err != nil {
		return nil, "", &ConfigError{Venue: "", Reason: "invalid preference", Err: err}
	}
	return r.Executor(ctx, r.geography, pref)
}
