package engine

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"seopilot/internal/aigen"
	"seopilot/internal/config"
	"seopilot/internal/domain"
	"seopilot/internal/engine/auth"
	"seopilot/internal/events"
	"seopilot/internal/quota"
	"seopilot/internal/repo"
	"seopilot/internal/runner"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Quota   quota.Gate
	Runners *runner.Registry
	AI      aigen.Generator
	Auth    auth.Service
	Log     *zap.Logger
	Now     func() time.Time
}

// New wires an engine with the collaborators described by cfg. Callers may
// replace Runners, AI or Quota afterwards.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{},
		Config:  cfg,
		Quota:   quota.SQLGate{Repo: r, Config: cfg},
		Runners: runner.FromConfig(cfg.Runner, nil, nil),
		AI:      aigen.FromConfig(cfg.AI, nil),
		Auth:    auth.Service{Repo: r},
		Log:     zap.NewNop(),
		Now:     time.Now,
	}
}

// WithLogger returns a copy of e logging to log, sharing it with the quota gate
// when that gate is the built-in SQL one.
func (e Engine) WithLogger(log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e.Log = log
	if g, ok := e.Quota.(quota.SQLGate); ok {
		g.Log = log.Named("quota")
		e.Quota = g
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return domain.Stamp(e.now())
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// inTx runs fn in a write transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// normalizeURL parses a page address, defaulting the scheme to https and
// dropping the fragment.
func normalizeURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, invalidInput("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, invalidInput("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, invalidInput("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, invalidInput("url %q has no host", raw)
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
