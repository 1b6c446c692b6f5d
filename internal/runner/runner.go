// Package runner executes a single audit against a target and reports a score,
// a summary, the provider's raw result and the issues it found.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"seopilot/internal/config"
	"seopilot/internal/domain"
)

type Target struct {
	URL    string
	Host   string
	PageID *string
}

type Result struct {
	Score     float64
	Summary   string
	RawResult domain.Document
	Issues    []domain.IssueDraft
}

// Runner executes one audit type. Implementations must honor ctx cancellation.
type Runner interface {
	Name() string
	Execute(ctx context.Context, target Target, auditType string) (Result, error)
}

type ErrorKind string

const (
	KindNetwork         ErrorKind = "network"
	KindTimeout         ErrorKind = "timeout"
	KindMalformedTarget ErrorKind = "malformed_target"
	KindBadResponse     ErrorKind = "bad_response"
	KindCanceled        ErrorKind = "canceled"
)

type Error struct {
	Kind   ErrorKind
	Runner string
	Err    error
}

func (e *Error) Error() string {
	if e.Runner == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s runner %s: %v", e.Runner, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(runner string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Runner: runner, Err: err}
}

// classify turns a transport error into a runner error, keeping deadline
// expiry distinct from other network failures.
func classify(runner string, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(runner, KindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(runner, KindCanceled, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return newError(runner, KindTimeout, err)
	}
	return newError(runner, KindNetwork, err)
}

// Execute runs rn and converts a panic inside it into a bad_response error,
// so callers always get a result or an error back.
func Execute(ctx context.Context, rn Runner, target Target, auditType string) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{}
			err = newError(rn.Name(), KindBadResponse, fmt.Errorf("runner panicked: %v", p))
		}
	}()
	return rn.Execute(ctx, target, auditType)
}

// ParseTarget validates rawURL as an absolute http(s) URL.
func ParseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

// Registry maps audit types to runners.
type Registry struct {
	runners map[string]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: map[string]Runner{}}
}

func (r *Registry) Register(auditType string, rn Runner) {
	r.runners[auditType] = rn
}

func (r *Registry) For(auditType string) (Runner, error) {
	if r == nil {
		return nil, fmt.Errorf("no runner registered for audit type %s", auditType)
	}
	rn, ok := r.runners[auditType]
	if !ok {
		return nil, fmt.Errorf("no runner registered for audit type %s", auditType)
	}
	return rn, nil
}

// Types lists the audit types with a registered runner.
func (r *Registry) Types() []string {
	var types []string
	for t := range r.runners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// FromConfig builds the registry from runner.adapters. Audit types without an
// adapter entry use the mock runner.
func FromConfig(cfg config.RunnerConfig, client *http.Client, log *zap.Logger) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	psi := &PageSpeedClient{
		BaseURL:  cfg.PageSpeed.BaseURL,
		Strategy: cfg.PageSpeed.Strategy,
		HTTP:     client,
	}
	if cfg.PageSpeed.APIKeyEnv != "" {
		psi.APIKey = os.Getenv(cfg.PageSpeed.APIKeyEnv)
	}
	reg := NewRegistry()
	for _, auditType := range []string{domain.AuditTypePageSpeed, domain.AuditTypeSEO, domain.AuditTypeLighthouse} {
		adapter := cfg.Adapters[auditType]
		var rn Runner
		switch adapter {
		case "pagespeed":
			rn = PageSpeedRunner{Client: psi}
		case "lighthouse":
			rn = LighthouseRunner{Client: psi}
		case "seo":
			rn = SEORunner{HTTP: client, UserAgent: cfg.SEO.UserAgent, MaxBodyBytes: cfg.SEO.MaxBodyBytes}
		default:
			rn = MockRunner{}
		}
		log.Debug("runner registered", zap.String("audit_type", auditType), zap.String("runner", rn.Name()))
		reg.Register(auditType, rn)
	}
	return reg
}
