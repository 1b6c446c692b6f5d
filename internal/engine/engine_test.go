package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"seopilot/internal/aigen"
	"seopilot/internal/config"
	"seopilot/internal/db"
	"seopilot/internal/domain"
	"seopilot/internal/engine"
	"seopilot/internal/migrate"
	"seopilot/internal/quota"
	"seopilot/internal/repo"
	"seopilot/internal/runner"
)

type stubRunner struct {
	result runner.Result
	err    error
	// block until ctx is done instead of returning
	block bool
	delay time.Duration
	calls *int32
}

func (s stubRunner) Name() string { return "stub" }

func (s stubRunner) Execute(ctx context.Context, target runner.Target, auditType string) (runner.Result, error) {
	if s.calls != nil {
		atomic.AddInt32(s.calls, 1)
	}
	if s.block {
		<-ctx.Done()
		return runner.Result{}, &runner.Error{Kind: runner.KindTimeout, Runner: "stub", Err: ctx.Err()}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return runner.Result{}, s.err
	}
	return s.result, nil
}

type stubAI struct {
	out aigen.Output
	err error
}

func (s stubAI) Generate(ctx context.Context, provider string, pc aigen.PromptContext) (aigen.Output, error) {
	return s.out, s.err
}

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Project domain.Project
	Page    domain.Page
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Plans["tiny"] = config.Plan{AutomationRunsPerMonth: 2}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC) }
	eng.Quota = quota.SQLGate{Repo: eng.Repo, Config: cfg, Now: eng.Now}
	eng.Runners = runner.NewRegistry()
	eng.AI = stubAI{out: aigen.Output{Text: "Defer the script.", Model: "stub-model"}}
	ctx := context.Background()
	p, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{TenantID: "tenant-1", Name: "Shop", Domain: "shop.example", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	page, err := eng.AddPage(ctx, p.ID, "shop.example/pricing#plans", "Pricing", "tester")
	if err != nil {
		t.Fatalf("add page: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Project: p, Page: page}
}

func twoDrafts() []domain.IssueDraft {
	metric, limit := 3100.0, 2500.0
	return []domain.IssueDraft{
		{Code: "render-blocking-js", Severity: "medium", Category: "performance", Description: "Scripts block render."},
		{Code: "largest-contentful-paint", Severity: "low", Category: "performance", Description: "LCP is slow.", MetricValue: &metric, Threshold: &limit},
	}
}

func (env testEnv) useRunner(auditType string, rn runner.Runner) {
	env.Engine.Runners.Register(auditType, rn)
}

func (env testEnv) createAudit(t *testing.T, auditType string) domain.Audit {
	t.Helper()
	a, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{ProjectID: env.Project.ID, Type: auditType, PageID: env.Page.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create audit: %v", err)
	}
	return a
}

func TestAuditCompletesWithIssues(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("seo", stubRunner{result: runner.Result{Score: 82, Summary: "two findings", RawResult: domain.Document{"k": "v"}, Issues: twoDrafts()}})

	a := env.createAudit(t, "seo")
	if a.Status != domain.AuditStatusPending || a.Trigger != domain.TriggerManual {
		t.Fatalf("expected pending manual audit, got %s/%s", a.Status, a.Trigger)
	}
	a, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if a.Status != domain.AuditStatusCompleted || a.Score == nil || *a.Score != 82 || a.CompletedAt == nil || a.Error != nil {
		t.Fatalf("unexpected audit %+v", a)
	}
	if a.Runner != "stub" || a.StartedAt == nil || a.RawResult["k"] != "v" {
		t.Fatalf("runner details not recorded: %+v", a)
	}
	issues, err := env.Engine.ListIssues(env.Ctx, a.ID, engine.IssueListOptions{})
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(issues))
	}
	for _, is := range issues {
		if is.Status != domain.IssueStatusOpen {
			t.Fatalf("expected open issue, got %s", is.Status)
		}
	}
	// medium sorts before low
	if issues[0].Code != "render-blocking-js" {
		t.Fatalf("unexpected order: %s", issues[0].Code)
	}

	if _, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state on rerun, got %v", err)
	}
}

func TestReingestUpdatesWithoutDuplicating(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("seo", stubRunner{result: runner.Result{Score: 82, Issues: twoDrafts()}})
	a := env.createAudit(t, "seo")
	if _, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("run: %v", err)
	}
	before, err := env.Engine.Repo.GetIssueByCode(env.Ctx, nil, a.ID, "render-blocking-js")
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := env.Engine.SetIssueStatus(env.Ctx, before.ID, domain.IssueStatusResolved, "tester")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	issues, err := env.Engine.Ingest(env.Ctx, a.ID, []domain.IssueDraft{
		{Code: "render-blocking-js", Severity: "high", Category: "performance", Description: "Scripts still block render."},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != before.ID {
		t.Fatalf("expected the existing issue to be updated, got %+v", issues)
	}
	got := issues[0]
	if got.Severity != "high" || got.Description != "Scripts still block render." {
		t.Fatalf("detection fields not refreshed: %+v", got)
	}
	if got.Status != domain.IssueStatusResolved || got.ResolvedAt == nil || *got.ResolvedAt != *resolved.ResolvedAt {
		t.Fatalf("resolution not preserved: %+v", got)
	}
	all, err := env.Engine.ListIssues(env.Ctx, a.ID, engine.IssueListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(all))
	}
}

func TestIngestCollapsesDuplicateCodesAndValidates(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAudit(t, "seo")
	issues, err := env.Engine.Ingest(env.Ctx, a.ID, []domain.IssueDraft{
		{Code: "missing-h1", Severity: "low", Category: "seo", Description: "first"},
		{Code: "missing-h1", Severity: "medium", Category: "seo", Description: "second"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(issues) != 1 || issues[0].Description != "second" || issues[0].Severity != "medium" {
		t.Fatalf("expected last duplicate to win, got %+v", issues)
	}
	if _, err := env.Engine.Ingest(env.Ctx, a.ID, []domain.IssueDraft{{Code: "x", Severity: "urgent", Category: "seo"}}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for severity, got %v", err)
	}
	if _, err := env.Engine.Ingest(env.Ctx, a.ID, []domain.IssueDraft{{Code: "x", Severity: "low", Category: "marketing"}}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for category, got %v", err)
	}
	if _, err := env.Engine.Ingest(env.Ctx, "missing", nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentRunClaimsOnce(t *testing.T) {
	env := newTestEnv(t)
	var calls int32
	env.useRunner("seo", stubRunner{result: runner.Result{Score: 70, Issues: twoDrafts()}, delay: 100 * time.Millisecond, calls: &calls})
	a := env.createAudit(t, "seo")

	var ok, conflicts int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			got, err := env.Engine.RunAudit(env.Ctx, a.ID, "worker")
			switch {
			case err == nil && got.Status == domain.AuditStatusCompleted:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, engine.ErrInvalidState):
				atomic.AddInt32(&conflicts, 1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one run and one conflict, got %d/%d", ok, conflicts)
	}
	if calls != 1 {
		t.Fatalf("runner executed %d times", calls)
	}
	issues, err := env.Engine.ListIssues(env.Ctx, a.ID, engine.IssueListOptions{})
	if err != nil || len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d (%v)", len(issues), err)
	}
}

func TestQuotaExhaustedCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{TenantID: "tenant-tiny", Name: "Tiny", Domain: "tiny.example", Plan: "tiny"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{ProjectID: p.ID, Type: "seo"}); err != nil {
			t.Fatalf("audit %d: %v", i, err)
		}
	}
	_, err = env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{ProjectID: p.ID, Type: "seo"})
	if !errors.Is(err, engine.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
	var qe *engine.QuotaExceededError
	if !errors.As(err, &qe) || qe.Decision.Reason == "" || qe.Decision.Limit != 2 {
		t.Fatalf("expected decision with reason, got %+v", qe)
	}
	audits, err := env.Engine.ListAudits(env.Ctx, p.ID, engine.AuditListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 2 {
		t.Fatalf("expected 2 audits, got %d", len(audits))
	}
	usage, err := env.Engine.QuotaUsage(env.Ctx, p.ID)
	if err != nil || usage.Used != 2 || usage.Allowed {
		t.Fatalf("unexpected usage %+v (%v)", usage, err)
	}
}

// cancelAfterReserve cancels the request context right after a successful
// reservation so the audit insert cannot start.
type cancelAfterReserve struct {
	quota.Gate
	cancel context.CancelFunc
}

func (c cancelAfterReserve) CheckAndReserve(ctx context.Context, tenantID, resource string) (quota.Decision, error) {
	d, err := c.Gate.CheckAndReserve(ctx, tenantID, resource)
	c.cancel()
	return d, err
}

func TestQuotaReleasedWhenInsertFails(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	eng := env.Engine
	eng.Quota = cancelAfterReserve{Gate: env.Engine.Quota, cancel: cancel}
	if _, err := eng.CreateAudit(ctx, engine.AuditCreateOptions{ProjectID: env.Project.ID, Type: "seo"}); err == nil {
		t.Fatalf("expected create to fail")
	}
	usage, err := env.Engine.QuotaUsage(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if usage.Used != 0 {
		t.Fatalf("expected reservation released, used=%d", usage.Used)
	}
}

func TestGenerationFailureLeavesIssueUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("seo", stubRunner{result: runner.Result{Score: 82, Issues: twoDrafts()}})
	a := env.createAudit(t, "seo")
	if _, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	is, err := env.Engine.Repo.GetIssueByCode(env.Ctx, nil, a.ID, "render-blocking-js")
	if err != nil {
		t.Fatal(err)
	}

	eng := env.Engine
	eng.AI = stubAI{err: errors.New("upstream 500")}
	if _, err := eng.GenerateAiFix(env.Ctx, is.ID, "gemini", "tester"); !errors.Is(err, engine.ErrGenerationFailed) {
		t.Fatalf("expected generation failed, got %v", err)
	}
	eng.AI = stubAI{out: aigen.Output{Text: "   "}}
	if _, err := eng.GenerateAiFix(env.Ctx, is.ID, "gpt", "tester"); !errors.Is(err, engine.ErrGenerationFailed) {
		t.Fatalf("expected generation failed on empty content, got %v", err)
	}
	issues, err := env.Engine.ListIssues(env.Ctx, a.ID, engine.IssueListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range issues {
		if got.FixCount != 0 || got.Status != domain.IssueStatusOpen {
			t.Fatalf("issue changed after failed generation: %+v", got)
		}
	}
	got, err := env.Engine.GetAudit(env.Ctx, a.ID)
	if err != nil || got.Status != domain.AuditStatusCompleted {
		t.Fatalf("audit changed: %+v (%v)", got, err)
	}
}

func TestGenerateAiFixPersistsContent(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAudit(t, "seo")
	issues, err := env.Engine.Ingest(env.Ctx, a.ID, twoDrafts())
	if err != nil {
		t.Fatal(err)
	}
	f, err := env.Engine.GenerateAiFix(env.Ctx, issues[0].ID, "groq", "tester")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if f.Provider != "groq" || f.CreatedByID != nil {
		t.Fatalf("unexpected fix %+v", f)
	}
	if f.Content["text"] != "Defer the script." || f.Content["model"] != "stub-model" || f.Content["prompt_version"] != aigen.PromptVersion {
		t.Fatalf("unexpected content %+v", f.Content)
	}
	if _, err := env.Engine.GenerateAiFix(env.Ctx, issues[0].ID, "manual", "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid provider, got %v", err)
	}
}

func TestRunnerFailureMarksAuditFailed(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("pagespeed", stubRunner{err: &runner.Error{Kind: runner.KindNetwork, Runner: "stub", Err: errors.New("connection refused")}})
	a := env.createAudit(t, "pagespeed")
	got, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("runner failures must not surface: %v", err)
	}
	if got.Status != domain.AuditStatusFailed || got.Error == nil || !strings.Contains(*got.Error, "connection refused") {
		t.Fatalf("unexpected audit %+v", got)
	}
	if got.Score != nil || got.CompletedAt != nil {
		t.Fatalf("failed audit carries completion data: %+v", got)
	}
	if _, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestRunnerTimeoutMarksAuditFailed(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Runner.TimeoutSeconds = 1
	env.useRunner("lighthouse", stubRunner{block: true})
	a := env.createAudit(t, "lighthouse")
	got, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != domain.AuditStatusFailed || got.Error == nil || !strings.Contains(*got.Error, "timeout") {
		t.Fatalf("expected timeout failure, got %+v", got)
	}
}

type panicRunner struct{}

func (panicRunner) Name() string { return "panicky" }

func (panicRunner) Execute(ctx context.Context, target runner.Target, auditType string) (runner.Result, error) {
	var raw domain.Document
	raw["score"] = 1
	return runner.Result{RawResult: raw}, nil
}

func TestRunnerPanicFailsAudit(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("seo", panicRunner{})
	a := env.createAudit(t, "seo")
	got, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != domain.AuditStatusFailed || got.Error == nil || !strings.Contains(*got.Error, "panicked") {
		t.Fatalf("expected failed audit after panic, got %+v", got)
	}
	if err := env.Engine.DeleteAudit(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("failed audit must be deletable: %v", err)
	}
}

func TestCallerDeadlineIsNotRunnerTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("lighthouse", stubRunner{block: true})
	a := env.createAudit(t, "lighthouse")
	ctx, cancel := context.WithTimeout(env.Ctx, 100*time.Millisecond)
	defer cancel()
	got, err := env.Engine.RunAudit(ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != domain.AuditStatusFailed || got.Error == nil {
		t.Fatalf("expected failed audit, got %+v", got)
	}
	if !strings.Contains(*got.Error, "caller deadline") || strings.Contains(*got.Error, "timeout after") {
		t.Fatalf("unexpected error text %q", *got.Error)
	}
}

func TestCallerCancelIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("lighthouse", stubRunner{block: true})
	a := env.createAudit(t, "lighthouse")
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)
	got, err := env.Engine.RunAudit(ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != domain.AuditStatusFailed || got.Error == nil || !strings.Contains(*got.Error, "caller canceled") {
		t.Fatalf("expected cancel to be recorded, got %+v", got)
	}
}

func TestInvalidRunnerResultFailsAudit(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("seo", stubRunner{result: runner.Result{Score: 90, Issues: []domain.IssueDraft{{Code: "", Severity: "low", Category: "seo"}}}})
	a := env.createAudit(t, "seo")
	got, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.Status != domain.AuditStatusFailed || got.Error == nil || !strings.Contains(*got.Error, "code is required") {
		t.Fatalf("expected invalid result failure, got %+v", got)
	}
	issues, _ := env.Engine.ListIssues(env.Ctx, a.ID, engine.IssueListOptions{})
	if len(issues) != 0 {
		t.Fatalf("partial ingestion: %d issues", len(issues))
	}
}

func TestScoreIsClamped(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("seo", stubRunner{result: runner.Result{Score: 130.4}})
	a := env.createAudit(t, "seo")
	got, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester")
	if err != nil || got.Score == nil || *got.Score != 100 {
		t.Fatalf("expected clamped score, got %+v (%v)", got, err)
	}
}

func TestQueuedAuditRuns(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("seo", stubRunner{result: runner.Result{Score: 60}})
	a := env.createAudit(t, "seo")
	q, err := env.Engine.QueueAudit(env.Ctx, a.ID, "job-42", "scheduler")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if q.Status != domain.AuditStatusQueued || q.JobID == nil || *q.JobID != "job-42" {
		t.Fatalf("unexpected queued audit %+v", q)
	}
	if _, err := env.Engine.QueueAudit(env.Ctx, a.ID, "job-43", "scheduler"); !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state on requeue, got %v", err)
	}
	got, err := env.Engine.RunAudit(env.Ctx, a.ID, "worker")
	if err != nil || got.Status != domain.AuditStatusCompleted {
		t.Fatalf("run queued: %+v (%v)", got, err)
	}
}

func TestIssueStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAudit(t, "seo")
	issues, err := env.Engine.Ingest(env.Ctx, a.ID, twoDrafts())
	if err != nil {
		t.Fatal(err)
	}
	id := issues[0].ID

	is, err := env.Engine.SetIssueStatus(env.Ctx, id, domain.IssueStatusInProgress, "tester")
	if err != nil || is.Status != domain.IssueStatusInProgress || is.ResolvedAt != nil {
		t.Fatalf("to in_progress: %+v (%v)", is, err)
	}
	is, err = env.Engine.SetIssueStatus(env.Ctx, id, domain.IssueStatusInProgress, "tester")
	if err != nil || is.Status != domain.IssueStatusInProgress {
		t.Fatalf("same status should be a no-op: %v", err)
	}
	is, err = env.Engine.SetIssueStatus(env.Ctx, id, domain.IssueStatusResolved, "tester")
	if err != nil || is.ResolvedAt == nil {
		t.Fatalf("to resolved: %+v (%v)", is, err)
	}
	if _, err := env.Engine.SetIssueStatus(env.Ctx, id, domain.IssueStatusOpen, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.SetIssueStatus(env.Ctx, id, "done", "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := env.Engine.SetIssueStatus(env.Ctx, "missing", domain.IssueStatusOpen, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	ignored, err := env.Engine.SetIssueStatus(env.Ctx, issues[1].ID, domain.IssueStatusIgnored, "tester")
	if err != nil || ignored.ResolvedAt != nil {
		t.Fatalf("to ignored: %+v (%v)", ignored, err)
	}
	if _, err := env.Engine.SetIssueStatus(env.Ctx, issues[1].ID, domain.IssueStatusInProgress, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ignored to be final, got %v", err)
	}
}

func TestCreateFixKeepsIssueState(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAudit(t, "seo")
	issues, err := env.Engine.Ingest(env.Ctx, a.ID, twoDrafts())
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := env.Engine.SetIssueStatus(env.Ctx, issues[0].ID, domain.IssueStatusResolved, "tester")
	if err != nil {
		t.Fatal(err)
	}
	author := "alice"
	first, err := env.Engine.CreateFix(env.Ctx, resolved.ID, "manual", domain.Document{"text": "Inline critical CSS."}, &author)
	if err != nil {
		t.Fatalf("create fix: %v", err)
	}
	if _, err := env.Engine.CreateFix(env.Ctx, resolved.ID, "mock", domain.Document{"text": "second attempt"}, nil); err != nil {
		t.Fatalf("second fix: %v", err)
	}
	after, err := env.Engine.GetIssue(env.Ctx, resolved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != domain.IssueStatusResolved || after.ResolvedAt == nil || *after.ResolvedAt != *resolved.ResolvedAt || after.FixCount != 2 {
		t.Fatalf("issue changed by fix: %+v", after)
	}
	fixes, err := env.Engine.ListFixes(env.Ctx, resolved.ID)
	if err != nil || len(fixes) != 2 || fixes[0].ID != first.ID {
		t.Fatalf("unexpected fixes %+v (%v)", fixes, err)
	}
	if _, err := env.Engine.CreateFix(env.Ctx, "missing", "manual", domain.Document{"text": "x"}, nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.CreateFix(env.Ctx, resolved.ID, "copilot", domain.Document{"text": "x"}, nil); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid provider, got %v", err)
	}
	if _, err := env.Engine.CreateFix(env.Ctx, resolved.ID, "manual", nil, nil); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected content required, got %v", err)
	}
}

func TestPagesAndAuditTargets(t *testing.T) {
	env := newTestEnv(t)
	if env.Page.URL != "https://shop.example/pricing" || env.Page.Host != "shop.example" {
		t.Fatalf("unexpected normalized page %+v", env.Page)
	}
	again, err := env.Engine.AddPage(env.Ctx, env.Project.ID, "https://shop.example/pricing", "Plans & pricing", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != env.Page.ID || again.Title != "Plans & pricing" {
		t.Fatalf("expected existing page with new title, got %+v", again)
	}
	if _, err := env.Engine.AddPage(env.Ctx, env.Project.ID, "ftp://shop.example/", "", "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid url, got %v", err)
	}
	if _, err := env.Engine.AddPage(env.Ctx, "missing", "https://x.example/", "", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected project not found, got %v", err)
	}

	var seen runner.Target
	env.useRunner("seo", targetRecorder{seen: &seen})
	a := env.createAudit(t, "seo")
	if _, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if seen.URL != env.Page.URL {
		t.Fatalf("runner got %s", seen.URL)
	}

	if err := env.Engine.DeletePage(env.Ctx, env.Page.ID, "tester"); err != nil {
		t.Fatalf("delete page: %v", err)
	}
	got, err := env.Engine.GetAudit(env.Ctx, a.ID)
	if err != nil || got.PageID != nil {
		t.Fatalf("expected page reference cleared: %+v (%v)", got, err)
	}
	if _, err := env.Engine.GetPage(env.Ctx, env.Page.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected deleted page hidden, got %v", err)
	}

	b, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{ProjectID: env.Project.ID, Type: "seo"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RunAudit(env.Ctx, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if seen.URL != "https://shop.example/" {
		t.Fatalf("expected project domain target, got %s", seen.URL)
	}
}

type targetRecorder struct {
	seen *runner.Target
}

func (r targetRecorder) Name() string { return "recorder" }

func (r targetRecorder) Execute(ctx context.Context, target runner.Target, auditType string) (runner.Result, error) {
	*r.seen = target
	return runner.Result{Score: 100}, nil
}

func TestCreateAuditValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{ProjectID: env.Project.ID, Type: "uptime"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid type, got %v", err)
	}
	if _, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{ProjectID: env.Project.ID, Type: "seo", Trigger: "cron"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid trigger, got %v", err)
	}
	if _, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{ProjectID: "missing", Type: "seo"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected project not found, got %v", err)
	}
	if _, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{ProjectID: env.Project.ID, Type: "seo", PageID: "missing"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected page not found, got %v", err)
	}
	usage, err := env.Engine.QuotaUsage(env.Ctx, env.Project.ID)
	if err != nil || usage.Used != 0 {
		t.Fatalf("rejected audits consumed quota: %+v (%v)", usage, err)
	}
	a, err := env.Engine.CreateAudit(env.Ctx, engine.AuditCreateOptions{ProjectID: env.Project.ID, Type: "lighthouse", Trigger: domain.TriggerAutoRegression})
	if err != nil || a.Trigger != domain.TriggerAutoRegression || a.PageID != nil {
		t.Fatalf("unexpected audit %+v (%v)", a, err)
	}
}

func TestListAuditsFiltersNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("seo", stubRunner{result: runner.Result{Score: 50}})
	first := env.createAudit(t, "seo")
	second := env.createAudit(t, "pagespeed")
	third := env.createAudit(t, "seo")
	if _, err := env.Engine.RunAudit(env.Ctx, third.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	all, err := env.Engine.ListAudits(env.Ctx, env.Project.ID, engine.AuditListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != third.ID || all[1].ID != second.ID || all[2].ID != first.ID {
		t.Fatalf("unexpected order %+v", all)
	}
	seo, _ := env.Engine.ListAudits(env.Ctx, env.Project.ID, engine.AuditListOptions{Type: "seo"})
	if len(seo) != 2 {
		t.Fatalf("expected 2 seo audits, got %d", len(seo))
	}
	done, _ := env.Engine.ListAudits(env.Ctx, env.Project.ID, engine.AuditListOptions{Status: domain.AuditStatusCompleted})
	if len(done) != 1 || done[0].ID != third.ID {
		t.Fatalf("unexpected completed audits %+v", done)
	}
	byPage, _ := env.Engine.ListAudits(env.Ctx, env.Project.ID, engine.AuditListOptions{PageID: env.Page.ID})
	if len(byPage) != 3 {
		t.Fatalf("expected 3 audits for page, got %d", len(byPage))
	}
}

func TestDeleteAuditCascades(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAudit(t, "seo")
	issues, err := env.Engine.Ingest(env.Ctx, a.ID, twoDrafts())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateFix(env.Ctx, issues[0].ID, "manual", domain.Document{"text": "x"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteAudit(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetAudit(env.Ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected audit hidden, got %v", err)
	}
	if _, err := env.Engine.GetIssue(env.Ctx, issues[0].ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected issue hidden, got %v", err)
	}
	if _, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected deleted audit not found, got %v", err)
	}
}

func TestAuditReportAndEvents(t *testing.T) {
	env := newTestEnv(t)
	env.useRunner("seo", stubRunner{result: runner.Result{Score: 82, Summary: "two findings", Issues: twoDrafts()}})
	a := env.createAudit(t, "seo")
	if _, err := env.Engine.RunAudit(env.Ctx, a.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	is, _ := env.Engine.Repo.GetIssueByCode(env.Ctx, nil, a.ID, "render-blocking-js")
	if _, err := env.Engine.GenerateAiFix(env.Ctx, is.ID, "gpt", "tester"); err != nil {
		t.Fatal(err)
	}
	r, err := env.Engine.AuditReport(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if r.Page == nil || r.Page.ID != env.Page.ID || len(r.Issues) != 2 {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.Issues[0].Issue.Code != "render-blocking-js" || len(r.Issues[0].Fixes) != 1 {
		t.Fatalf("fixes not attached: %+v", r.Issues[0])
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{ProjectID: env.Project.ID, Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, ev := range evts {
		types = append(types, ev.Type)
	}
	joined := strings.Join(types, ",")
	for _, want := range []string{"fix.created", "audit.completed", "issues.ingested", "audit.running", "audit.created", "page.added", "project.created"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing event %s in %s", want, joined)
		}
	}
}
