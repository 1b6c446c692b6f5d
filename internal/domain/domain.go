package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that lexical order matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Stamp formats t with TimeLayout in UTC.
func Stamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Document is a schema-less JSON object (runner raw results, fix content).
type Document map[string]any

const (
	AuditTypePageSpeed  = "pagespeed"
	AuditTypeSEO        = "seo"
	AuditTypeLighthouse = "lighthouse"
)

const (
	AuditStatusPending   = "pending"
	AuditStatusQueued    = "queued"
	AuditStatusRunning   = "running"
	AuditStatusCompleted = "completed"
	AuditStatusFailed    = "failed"
)

const (
	TriggerManual         = "manual"
	TriggerScheduled      = "scheduled"
	TriggerAutoRegression = "auto_regression"
)

const (
	IssueStatusOpen       = "open"
	IssueStatusInProgress = "in_progress"
	IssueStatusResolved   = "resolved"
	IssueStatusIgnored    = "ignored"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

const (
	FixProviderManual = "manual"
	FixProviderGPT    = "gpt"
	FixProviderGemini = "gemini"
	FixProviderGroq   = "groq"
	FixProviderMock   = "mock"
)

var (
	AuditTypes    = []string{AuditTypePageSpeed, AuditTypeSEO, AuditTypeLighthouse}
	Triggers      = []string{TriggerManual, TriggerScheduled, TriggerAutoRegression}
	IssueStatuses = []string{IssueStatusOpen, IssueStatusInProgress, IssueStatusResolved, IssueStatusIgnored}
	Severities    = []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
	FixProviders  = []string{FixProviderManual, FixProviderGPT, FixProviderGemini, FixProviderGroq, FixProviderMock}
	AIProviders   = []string{FixProviderGPT, FixProviderGemini, FixProviderGroq}
)

// OneOf reports whether v is in set.
func OneOf(v string, set []string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// SeverityRank orders severities from most (0) to least urgent. Unknown values sort last.
func SeverityRank(s string) int {
	for i, v := range Severities {
		if v == s {
			return i
		}
	}
	return len(Severities)
}

// AuditTerminal reports whether an audit in status s can no longer change.
func AuditTerminal(s string) bool {
	return s == AuditStatusCompleted || s == AuditStatusFailed
}

// IssueTerminal reports whether an issue in status s accepts no further transitions.
func IssueTerminal(s string) bool {
	return s == IssueStatusResolved || s == IssueStatusIgnored
}

type Tenant struct {
	ID        string `json:"id"`
	Plan      string `json:"plan"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	Domain    string `json:"domain"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Page struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	URL       string `json:"url"`
	Host      string `json:"host"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Audit struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	PageID      *string  `json:"page_id,omitempty"`
	Type        string   `json:"type" enum:"pagespeed,seo,lighthouse"`
	Status      string   `json:"status" enum:"pending,queued,running,completed,failed"`
	Trigger     string   `json:"trigger" enum:"manual,scheduled,auto_regression"`
	Runner      string   `json:"runner,omitempty"`
	Score       *int     `json:"score,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	RawResult   Document `json:"raw_result,omitempty"`
	Error       *string  `json:"error,omitempty"`
	JobID       *string  `json:"job_id,omitempty"`
	StartedAt   *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// IssueDraft is an issue as reported by a runner, before it is persisted.
type IssueDraft struct {
	Code           string   `json:"code"`
	Severity       string   `json:"severity"`
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	MetricValue    *float64 `json:"metric_value,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
}

type Issue struct {
	ID             string   `json:"id"`
	AuditID        string   `json:"audit_id"`
	Code           string   `json:"code"`
	Severity       string   `json:"severity" enum:"critical,high,medium,low,info"`
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	MetricValue    *float64 `json:"metric_value,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Status         string   `json:"status" enum:"open,in_progress,resolved,ignored"`
	ResolvedAt     *string  `json:"resolved_at,omitempty" format:"date-time"`
	FixCount       int      `json:"fix_count"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Fix struct {
	ID          string   `json:"id"`
	IssueID     string   `json:"issue_id"`
	Provider    string   `json:"provider" enum:"manual,gpt,gemini,groq,mock"`
	Content     Document `json:"content"`
	CreatedByID *string  `json:"created_by_id,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
