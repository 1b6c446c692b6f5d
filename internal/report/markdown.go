// Package report renders audit results for people.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"seopilot/internal/domain"
)

// IssueFixes is an issue together with the fixes attached to it.
type IssueFixes struct {
	Issue domain.Issue
	Fixes []domain.Fix
}

// AuditReport is everything the Markdown report shows for one audit.
type AuditReport struct {
	Project     domain.Project
	Page        *domain.Page
	Audit       domain.Audit
	Issues      []IssueFixes
	GeneratedAt time.Time
}

func Markdown(r AuditReport) string {
	var b strings.Builder
	a := r.Audit

	b.WriteString(fmt.Sprintf("# %s audit: %s\n\n", strings.ToUpper(a.Type[:1])+a.Type[1:], r.Project.Name))
	b.WriteString(fmt.Sprintf("**Generated:** %s  \n", r.GeneratedAt.UTC().Format("January 2, 2006 15:04:05 MST")))
	b.WriteString(fmt.Sprintf("**Target:** `%s`  \n", target(r)))
	b.WriteString(fmt.Sprintf("**Status:** %s  \n", a.Status))
	if a.Runner != "" {
		b.WriteString(fmt.Sprintf("**Runner:** %s  \n", a.Runner))
	}
	if a.Score != nil {
		b.WriteString(fmt.Sprintf("**Score:** %d/100  \n", *a.Score))
	}
	if a.CompletedAt != nil {
		b.WriteString(fmt.Sprintf("**Completed:** %s  \n", *a.CompletedAt))
	}
	b.WriteString("\n")

	if a.Error != nil {
		b.WriteString("## Failure\n\n")
		b.WriteString("```\n" + *a.Error + "\n```\n\n")
	}
	if a.Summary != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(a.Summary + "\n\n")
	}

	b.WriteString("## Issues\n\n")
	if len(r.Issues) == 0 {
		b.WriteString("No issues recorded.\n\n")
		return b.String()
	}

	counts := map[string]int{}
	for _, it := range r.Issues {
		counts[it.Issue.Severity]++
	}
	b.WriteString("| Severity | Count |\n")
	b.WriteString("|---|---|\n")
	for _, sev := range domain.Severities {
		if counts[sev] > 0 {
			b.WriteString(fmt.Sprintf("| %s | %d |\n", sev, counts[sev]))
		}
	}
	b.WriteString("\n")

	b.WriteString("| Code | Severity | Category | Status | Measured | Fixes |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, it := range r.Issues {
		is := it.Issue
		b.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %d |\n",
			is.Code, is.Severity, is.Category, is.Status, measured(is), len(it.Fixes)))
	}
	b.WriteString("\n")

	for _, it := range r.Issues {
		is := it.Issue
		b.WriteString(fmt.Sprintf("### %s\n\n", is.Code))
		if is.Description != "" {
			b.WriteString(is.Description + "\n\n")
		}
		if is.Recommendation != "" {
			b.WriteString(fmt.Sprintf("**Recommendation:** %s\n\n", is.Recommendation))
		}
		for i, f := range it.Fixes {
			b.WriteString(fmt.Sprintf("**Fix %d** (%s, %s)\n\n", i+1, f.Provider, f.CreatedAt))
			text := fixText(f)
			if len(text) > 4000 {
				text = text[:4000] + "\n... (truncated)"
			}
			b.WriteString(text + "\n\n")
		}
	}
	return b.String()
}

// SaveMarkdown writes the report under dir and returns the file path.
func SaveMarkdown(dir string, r AuditReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("audit-%s-%s.md", r.Audit.ID, r.GeneratedAt.UTC().Format("20060102-150405"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(Markdown(r)), 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

func target(r AuditReport) string {
	if r.Page != nil {
		return r.Page.URL
	}
	if r.Project.Domain != "" {
		return "https://" + r.Project.Domain + "/"
	}
	return r.Project.ID
}

func measured(is domain.Issue) string {
	if is.MetricValue == nil {
		return "-"
	}
	v := strconv.FormatFloat(*is.MetricValue, 'f', -1, 64)
	if is.Threshold != nil {
		v += " / " + strconv.FormatFloat(*is.Threshold, 'f', -1, 64)
	}
	return v
}

func fixText(f domain.Fix) string {
	for _, key := range []string{"text", "content", "body"} {
		if s, ok := f.Content[key].(string); ok && s != "" {
			return s
		}
	}
	parts := make([]string, 0, len(f.Content))
	for k, v := range f.Content {
		parts = append(parts, fmt.Sprintf("- %s: %v", k, v))
	}
	return strings.Join(parts, "\n")
}
