package runner

import (
	"context"
	"fmt"
	"hash/fnv"

	"seopilot/internal/domain"
)

// MockRunner produces deterministic results derived from the target URL and
// audit type. It never touches the network.
type MockRunner struct{}

func (MockRunner) Name() string { return "mock" }

type mockRule struct {
	draft domain.IssueDraft
	// the rule fires when the URL hash modulo 3 is in the set
	buckets []uint32
}

var mockRules = map[string][]mockRule{
	domain.AuditTypeSEO: {
		{draft: domain.IssueDraft{Code: "missing-meta-description", Severity: domain.SeverityMedium, Category: "seo",
			Description: "Page has no meta description.", Recommendation: "Add a unique 120-160 character meta description."}, buckets: []uint32{0, 1}},
		{draft: domain.IssueDraft{Code: "title-too-long", Severity: domain.SeverityLow, Category: "seo",
			Description: "Title exceeds 60 characters.", Recommendation: "Shorten the title to under 60 characters."}, buckets: []uint32{0, 2}},
		{draft: domain.IssueDraft{Code: "images-missing-alt", Severity: domain.SeverityMedium, Category: "accessibility",
			Description: "Images are missing alt text.", Recommendation: "Describe every meaningful image with an alt attribute."}, buckets: []uint32{1, 2}},
	},
	domain.AuditTypePageSpeed: {
		{draft: domain.IssueDraft{Code: "render-blocking-js", Severity: domain.SeverityHigh, Category: "performance",
			Description: "Render-blocking resources delay first paint.", Recommendation: "Defer non-critical JavaScript and inline critical CSS."}, buckets: []uint32{0, 1, 2}},
		{draft: domain.IssueDraft{Code: "unoptimized-images", Severity: domain.SeverityMedium, Category: "performance",
			Description: "Images could be served in next-gen formats.", Recommendation: "Serve WebP or AVIF images."}, buckets: []uint32{1}},
	},
	domain.AuditTypeLighthouse: {
		{draft: domain.IssueDraft{Code: "color-contrast", Severity: domain.SeverityMedium, Category: "accessibility",
			Description: "Text does not have sufficient contrast.", Recommendation: "Raise foreground/background contrast to 4.5:1."}, buckets: []uint32{0, 2}},
		{draft: domain.IssueDraft{Code: "largest-contentful-paint", Severity: domain.SeverityHigh, Category: "performance",
			Description: "Largest Contentful Paint is slow.", Recommendation: "Preload the hero image and reduce server response time."}, buckets: []uint32{0, 1}},
		{draft: domain.IssueDraft{Code: "uses-https", Severity: domain.SeverityLow, Category: "best_practices",
			Description: "Some resources are loaded over HTTP.", Recommendation: "Serve every resource over HTTPS."}, buckets: []uint32{2}},
	},
}

func (m MockRunner) Execute(ctx context.Context, target Target, auditType string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, classify(m.Name(), err)
	}
	if _, err := ParseTarget(target.URL); err != nil {
		return Result{}, newError(m.Name(), KindMalformedTarget, err)
	}
	rules, ok := mockRules[auditType]
	if !ok {
		return Result{}, newError(m.Name(), KindBadResponse, fmt.Errorf("unsupported audit type %s", auditType))
	}
	h := fnv.New32a()
	h.Write([]byte(auditType + "|" + target.URL))
	sum := h.Sum32()
	score := float64(55 + sum%45)
	var drafts []domain.IssueDraft
	for _, rule := range rules {
		for _, b := range rule.buckets {
			if sum%3 == b {
				drafts = append(drafts, rule.draft)
				break
			}
		}
	}
	return Result{
		Score:   score,
		Summary: fmt.Sprintf("mock %s audit of %s: %d issues", auditType, target.URL, len(drafts)),
		RawResult: domain.Document{
			"runner": m.Name(),
			"url":    target.URL,
			"seed":   sum,
		},
		Issues: drafts,
	}, nil
}
