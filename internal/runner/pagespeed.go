package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"seopilot/internal/domain"
)

const defaultPageSpeedBaseURL = "https://www.googleapis.com/pagespeedonline/v5"

// PageSpeedClient calls the PageSpeed Insights v5 runPagespeed endpoint.
type PageSpeedClient struct {
	BaseURL  string
	APIKey   string
	Strategy string
	HTTP     *http.Client
}

type psiResponse struct {
	ID               string `json:"id"`
	LighthouseResult struct {
		RequestedURL      string                 `json:"requestedUrl"`
		FinalURL          string                 `json:"finalUrl"`
		LighthouseVersion string                 `json:"lighthouseVersion"`
		FetchTime         string                 `json:"fetchTime"`
		Categories        map[string]psiCategory `json:"categories"`
		Audits            map[string]psiAudit    `json:"audits"`
	} `json:"lighthouseResult"`
}

type psiCategory struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Score     *float64 `json:"score"`
	AuditRefs []struct {
		ID     string  `json:"id"`
		Weight float64 `json:"weight"`
	} `json:"auditRefs"`
}

type psiAudit struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Score            *float64 `json:"score"`
	ScoreDisplayMode string   `json:"scoreDisplayMode"`
	NumericValue     *float64 `json:"numericValue"`
	NumericUnit      string   `json:"numericUnit"`
	DisplayValue     string   `json:"displayValue"`
}

type psiRule struct {
	Code           string
	Threshold      *float64
	Recommendation string
	// CoreVital issues are reported one severity level higher.
	CoreVital bool
}

func threshold(v float64) *float64 { return &v }

var psiRules = map[string]psiRule{
	"render-blocking-resources": {Code: "render-blocking-js", Threshold: threshold(0),
		Recommendation: "Defer or async non-critical scripts and inline critical CSS."},
	"largest-contentful-paint": {Code: "largest-contentful-paint", Threshold: threshold(2500), CoreVital: true,
		Recommendation: "Preload the LCP image, compress it, and cut server response time."},
	"first-contentful-paint": {Code: "first-contentful-paint", Threshold: threshold(1800),
		Recommendation: "Remove render-blocking resources and reduce critical request depth."},
	"cumulative-layout-shift": {Code: "cumulative-layout-shift", Threshold: threshold(0.1), CoreVital: true,
		Recommendation: "Reserve space for images, embeds and ads with explicit dimensions."},
	"total-blocking-time": {Code: "total-blocking-time", Threshold: threshold(200), CoreVital: true,
		Recommendation: "Split long JavaScript tasks and defer third-party scripts."},
	"speed-index": {Code: "speed-index", Threshold: threshold(3400),
		Recommendation: "Minimize main-thread work and prioritize visible content."},
	"interactive": {Code: "time-to-interactive", Threshold: threshold(3800),
		Recommendation: "Reduce JavaScript payloads and execution time."},
	"server-response-time": {Code: "slow-server-response", Threshold: threshold(600),
		Recommendation: "Enable caching and optimize backend queries to keep TTFB under 600 ms."},
	"uses-optimized-images": {Code: "unoptimized-images", Threshold: threshold(0),
		Recommendation: "Compress images and serve them at display size."},
	"modern-image-formats": {Code: "legacy-image-formats", Threshold: threshold(0),
		Recommendation: "Serve images as WebP or AVIF."},
	"unused-javascript": {Code: "unused-javascript", Threshold: threshold(0),
		Recommendation: "Code-split bundles and drop dead dependencies."},
	"unused-css-rules": {Code: "unused-css", Threshold: threshold(0),
		Recommendation: "Purge unused CSS rules."},
	"uses-text-compression": {Code: "missing-text-compression", Threshold: threshold(0),
		Recommendation: "Enable gzip or brotli for text responses."},
}

var categoryNames = map[string]string{
	"performance":    "performance",
	"accessibility":  "accessibility",
	"best-practices": "best_practices",
	"seo":            "seo",
}

func (c *PageSpeedClient) run(ctx context.Context, runner, target, strategy string, categories []string) (psiResponse, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultPageSpeedBaseURL
	}
	q := url.Values{}
	q.Set("url", target)
	if strategy == "" {
		strategy = "mobile"
	}
	q.Set("strategy", strategy)
	for _, cat := range categories {
		q.Add("category", cat)
	}
	if c.APIKey != "" {
		q.Set("key", c.APIKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/runPagespeed?"+q.Encode(), nil)
	if err != nil {
		return psiResponse{}, newError(runner, KindMalformedTarget, err)
	}
	req.Header.Set("Accept", "application/json")
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return psiResponse{}, classify(runner, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return psiResponse{}, newError(runner, KindBadResponse, fmt.Errorf("pagespeed status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}
	var out psiResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return psiResponse{}, classify(runner, ctx.Err())
		}
		return psiResponse{}, newError(runner, KindBadResponse, fmt.Errorf("decode pagespeed response: %w", err))
	}
	if len(out.LighthouseResult.Categories) == 0 {
		return psiResponse{}, newError(runner, KindBadResponse, fmt.Errorf("pagespeed response has no categories"))
	}
	return out, nil
}

// drafts turns failing audits referenced by the given categories into issue drafts.
func (r psiResponse) drafts(categories []string) []domain.IssueDraft {
	var out []domain.IssueDraft
	seen := map[string]bool{}
	for _, catID := range categories {
		cat, ok := r.LighthouseResult.Categories[catID]
		if !ok {
			continue
		}
		for _, ref := range cat.AuditRefs {
			a, ok := r.LighthouseResult.Audits[ref.ID]
			if !ok || a.Score == nil || *a.Score >= 0.9 {
				continue
			}
			switch a.ScoreDisplayMode {
			case "numeric", "binary", "metricSavings":
			default:
				continue
			}
			rule, known := psiRules[ref.ID]
			if !known && ref.Weight == 0 {
				continue
			}
			code := ref.ID
			if known {
				code = rule.Code
			}
			if seen[code] {
				continue
			}
			seen[code] = true
			desc := a.Title
			if a.DisplayValue != "" {
				desc = fmt.Sprintf("%s (%s)", a.Title, a.DisplayValue)
			}
			out = append(out, domain.IssueDraft{
				Code:           code,
				Severity:       psiSeverity(*a.Score, rule.CoreVital),
				Category:       categoryNames[catID],
				Description:    desc,
				MetricValue:    a.NumericValue,
				Threshold:      rule.Threshold,
				Recommendation: firstNonEmpty(rule.Recommendation, stripLinks(a.Description)),
			})
		}
	}
	return out
}

func (r psiResponse) raw(strategy string) domain.Document {
	scores := map[string]any{}
	for id, cat := range r.LighthouseResult.Categories {
		if cat.Score != nil {
			scores[categoryNames[id]] = math.Round(*cat.Score * 100)
		}
	}
	metrics := map[string]any{}
	for id := range psiRules {
		if a, ok := r.LighthouseResult.Audits[id]; ok && a.NumericValue != nil {
			metrics[id] = *a.NumericValue
		}
	}
	return domain.Document{
		"strategy":           strategy,
		"requested_url":      r.LighthouseResult.RequestedURL,
		"final_url":          r.LighthouseResult.FinalURL,
		"lighthouse_version": r.LighthouseResult.LighthouseVersion,
		"fetch_time":         r.LighthouseResult.FetchTime,
		"categories":         scores,
		"metrics":            metrics,
	}
}

func psiSeverity(score float64, coreVital bool) string {
	levels := []string{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow}
	idx := 3
	switch {
	case score < 0.25:
		idx = 1
	case score < 0.5:
		idx = 2
	}
	if coreVital {
		idx--
	}
	return levels[idx]
}

// stripLinks drops the trailing markdown "[Learn more](...)" that Lighthouse appends.
func stripLinks(s string) string {
	if i := strings.Index(s, "[Learn"); i > 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// PageSpeedRunner scores performance only.
type PageSpeedRunner struct {
	Client *PageSpeedClient
}

func (PageSpeedRunner) Name() string { return "pagespeed" }

func (p PageSpeedRunner) Execute(ctx context.Context, target Target, auditType string) (Result, error) {
	if _, err := ParseTarget(target.URL); err != nil {
		return Result{}, newError(p.Name(), KindMalformedTarget, err)
	}
	categories := []string{"performance"}
	resp, err := p.Client.run(ctx, p.Name(), target.URL, p.Client.Strategy, categories)
	if err != nil {
		return Result{}, err
	}
	perf := resp.LighthouseResult.Categories["performance"]
	if perf.Score == nil {
		return Result{}, newError(p.Name(), KindBadResponse, fmt.Errorf("performance score missing"))
	}
	score := *perf.Score * 100
	drafts := resp.drafts(categories)
	return Result{
		Score:     score,
		Summary:   fmt.Sprintf("performance %.0f/100, %d opportunities", score, len(drafts)),
		RawResult: resp.raw(p.Client.Strategy),
		Issues:    drafts,
	}, nil
}

// LighthouseRunner scores all four Lighthouse categories. The alternate form
// factor is fetched alongside for comparison and never fails the audit.
type LighthouseRunner struct {
	Client *PageSpeedClient
}

func (LighthouseRunner) Name() string { return "lighthouse" }

var lighthouseCategories = []string{"performance", "accessibility", "best-practices", "seo"}

func (l LighthouseRunner) Execute(ctx context.Context, target Target, auditType string) (Result, error) {
	if _, err := ParseTarget(target.URL); err != nil {
		return Result{}, newError(l.Name(), KindMalformedTarget, err)
	}
	primary := l.Client.Strategy
	if primary == "" {
		primary = "mobile"
	}
	alternate := "desktop"
	if primary == "desktop" {
		alternate = "mobile"
	}

	var pri, sec psiResponse
	var altErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pri, err = l.Client.run(gctx, l.Name(), target.URL, primary, lighthouseCategories)
		return err
	})
	g.Go(func() error {
		sec, altErr = l.Client.run(gctx, l.Name(), target.URL, alternate, lighthouseCategories)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var sum float64
	var n int
	for _, id := range lighthouseCategories {
		if cat, ok := pri.LighthouseResult.Categories[id]; ok && cat.Score != nil {
			sum += *cat.Score
			n++
		}
	}
	if n == 0 {
		return Result{}, newError(l.Name(), KindBadResponse, fmt.Errorf("no category scores in response"))
	}
	score := sum / float64(n) * 100
	drafts := pri.drafts(lighthouseCategories)
	raw := pri.raw(primary)
	if altErr == nil {
		raw[alternate] = sec.raw(alternate)
	} else {
		raw[alternate] = domain.Document{"error": altErr.Error()}
	}
	return Result{
		Score:     score,
		Summary:   fmt.Sprintf("lighthouse %.0f/100 across %d categories, %d failing audits", score, n, len(drafts)),
		RawResult: raw,
		Issues:    drafts,
	}, nil
}
