package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"seopilot/internal/config"
	"seopilot/internal/domain"
)

func draftCodes(drafts []domain.IssueDraft) map[string]domain.IssueDraft {
	out := map[string]domain.IssueDraft{}
	for _, d := range drafts {
		out[d.Code] = d
	}
	return out
}

func TestMockRunnerIsDeterministic(t *testing.T) {
	rn := MockRunner{}
	target := Target{URL: "https://shop.example/products", Host: "shop.example"}
	a, err := rn.Execute(context.Background(), target, domain.AuditTypeSEO)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	b, err := rn.Execute(context.Background(), target, domain.AuditTypeSEO)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if a.Score != b.Score || len(a.Issues) != len(b.Issues) || a.Summary != b.Summary {
		t.Fatalf("mock runner not deterministic: %+v vs %+v", a, b)
	}
	if a.Score < 0 || a.Score > 100 {
		t.Fatalf("score out of range: %v", a.Score)
	}
	_, err = rn.Execute(context.Background(), Target{URL: "not a url"}, domain.AuditTypeSEO)
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindMalformedTarget {
		t.Fatalf("expected malformed target, got %v", err)
	}
}

const seoPage = `<!doctype html>
<html>
<head>
  <title>Hi</title>
  <meta name="robots" content="noindex, follow">
</head>
<body>
  <h1>One</h1><h1>Two</h1>
  <img src="a.png"><img src="b.png" alt="b">
</body>
</html>`

func TestSEORunnerFindsOnPageIssues(t *testing.T) {
	var mu sync.Mutex
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			http.NotFound(w, r)
		default:
			mu.Lock()
			gotUA = r.Header.Get("User-Agent")
			mu.Unlock()
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, seoPage)
		}
	}))
	defer srv.Close()

	rn := SEORunner{HTTP: srv.Client(), UserAgent: "TestBot/1.0"}
	res, err := rn.Execute(context.Background(), Target{URL: srv.URL + "/landing"}, domain.AuditTypeSEO)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotUA != "TestBot/1.0" {
		t.Fatalf("user agent = %q", gotUA)
	}
	codes := draftCodes(res.Issues)
	for _, want := range []string{"noindex", "title-too-short", "missing-meta-description", "multiple-h1", "missing-canonical", "missing-html-lang", "images-missing-alt", "robots-txt-missing"} {
		if _, ok := codes[want]; !ok {
			t.Errorf("missing finding %s; got %v", want, codes)
		}
	}
	if _, ok := codes["missing-title"]; ok {
		t.Errorf("title is present and must not be reported missing")
	}
	if d := codes["images-missing-alt"]; d.MetricValue == nil || *d.MetricValue != 1 {
		t.Errorf("images-missing-alt metric = %v", d.MetricValue)
	}
	// 20 + 5 + 10 + 5 + 5 + 5 + 8 + 2
	if res.Score != 40 {
		t.Fatalf("score = %v, want 40", res.Score)
	}
	if res.RawResult["h1_count"] != 2 {
		t.Fatalf("raw h1_count = %v", res.RawResult["h1_count"])
	}
}

func TestSEORunnerCleanPage(t *testing.T) {
	page := `<html lang="en"><head><title>Handmade leather bags and wallets</title>
<meta name="description" content="Shop handmade leather bags, wallets and belts crafted in small batches.">
<link rel="canonical" href="https://shop.example/"></head>
<body><h1>Leather goods</h1><img src="a.png" alt="bag"></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nAllow: /\n")
			return
		}
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	res, err := SEORunner{HTTP: srv.Client()}.Execute(context.Background(), Target{URL: srv.URL}, domain.AuditTypeSEO)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Issues) != 0 || res.Score != 100 {
		t.Fatalf("expected clean page, got score %v issues %+v", res.Score, res.Issues)
	}
}

func TestSEORunnerNetworkAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := SEORunner{HTTP: srv.Client()}.Execute(ctx, Target{URL: srv.URL}, domain.AuditTypeSEO)
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	_, err = SEORunner{}.Execute(context.Background(), Target{URL: addr}, domain.AuditTypeSEO)
	if !errors.As(err, &re) || re.Kind != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
}

const psiBody = `{
  "id": "https://shop.example/",
  "lighthouseResult": {
    "requestedUrl": "https://shop.example/",
    "finalUrl": "https://shop.example/",
    "lighthouseVersion": "12.0.0",
    "categories": {
      "performance": {"id": "performance", "score": 0.82, "auditRefs": [
        {"id": "render-blocking-resources", "weight": 0},
        {"id": "largest-contentful-paint", "weight": 25},
        {"id": "cumulative-layout-shift", "weight": 25},
        {"id": "unused-javascript", "weight": 0}
      ]},
      "accessibility": {"id": "accessibility", "score": 0.9, "auditRefs": [{"id": "color-contrast", "weight": 7}]},
      "best-practices": {"id": "best-practices", "score": 1, "auditRefs": []},
      "seo": {"id": "seo", "score": 0.96, "auditRefs": [{"id": "document-title", "weight": 1}]}
    },
    "audits": {
      "render-blocking-resources": {"id": "render-blocking-resources", "title": "Eliminate render-blocking resources", "score": 0.4, "scoreDisplayMode": "metricSavings", "numericValue": 1230, "displayValue": "Potential savings of 1,230 ms"},
      "largest-contentful-paint": {"id": "largest-contentful-paint", "title": "Largest Contentful Paint", "score": 0.2, "scoreDisplayMode": "numeric", "numericValue": 4100},
      "cumulative-layout-shift": {"id": "cumulative-layout-shift", "title": "Cumulative Layout Shift", "score": 0.98, "scoreDisplayMode": "numeric", "numericValue": 0.02},
      "unused-javascript": {"id": "unused-javascript", "title": "Reduce unused JavaScript", "score": null, "scoreDisplayMode": "informative"},
      "color-contrast": {"id": "color-contrast", "title": "Background and foreground colors do not have a sufficient contrast ratio.", "description": "Low-contrast text is hard to read. [Learn more](https://example.com).", "score": 0, "scoreDisplayMode": "binary"},
      "document-title": {"id": "document-title", "title": "Document has a title", "score": 1, "scoreDisplayMode": "binary"}
    }
  }
}`

func newPSIServer(t *testing.T, seen *[]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runPagespeed" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			mu.Lock()
			*seen = append(*seen, r.URL.RawQuery)
			mu.Unlock()
		}
		if r.URL.Query().Get("url") == "" {
			http.Error(w, `{"error":{"message":"url required"}}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, psiBody)
	}))
}

func TestPageSpeedRunnerMapsAudits(t *testing.T) {
	var queries []string
	srv := newPSIServer(t, &queries)
	defer srv.Close()

	rn := PageSpeedRunner{Client: &PageSpeedClient{BaseURL: srv.URL, APIKey: "k-123", Strategy: "mobile", HTTP: srv.Client()}}
	res, err := rn.Execute(context.Background(), Target{URL: "https://shop.example/"}, domain.AuditTypePageSpeed)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Score != 82 {
		t.Fatalf("score = %v", res.Score)
	}
	codes := draftCodes(res.Issues)
	rb, ok := codes["render-blocking-js"]
	if !ok {
		t.Fatalf("render-blocking-js missing: %v", codes)
	}
	if rb.MetricValue == nil || *rb.MetricValue != 1230 || rb.Category != "performance" || rb.Severity != domain.SeverityMedium {
		t.Fatalf("unexpected render-blocking draft: %+v", rb)
	}
	lcp := codes["largest-contentful-paint"]
	if lcp.Severity != domain.SeverityCritical || lcp.Threshold == nil || *lcp.Threshold != 2500 {
		t.Fatalf("unexpected lcp draft: %+v", lcp)
	}
	if _, ok := codes["cumulative-layout-shift"]; ok {
		t.Fatalf("passing audit reported")
	}
	if _, ok := codes["color-contrast"]; ok {
		t.Fatalf("pagespeed runner must only report performance audits")
	}
	if len(queries) != 1 || !strings.Contains(queries[0], "key=k-123") || !strings.Contains(queries[0], "category=performance") {
		t.Fatalf("unexpected query: %v", queries)
	}
}

func TestLighthouseRunnerAveragesCategories(t *testing.T) {
	srv := newPSIServer(t, nil)
	defer srv.Close()

	rn := LighthouseRunner{Client: &PageSpeedClient{BaseURL: srv.URL, HTTP: srv.Client()}}
	res, err := rn.Execute(context.Background(), Target{URL: "https://shop.example/"}, domain.AuditTypeLighthouse)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// (0.82 + 0.9 + 1 + 0.96) / 4
	if res.Score < 91.9 || res.Score > 92.1 {
		t.Fatalf("score = %v", res.Score)
	}
	codes := draftCodes(res.Issues)
	cc, ok := codes["color-contrast"]
	if !ok || cc.Category != "accessibility" || cc.Recommendation != "Low-contrast text is hard to read." {
		t.Fatalf("unexpected color-contrast draft: %+v", cc)
	}
	if _, ok := res.RawResult["desktop"]; !ok {
		t.Fatalf("expected alternate strategy in raw result: %v", res.RawResult)
	}
}

func TestPageSpeedBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	rn := PageSpeedRunner{Client: &PageSpeedClient{BaseURL: srv.URL, HTTP: srv.Client()}}
	_, err := rn.Execute(context.Background(), Target{URL: "https://shop.example/"}, domain.AuditTypePageSpeed)
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindBadResponse {
		t.Fatalf("expected bad response, got %v", err)
	}
}

func TestRegistryFromConfig(t *testing.T) {
	cfg := config.Default().Runner
	cfg.Adapters["lighthouse"] = "mock"
	reg := FromConfig(cfg, nil, nil)
	rn, err := reg.For(domain.AuditTypeLighthouse)
	if err != nil || rn.Name() != "mock" {
		t.Fatalf("lighthouse runner = %v, %v", rn, err)
	}
	rn, err = reg.For(domain.AuditTypeSEO)
	if err != nil || rn.Name() != "seo" {
		t.Fatalf("seo runner = %v, %v", rn, err)
	}
	if _, err := NewRegistry().For("seo"); err == nil {
		t.Fatalf("empty registry must error")
	}
}

type nilMapRunner struct{}

func (nilMapRunner) Name() string { return "broken" }

func (nilMapRunner) Execute(ctx context.Context, target Target, auditType string) (Result, error) {
	var raw map[string]any
	raw["score"] = 1
	return Result{}, nil
}

func TestExecuteRecoversPanic(t *testing.T) {
	res, err := Execute(context.Background(), nilMapRunner{}, Target{URL: "https://shop.example/"}, domain.AuditTypeSEO)
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindBadResponse || re.Runner != "broken" {
		t.Fatalf("expected bad_response error, got %v", err)
	}
	if !strings.Contains(err.Error(), "panicked") || res.Issues != nil {
		t.Fatalf("unexpected result %+v %v", res, err)
	}

	res, err = Execute(context.Background(), MockRunner{}, Target{URL: "https://shop.example/", Host: "shop.example"}, domain.AuditTypeSEO)
	if err != nil || res.Score < 55 {
		t.Fatalf("healthy runner: %+v %v", res, err)
	}
}

func TestClassifyCancellation(t *testing.T) {
	if re := classify("seo", fmt.Errorf("get page: %w", context.Canceled)); re.Kind != KindCanceled {
		t.Fatalf("expected canceled, got %s", re.Kind)
	}
	if re := classify("seo", fmt.Errorf("get page: %w", context.DeadlineExceeded)); re.Kind != KindTimeout {
		t.Fatalf("expected timeout, got %s", re.Kind)
	}
}
