package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"seopilot/internal/domain"
)

const (
	defaultSEOUserAgent    = "SEOPilotBot/1.0"
	defaultSEOMaxBodyBytes = 2 * 1024 * 1024
)

// SEORunner fetches a page and checks on-page SEO rules.
type SEORunner struct {
	HTTP         *http.Client
	UserAgent    string
	MaxBodyBytes int64
}

func (SEORunner) Name() string { return "seo" }

type seoRule struct {
	Severity       string
	Category       string
	Penalty        float64
	Recommendation string
}

var seoRules = map[string]seoRule{
	"http-status-error":         {Severity: domain.SeverityCritical, Category: "seo", Penalty: 40, Recommendation: "Make the page return HTTP 200 or redirect it permanently."},
	"noindex":                   {Severity: domain.SeverityHigh, Category: "seo", Penalty: 20, Recommendation: "Remove noindex from the robots meta tag if the page should rank."},
	"missing-title":             {Severity: domain.SeverityHigh, Category: "seo", Penalty: 15, Recommendation: "Add a descriptive <title> of 30-60 characters."},
	"title-too-long":            {Severity: domain.SeverityLow, Category: "seo", Penalty: 5, Recommendation: "Shorten the title to 60 characters or fewer."},
	"title-too-short":           {Severity: domain.SeverityLow, Category: "seo", Penalty: 5, Recommendation: "Expand the title to at least 10 characters."},
	"missing-meta-description":  {Severity: domain.SeverityMedium, Category: "seo", Penalty: 10, Recommendation: "Add a unique meta description of 70-160 characters."},
	"meta-description-too-long": {Severity: domain.SeverityLow, Category: "seo", Penalty: 5, Recommendation: "Trim the meta description to 160 characters or fewer."},
	"missing-h1":                {Severity: domain.SeverityMedium, Category: "seo", Penalty: 10, Recommendation: "Add exactly one <h1> describing the page topic."},
	"multiple-h1":               {Severity: domain.SeverityLow, Category: "seo", Penalty: 5, Recommendation: "Keep a single <h1> and demote the others to <h2>."},
	"missing-canonical":         {Severity: domain.SeverityLow, Category: "seo", Penalty: 5, Recommendation: "Add <link rel=\"canonical\"> pointing at the preferred URL."},
	"missing-html-lang":         {Severity: domain.SeverityLow, Category: "accessibility", Penalty: 5, Recommendation: "Declare the page language with <html lang=\"...\">."},
	"images-missing-alt":        {Severity: domain.SeverityMedium, Category: "accessibility", Penalty: 8, Recommendation: "Give every meaningful image a descriptive alt attribute."},
	"robots-txt-missing":        {Severity: domain.SeverityInfo, Category: "best_practices", Penalty: 2, Recommendation: "Publish a robots.txt at the site root."},
}

// pageFacts is what the HTML walk extracts from a document.
type pageFacts struct {
	Title           string
	MetaDescription string
	MetaRobots      string
	Canonical       string
	Lang            string
	H1Count         int
	Images          int
	ImagesNoAlt     int
}

func (s SEORunner) Execute(ctx context.Context, target Target, auditType string) (Result, error) {
	u, err := ParseTarget(target.URL)
	if err != nil {
		return Result{}, newError(s.Name(), KindMalformedTarget, err)
	}

	var (
		status     int
		finalURL   string
		body       []byte
		robotsOK   bool
		robotsCode int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		status, finalURL, body, err = s.fetch(gctx, u.String(), s.maxBody())
		return err
	})
	g.Go(func() error {
		robots := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}
		code, _, _, err := s.fetch(gctx, robots.String(), 64*1024)
		if err == nil {
			robotsCode = code
			robotsOK = code >= 200 && code < 300
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	facts, err := analyze(body)
	if err != nil {
		return Result{}, newError(s.Name(), KindBadResponse, fmt.Errorf("parse html: %w", err))
	}
	drafts := evaluate(facts, status, robotsOK)
	penalty := 0.0
	for _, d := range drafts {
		penalty += seoRules[d.Code].Penalty
	}
	score := 100 - penalty
	if score < 0 {
		score = 0
	}
	return Result{
		Score:   score,
		Summary: fmt.Sprintf("on-page seo %.0f/100, %d findings", score, len(drafts)),
		RawResult: domain.Document{
			"status":           status,
			"final_url":        finalURL,
			"title":            facts.Title,
			"meta_description": facts.MetaDescription,
			"meta_robots":      facts.MetaRobots,
			"canonical":        facts.Canonical,
			"lang":             facts.Lang,
			"h1_count":         facts.H1Count,
			"images":           facts.Images,
			"images_no_alt":    facts.ImagesNoAlt,
			"robots_txt":       robotsCode,
		},
		Issues: drafts,
	}, nil
}

func (s SEORunner) maxBody() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return defaultSEOMaxBodyBytes
}

func (s SEORunner) fetch(ctx context.Context, target string, limit int64) (int, string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", nil, newError(s.Name(), KindMalformedTarget, err)
	}
	ua := s.UserAgent
	if ua == "" {
		ua = defaultSEOUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", nil, classify(s.Name(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return 0, "", nil, classify(s.Name(), err)
	}
	return resp.StatusCode, resp.Request.URL.String(), body, nil
}

func analyze(body []byte) (pageFacts, error) {
	var f pageFacts
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return f, err
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Html:
				f.Lang = strings.TrimSpace(attr(n, "lang"))
			case atom.Title:
				if f.Title == "" {
					f.Title = strings.TrimSpace(textContent(n))
				}
			case atom.Meta:
				switch strings.ToLower(attr(n, "name")) {
				case "description":
					f.MetaDescription = strings.TrimSpace(attr(n, "content"))
				case "robots":
					f.MetaRobots = strings.ToLower(strings.TrimSpace(attr(n, "content")))
				}
			case atom.Link:
				if strings.EqualFold(attr(n, "rel"), "canonical") {
					f.Canonical = strings.TrimSpace(attr(n, "href"))
				}
			case atom.H1:
				f.H1Count++
			case atom.Img:
				f.Images++
				if _, ok := lookupAttr(n, "alt"); !ok {
					f.ImagesNoAlt++
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return f, nil
}

func evaluate(f pageFacts, status int, robotsOK bool) []domain.IssueDraft {
	var out []domain.IssueDraft
	add := func(code, desc string, metric, limit *float64) {
		rule := seoRules[code]
		out = append(out, domain.IssueDraft{
			Code:           code,
			Severity:       rule.Severity,
			Category:       rule.Category,
			Description:    desc,
			MetricValue:    metric,
			Threshold:      limit,
			Recommendation: rule.Recommendation,
		})
	}
	num := func(v float64) *float64 { return &v }

	if status >= 400 {
		add("http-status-error", fmt.Sprintf("Page responded with HTTP %d.", status), num(float64(status)), num(399))
	}
	if strings.Contains(f.MetaRobots, "noindex") {
		add("noindex", "Robots meta tag blocks indexing (noindex).", nil, nil)
	}
	titleLen := utf8.RuneCountInString(f.Title)
	switch {
	case titleLen == 0:
		add("missing-title", "Page has no <title>.", nil, nil)
	case titleLen > 60:
		add("title-too-long", fmt.Sprintf("Title is %d characters long.", titleLen), num(float64(titleLen)), num(60))
	case titleLen < 10:
		add("title-too-short", fmt.Sprintf("Title is only %d characters long.", titleLen), num(float64(titleLen)), num(10))
	}
	descLen := utf8.RuneCountInString(f.MetaDescription)
	switch {
	case descLen == 0:
		add("missing-meta-description", "Page has no meta description.", nil, nil)
	case descLen > 160:
		add("meta-description-too-long", fmt.Sprintf("Meta description is %d characters long.", descLen), num(float64(descLen)), num(160))
	}
	switch {
	case f.H1Count == 0:
		add("missing-h1", "Page has no <h1> heading.", num(0), num(1))
	case f.H1Count > 1:
		add("multiple-h1", fmt.Sprintf("Page has %d <h1> headings.", f.H1Count), num(float64(f.H1Count)), num(1))
	}
	if f.Canonical == "" {
		add("missing-canonical", "Page declares no canonical URL.", nil, nil)
	}
	if f.Lang == "" {
		add("missing-html-lang", "The <html> element has no lang attribute.", nil, nil)
	}
	if f.ImagesNoAlt > 0 {
		add("images-missing-alt", fmt.Sprintf("%d of %d images have no alt attribute.", f.ImagesNoAlt, f.Images), num(float64(f.ImagesNoAlt)), num(0))
	}
	if !robotsOK {
		add("robots-txt-missing", "robots.txt is not reachable.", nil, nil)
	}
	return out
}

func attr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
