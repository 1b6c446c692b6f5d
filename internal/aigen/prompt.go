package aigen

import (
	"fmt"
	"strconv"
	"strings"
)

func BuildPrompt(pc PromptContext) string {
	var b strings.Builder
	b.WriteString("You are a technical SEO consultant. Write a concise, actionable fix for the issue below.\n")
	b.WriteString("Answer in Markdown with a short explanation followed by concrete steps or code.\n\n")
	if pc.TargetURL != "" {
		fmt.Fprintf(&b, "Page: %s\n", pc.TargetURL)
	}
	if pc.AuditType != "" {
		fmt.Fprintf(&b, "Audit: %s\n", pc.AuditType)
	}
	fmt.Fprintf(&b, "Issue: %s (severity %s, category %s)\n", pc.Code, pc.Severity, pc.Category)
	if pc.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", pc.Description)
	}
	if pc.MetricValue != nil {
		line := "Measured: " + formatNumber(*pc.MetricValue)
		if pc.Threshold != nil {
			line += " (threshold " + formatNumber(*pc.Threshold) + ")"
		}
		b.WriteString(line + "\n")
	}
	if pc.Recommendation != "" {
		fmt.Fprintf(&b, "Baseline recommendation: %s\n", pc.Recommendation)
	}
	return b.String()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
