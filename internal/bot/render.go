package bot

import (
	"fmt"
	"strings"

	"github.com/mkarppi/telegram-qc-bot/internal/product"
)

var statusEmoji = map[product.ReportStatus]string{
	product.ReportPass:      "✅",
	product.ReportFail:      "❌",
	product.ReportWarning:   "⚠️",
	product.ReportNeedsInfo: "❓",
}

func renderProductList(products []product.Product) string {
	if len(products) == 0 {
		return "No products yet. Send a photo or URL to identify one."
	}

	var sb strings.Builder
	sb.WriteString("*Your products:*\n")
	for i, p := range products {
		fmt.Fprintf(&sb, "\n%d. *%s* (%s)", i+1, escapeMarkdown(p.Details.Name), escapeMarkdown(p.Details.SKU))
		if p.Active() {
			fmt.Fprintf(&sb, " - %s %d%%", p.Status, p.Progress)
		} else if len(p.Reports) > 0 {
			latest := p.Reports[0]
			fmt.Fprintf(&sb, " - %s %s (%d/100, %d reports)",
				statusEmoji[latest.Status], latest.Status, latest.OverallScore, len(p.Reports))
		}
	}
	sb.WriteString("\n\n/qc <n> to inspect, /delete <n> to remove.")
	return sb.String()
}

func renderIdentification(p product.Product) string {
	if p.Status == product.StatusError {
		return fmt.Sprintf("Identification failed: %s", escapeMarkdown(p.Error))
	}

	d := p.Details
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*\n", escapeMarkdown(d.Name))
	if d.SKU != "" {
		fmt.Fprintf(&sb, "SKU: `%s`\n", d.SKU)
	}
	if d.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", escapeMarkdown(d.Category))
	}
	if d.Material != "" {
		fmt.Fprintf(&sb, "Material: %s\n", escapeMarkdown(d.Material))
	}
	if d.EstimatedCost != "" {
		fmt.Fprintf(&sb, "Estimated cost: %s\n", escapeMarkdown(d.EstimatedCost))
	}
	if d.Retailer != "" {
		fmt.Fprintf(&sb, "Retailer: %s\n", escapeMarkdown(d.Retailer))
	}
	if d.Description != "" {
		fmt.Fprintf(&sb, "\n%s\n", escapeMarkdown(d.Description))
	}
	if d.ProductURL != "" {
		fmt.Fprintf(&sb, "\n%s\n", d.ProductURL)
	}
	sb.WriteString("\nRun /qc when you receive the item to inspect it.")
	return sb.String()
}

func renderReport(p product.Product) string {
	if p.Status == product.StatusError {
		return fmt.Sprintf("QC analysis failed: %s", escapeMarkdown(p.Error))
	}
	if len(p.Reports) == 0 {
		return "No report was produced."
	}
	r := p.Reports[0]

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *QC %s* - %d/100\n", statusEmoji[r.Status], r.Status, r.OverallScore)
	fmt.Fprintf(&sb, "_%s_\n", escapeMarkdown(p.Details.Name))
	if r.StrictMode {
		sb.WriteString("(strict persona)\n")
	}
	fmt.Fprintf(&sb, "\n%s\n", escapeMarkdown(r.Summary))

	for _, s := range r.Sections {
		fmt.Fprintf(&sb, "\n*%s* - %d/100 (%s)\n", escapeMarkdown(s.Title), s.Score, s.Status)
		for _, d := range s.Details {
			fmt.Fprintf(&sb, "  • %s\n", escapeMarkdown(d))
		}
	}

	if len(r.Faults) > 0 {
		sb.WriteString("\n*Faults:*\n")
		for _, f := range r.Faults {
			fmt.Fprintf(&sb, "  • [%s] %s: %s\n",
				f.Severity, escapeMarkdown(f.Location), escapeMarkdown(f.Issue))
		}
	}

	if r.FollowUp.Required {
		sb.WriteString("\n*More info needed:* ")
		sb.WriteString(escapeMarkdown(r.FollowUp.MissingInfo))
		sb.WriteString("\n")
		if len(r.FollowUp.SuggestedAngles) > 0 {
			sb.WriteString("Suggested photo angles: ")
			sb.WriteString(escapeMarkdown(strings.Join(r.FollowUp.SuggestedAngles, ", ")))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// escapeMarkdown escapes characters with meaning in Telegram's legacy
// Markdown mode.
func escapeMarkdown(text string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"`", "\\`",
		"[", "\\[",
	)
	return replacer.Replace(text)
}
