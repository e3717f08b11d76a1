package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/mkarppi/telegram-qc-bot/internal/product"
)

// ErrUnparsable marks a model response that yielded no usable JSON. Callers
// can detect it with errors.Is to distinguish parse failures from transport
// failures.
var ErrUnparsable = errors.New("unparsable model response")

// extractJSONObject extracts a JSON object from text that may contain
// markdown code blocks or surrounding prose, by locating the first '{' and
// the last '}'. Returns an error when no object span exists.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("%w: no JSON object found in: %s", ErrUnparsable, text)
	}
	return text[start : end+1], nil
}

// identifyResponse is the model's claimed identification, before
// post-processing.
type identifyResponse struct {
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	Material      string `json:"material"`
	EstimatedCost string `json:"estimatedCost"`
	Retailer      string `json:"retailer"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	ProductURL    string `json:"productUrl"`
	ImageURL      string `json:"imageUrl"`
}

func (r identifyResponse) toDetails() product.Details {
	return product.Details{
		SKU:           r.SKU,
		Name:          r.Name,
		Material:      r.Material,
		EstimatedCost: NormalizeCost(r.EstimatedCost),
		Retailer:      r.Retailer,
		Description:   r.Description,
		Category:      r.Category,
	}
}

func parseIdentifyResponse(text string) (*identifyResponse, error) {
	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identification response: %w", err)
	}
	var resp identifyResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse identification response: %w: %w (response: %s)", ErrUnparsable, err, jsonStr)
	}
	return &resp, nil
}

// stringList accepts either a JSON array of strings or a bare string, which
// the model occasionally returns for single-entry detail lists.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	return fmt.Errorf("details is neither a string nor a string array: %s", data)
}

// flexBool coerces the model's idea of a boolean ("true", 1, true) into one.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = flexBool(strings.EqualFold(strings.TrimSpace(s), "true"))
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = flexBool(n != 0)
		return nil
	}
	*b = false
	return nil
}

type inspectSection struct {
	Title   string     `json:"title"`
	Score   int        `json:"score"`
	Status  string     `json:"status"`
	Details stringList `json:"details"`
}

type inspectFollowUp struct {
	Required        flexBool `json:"required"`
	MissingInfo     string   `json:"missingInfo"`
	SuggestedAngles []string `json:"suggestedAngles"`
}

type inspectResponse struct {
	Status       string           `json:"status"`
	OverallScore int              `json:"overallScore"`
	Summary      string           `json:"summary"`
	Faults       []product.Fault  `json:"faults"`
	Sections     []inspectSection `json:"sections"`
	FollowUp     *inspectFollowUp `json:"followUp"`
}

// parseInspectResponse parses and normalizes an inspection response:
// sections[].details is always a list of strings, followUp defaults to
// {required:false} when omitted.
func parseInspectResponse(text string) (*product.QCReport, error) {
	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inspection response: %w", err)
	}
	var resp inspectResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse inspection response: %w: %w (response: %s)", ErrUnparsable, err, jsonStr)
	}

	report := &product.QCReport{
		Status:       product.ReportStatus(resp.Status),
		OverallScore: resp.OverallScore,
		Summary:      resp.Summary,
		Faults:       resp.Faults,
	}
	for _, s := range resp.Sections {
		details := []string(s.Details)
		if details == nil {
			details = []string{}
		}
		report.Sections = append(report.Sections, product.Section{
			Title:   s.Title,
			Score:   s.Score,
			Status:  product.SectionStatus(s.Status),
			Details: details,
		})
	}
	if resp.FollowUp != nil {
		report.FollowUp = product.FollowUp{
			Required:        bool(resp.FollowUp.Required),
			MissingInfo:     resp.FollowUp.MissingInfo,
			SuggestedAngles: resp.FollowUp.SuggestedAngles,
		}
	}
	return report, nil
}

// NormalizeCost renders an estimated cost as "$X,XXX": US dollars, thousands
// separators, no decimals. Accepts whatever shape the model produced
// ("1200", "$1200.50", "USD 1,200"). Returns "" when no number is present.
func NormalizeCost(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, raw)
	if cleaned == "" {
		return ""
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return ""
	}
	return "$" + formatThousands(int64(math.Round(value)))
}

func formatThousands(n int64) string {
	if n < 0 {
		return "-" + formatThousands(-n)
	}
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var sb strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		sb.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}

// resolveProductURL picks the authoritative product URL. In URL mode it is
// always the original input, never model output. In media mode: the model's
// claim if absolute, else the first absolute grounding citation, else a
// constructed search query as last resort.
func resolveProductURL(in IdentifyInput, claimed string, citations []string, details product.Details) string {
	if in.IsURL {
		return in.Input
	}
	if isAbsoluteHTTP(claimed) {
		return claimed
	}
	for _, link := range citations {
		if isAbsoluteHTTP(link) {
			return link
		}
	}
	query := strings.TrimSpace(details.Name + " " + details.SKU)
	return "https://www.google.com/search?q=" + url.QueryEscape(query)
}

// resolveImageURL picks a representative image URL by priority: the
// concurrent page scrape (URL mode), the model's claim if absolute, then the
// first grounding citation that links directly to an image file.
func resolveImageURL(in IdentifyInput, scraped, claimed string, citations []string) string {
	if in.IsURL && scraped != "" {
		return scraped
	}
	if isAbsoluteHTTP(claimed) {
		return claimed
	}
	for _, link := range citations {
		if isAbsoluteHTTP(link) && hasImageExtension(link) {
			return link
		}
	}
	return ""
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func hasImageExtension(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif":
		return true
	}
	return false
}
