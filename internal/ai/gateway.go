package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/mkarppi/telegram-qc-bot/internal/media"
	"github.com/mkarppi/telegram-qc-bot/internal/product"
)

// Mode selects the inference quality tier.
type Mode string

const (
	// ModeFast disables the model's thinking budget for quick answers.
	ModeFast Mode = "fast"
	// ModeDetailed requests a large reasoning budget. Substantially slower.
	ModeDetailed Mode = "detailed"
)

const (
	primaryModel  = "gemini-3-flash-preview"
	fallbackModel = "gemini-2.5-flash-lite"

	// Thinking budget (tokens) granted in detailed mode.
	detailedThinkingBudget = 8192

	// Most recent historical evidence images included in inspection requests.
	maxHistoryImages = 10
)

// IdentifyInput is the input to an identification request. Input is either a
// product page URL (IsURL) or an inline data-URI media item.
type IdentifyInput struct {
	Input string
	IsURL bool
	Mode  Mode
}

// InspectInput is the input to a QC inspection request.
type InspectInput struct {
	Details        product.Details
	ReferenceImage string
	PriorReports   []product.QCReport
	NewMedia       []string
	Mode           Mode
	Strict         bool
}

// ImageScraper resolves a representative image for a product page.
// Failures yield "".
type ImageScraper interface {
	RepresentativeImage(ctx context.Context, pageURL string) string
}

// generateFunc issues one model call. Swappable in tests.
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Gateway wraps the Gemini API for product identification and QC inspection.
type Gateway struct {
	client   *genai.Client
	scraper  ImageScraper
	generate generateFunc
}

// NewGateway creates a gateway authenticated with the given API key.
func NewGateway(ctx context.Context, apiKey string, scraper ImageScraper) (*Gateway, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("missing API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g := &Gateway{client: client, scraper: scraper}
	g.generate = func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return g.client.Models.GenerateContent(ctx, model, contents, config)
	}
	return g, nil
}

// requestConfig builds the per-call config: search grounding is always on,
// the thinking budget depends on the tier.
func requestConfig(thinking bool) *genai.GenerateContentConfig {
	budget := int32(0)
	if thinking {
		budget = detailedThinkingBudget
	}
	return &genai.GenerateContentConfig{
		Tools: []*genai.Tool{
			{GoogleSearch: &genai.GoogleSearch{}},
		},
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(budget),
		},
	}
}

// generateWithFallback runs the degrade-on-failure ladder:
//
//  1. Transient server fault (5xx) with thinking enabled -> retry the same
//     model with thinking disabled.
//  2. Quota exhaustion (429), or a server fault persisting after (1) -> if on
//     the primary model, retry once on the fallback model, thinking disabled.
//  3. Anything else, or exhaustion of the above -> propagate.
//
// Each step strictly narrows capability, so the ladder always terminates
// after at most two retries.
func (g *Gateway) generateWithFallback(ctx context.Context, contents []*genai.Content, mode Mode) (*genai.GenerateContentResponse, error) {
	model := primaryModel
	thinking := mode == ModeDetailed

	resp, err := g.generate(ctx, model, contents, requestConfig(thinking))
	if err == nil {
		return resp, nil
	}

	if thinking && isServerError(err) {
		log.Warn().Err(err).Str("model", model).Msg("server error with thinking enabled, retrying without thinking")
		thinking = false
		resp, err = g.generate(ctx, model, contents, requestConfig(false))
		if err == nil {
			return resp, nil
		}
	}

	if (isRateLimited(err) || isServerError(err)) && model == primaryModel {
		log.Warn().Err(err).Str("model", model).Str("fallbackModel", fallbackModel).Msg("retrying on fallback model")
		resp, err = g.generate(ctx, fallbackModel, contents, requestConfig(false))
		if err == nil {
			return resp, nil
		}
	}

	return nil, fmt.Errorf("model call failed: %w", err)
}

func isServerError(err error) bool {
	var apiErr genai.APIError
	return errors.As(err, &apiErr) && apiErr.Code >= 500 && apiErr.Code < 600
}

func isRateLimited(err error) bool {
	var apiErr genai.APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests
}

// Identify infers product details from a photo or product page URL. In URL
// mode the page's social-preview image is scraped concurrently with the model
// call to hide latency.
func (g *Gateway) Identify(ctx context.Context, in IdentifyInput) (*product.Details, error) {
	var parts []*genai.Part

	if in.IsURL {
		parts = append(parts, genai.NewPartFromText(fmt.Sprintf(identifyURLPrompt, in.Input)))
	} else {
		parts = append(parts, genai.NewPartFromText(identifyMediaPrompt))
		blob, err := inlineBlob(in.Input)
		if err != nil {
			return nil, fmt.Errorf("invalid identification media: %w", err)
		}
		parts = append(parts, blob)
	}

	// Kick off the scrape before suspending on the model call.
	scraped := make(chan string, 1)
	if in.IsURL && g.scraper != nil {
		go func() {
			scraped <- g.scraper.RepresentativeImage(ctx, in.Input)
		}()
	} else {
		scraped <- ""
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	started := time.Now()
	resp, err := g.generateWithFallback(ctx, contents, in.Mode)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from model")
	}

	raw, err := parseIdentifyResponse(resp.Text())
	if err != nil {
		return nil, err
	}

	details := raw.toDetails()
	citations := groundingLinks(resp)
	details.ProductURL = resolveProductURL(in, raw.ProductURL, citations, details)
	details.ImageURL = resolveImageURL(in, <-scraped, raw.ImageURL, citations)

	logUsage(resp, "identify", time.Since(started))
	return &details, nil
}

// Inspect compares new evidence media against the reference item and prior
// inspection history, producing a structured QC report.
func (g *Gateway) Inspect(ctx context.Context, in InspectInput) (*product.QCReport, error) {
	if len(in.NewMedia) == 0 {
		return nil, fmt.Errorf("no evidence media provided")
	}

	mapping, blobs, err := buildInspectionMedia(in)
	if err != nil {
		return nil, err
	}

	persona := ""
	if in.Strict {
		persona = strictPersona
	}

	prompt := fmt.Sprintf(inspectPrompt,
		in.Details.Name, in.Details.SKU, in.Details.Category, in.Details.Material,
		mapping, persona)

	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	parts = append(parts, blobs...)
	if digest := historyDigest(in.PriorReports); digest != "" {
		parts = append(parts, genai.NewPartFromText(digest))
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	started := time.Now()
	resp, err := g.generateWithFallback(ctx, contents, in.Mode)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from model")
	}

	report, err := parseInspectResponse(resp.Text())
	if err != nil {
		return nil, err
	}

	report.ID = uuid.NewString()
	report.CreatedAt = time.Now()
	report.Images = in.NewMedia
	report.StrictMode = in.Strict

	logUsage(resp, "inspect", time.Since(started))
	return report, nil
}

// buildInspectionMedia assembles the strict index mapping text and the inline
// blobs: reference image first, then the new evidence, then up to
// maxHistoryImages of the most recent historical evidence. SVG placeholders
// are skipped since they are not valid inspection input.
func buildInspectionMedia(in InspectInput) (string, []*genai.Part, error) {
	var lines []string
	var blobs []*genai.Part
	index := 1

	if in.ReferenceImage != "" && !media.IsVectorPlaceholder(in.ReferenceImage) {
		blob, err := inlineBlob(in.ReferenceImage)
		if err != nil {
			return "", nil, fmt.Errorf("invalid reference image: %w", err)
		}
		blobs = append(blobs, blob)
		lines = append(lines, fmt.Sprintf("- Image %d: CANONICAL REFERENCE of the authentic product. Not the item under test.", index))
		index++
	}

	for _, m := range in.NewMedia {
		if media.IsVectorPlaceholder(m) {
			continue
		}
		blob, err := inlineBlob(m)
		if err != nil {
			return "", nil, fmt.Errorf("invalid evidence media: %w", err)
		}
		blobs = append(blobs, blob)
		lines = append(lines, fmt.Sprintf("- Image %d: NEW EVIDENCE of the physical item under inspection.", index))
		index++
	}

	for _, m := range historyImages(in.PriorReports) {
		blob, err := inlineBlob(m)
		if err != nil {
			continue
		}
		blobs = append(blobs, blob)
		lines = append(lines, fmt.Sprintf("- Image %d: HISTORICAL evidence from a prior inspection.", index))
		index++
	}

	return strings.Join(lines, "\n"), blobs, nil
}

// historyDigest summarizes prior reports chronologically (oldest first) so
// the model can weigh recurring observations.
func historyDigest(reports []product.QCReport) string {
	if len(reports) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(historyHeader)
	// Reports are stored newest-first; walk backwards for chronology.
	for i := len(reports) - 1; i >= 0; i-- {
		r := reports[i]
		sb.WriteString(fmt.Sprintf("\n- %s: %s, score %d/100. %s",
			r.CreatedAt.Format("2006-01-02"), r.Status, r.OverallScore, r.Summary))
	}
	return sb.String()
}

// historyImages returns the most recent historical evidence images, capped
// at maxHistoryImages to bound payload size.
func historyImages(reports []product.QCReport) []string {
	var imgs []string
	for _, r := range reports { // newest first
		for _, m := range r.Images {
			if media.IsVectorPlaceholder(m) || !media.IsImage(m) {
				continue
			}
			imgs = append(imgs, m)
			if len(imgs) == maxHistoryImages {
				return imgs
			}
		}
	}
	return imgs
}

// inlineBlob converts a data URI into an inline media part.
func inlineBlob(dataURI string) (*genai.Part, error) {
	mimeType, payload, err := media.Decode(dataURI)
	if err != nil {
		return nil, err
	}
	if mimeType == "image/svg+xml" {
		return nil, fmt.Errorf("vector placeholder is not valid model input")
	}
	return &genai.Part{InlineData: &genai.Blob{Data: payload, MIMEType: mimeType}}, nil
}

// groundingLinks extracts web citation URLs from the response's grounding
// metadata, in order.
func groundingLinks(resp *genai.GenerateContentResponse) []string {
	var links []string
	for _, cand := range resp.Candidates {
		if cand.GroundingMetadata == nil {
			continue
		}
		for _, chunk := range cand.GroundingMetadata.GroundingChunks {
			if chunk.Web != nil && chunk.Web.URI != "" {
				links = append(links, chunk.Web.URI)
			}
		}
	}
	return links
}

func logUsage(resp *genai.GenerateContentResponse, op string, elapsed time.Duration) {
	if resp.UsageMetadata == nil {
		return
	}
	log.Info().
		Str("op", op).
		Int32("inputTokens", resp.UsageMetadata.PromptTokenCount).
		Int32("outputTokens", resp.UsageMetadata.CandidatesTokenCount).
		Int32("totalTokens", resp.UsageMetadata.TotalTokenCount).
		Dur("elapsed", elapsed).
		Msg("llm call")
}
