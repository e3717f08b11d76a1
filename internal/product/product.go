package product

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus tracks whether an AI operation is outstanding for a product.
type ProcessingStatus string

const (
	StatusIdle        ProcessingStatus = "idle"
	StatusIdentifying ProcessingStatus = "identifying"
	StatusAnalyzing   ProcessingStatus = "analyzing"
	StatusError       ProcessingStatus = "error"
)

// ReportStatus is the overall verdict of a QC report.
type ReportStatus string

const (
	ReportPass      ReportStatus = "PASS"
	ReportFail      ReportStatus = "FAIL"
	ReportWarning   ReportStatus = "WARNING"
	ReportNeedsInfo ReportStatus = "NEEDS_INFO"
)

// SectionStatus is the verdict of a single report section.
type SectionStatus string

const (
	SectionPass    SectionStatus = "PASS"
	SectionFail    SectionStatus = "FAIL"
	SectionWarning SectionStatus = "WARNING"
	SectionInfo    SectionStatus = "INFO"
)

// Severity classifies a flagged fault.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityCritical Severity = "critical"
)

// Sentinel values written into Details when identification fails, so the
// product stays visible and retriable instead of disappearing.
const (
	FailedName = "Identification Failed"
	FailedSKU  = "ERROR"
)

// Placeholder values shown while identification is in flight.
const (
	PlaceholderName = "Identifying..."
	PlaceholderSKU  = "PENDING"
)

// Details is the identification result for a product. It is re-derived as a
// whole on each identification, never incrementally mutated.
type Details struct {
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	Material      string `json:"material"`
	EstimatedCost string `json:"estimatedCost"`
	Retailer      string `json:"retailer"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	ProductURL    string `json:"productUrl,omitempty"`
	ImageURL      string `json:"imageUrl,omitempty"`
}

// Fault is a single flagged defect in a QC report.
type Fault struct {
	Location string   `json:"location"`
	Issue    string   `json:"issue"`
	Severity Severity `json:"severity"`
}

// Section is one scored area of a QC report.
type Section struct {
	Title   string        `json:"title"`
	Score   int           `json:"score"`
	Status  SectionStatus `json:"status"`
	Details []string      `json:"details"`
}

// FollowUp describes additional evidence the model asked for.
type FollowUp struct {
	Required        bool     `json:"required"`
	MissingInfo     string   `json:"missingInfo,omitempty"`
	SuggestedAngles []string `json:"suggestedAngles,omitempty"`
}

// QCReport is one inspection result. Reports are immutable once created and
// only ever prepended to a product's report list.
type QCReport struct {
	ID           string       `json:"id"`
	CreatedAt    time.Time    `json:"createdAt"`
	Status       ReportStatus `json:"status"`
	OverallScore int          `json:"overallScore"`
	Summary      string       `json:"summary"`
	Faults       []Fault      `json:"faults"`
	Sections     []Section    `json:"sections"`
	FollowUp     FollowUp     `json:"followUp"`
	Images       []string     `json:"images,omitempty"`
	StrictMode   bool         `json:"strictMode"`
}

// Product is the root aggregate. MainImage and report images hold inline
// data-URI media; the store strips them into a side table on save.
type Product struct {
	ID        string           `json:"id"`
	OwnerID   int64            `json:"ownerId"`
	MainImage string           `json:"mainImage,omitempty"`
	Details   Details          `json:"details"`
	Reports   []QCReport       `json:"reports"`
	CreatedAt time.Time        `json:"createdAt"`
	Status    ProcessingStatus `json:"processingStatus"`
	Progress  int              `json:"progress"`
	Error     string           `json:"error,omitempty"`
}

// New creates a product with placeholder details and the identifying status.
// The id is assigned here, before any network round-trip, so the product can
// be shown and persisted optimistically.
func New(ownerID int64, mainImage string) *Product {
	return &Product{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		MainImage: mainImage,
		Details: Details{
			Name: PlaceholderName,
			SKU:  PlaceholderSKU,
		},
		CreatedAt: time.Now(),
		Status:    StatusIdentifying,
		Progress:  0,
	}
}

// Active reports whether an AI operation is currently outstanding.
func (p *Product) Active() bool {
	return p.Status == StatusIdentifying || p.Status == StatusAnalyzing
}

// PrependReport inserts a report at the head of the list (newest first).
func (p *Product) PrependReport(r QCReport) {
	p.Reports = append([]QCReport{r}, p.Reports...)
}
