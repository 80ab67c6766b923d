package database

// ContentItem is one stored content body for a (content id, tone, language) key.
type ContentItem struct {
	ContentID  string
	Tone       string
	Language   string
	Type       string
	Title      *string
	Body       string
	Metadata   *string // JSON, scenario category/description/sections
	Origin     string  // "authored" or "generated"
	Confidence *float64
	UpdatedAt  *string
}

// SourceDocument is ingested reference material used to ground generated content.
type SourceDocument struct {
	ID             int64
	URL            string
	Title          string
	Source         *string
	PublishedDate  *string
	Content        *string
	ContentFetched bool
	CollectedAt    *string
}

// Report is a persisted composed report. Rows are never updated.
type Report struct {
	ID              string
	SessionID       string
	RunID           string
	Tone            string
	ScenarioID      string
	Confidence      string
	Outcome         string
	Deliverable     bool
	FactCheckScore  float64
	FactCheckPassed bool
	BodyMarkdown    string
	ReportJSON      string
	CreatedAt       *string
}

// AuditRecord is the serialized audit trail of one report run.
type AuditRecord struct {
	ReportID   string
	SessionID  string
	RunID      string
	RecordJSON string
	CreatedAt  *string
}

// GapResult logs the final state of one content gap.
type GapResult struct {
	ID         int64
	RunID      string
	ContentID  string
	Tone       string
	Language   string
	State      string
	Attempts   int
	Confidence *float64
	Warning    *string
	Error      *string
	RecordedAt *string
}

// Stats contains aggregate database statistics.
type Stats struct {
	ContentItems       int
	GeneratedItems     int
	SourceDocuments    int
	SourcesWithContent int
	Reports            int
	DeliverableReports int
	AuditRecords       int
	FailedGaps         int
}
