package memory

// MemoryType classifies a stored experience record.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
	MemoryRelational MemoryType = "relational"
)

// MemoryState is the coarse recency/importance tier of a record.
type MemoryState string

const (
	StateHot     MemoryState = "hot"
	StateWarm    MemoryState = "warm"
	StateCold    MemoryState = "cold"
	StateArchive MemoryState = "archive"
)

// OriginRole is the speaker role that produced the source event.
type OriginRole string

const (
	OriginUser      OriginRole = "user"
	OriginAssistant OriginRole = "assistant"
	OriginSystem    OriginRole = "system"
)

// EvidenceLevel grades how a record's content is supported.
type EvidenceLevel string

const (
	EvidenceVerified   EvidenceLevel = "verified"
	EvidenceDerived    EvidenceLevel = "derived"
	EvidenceUnverified EvidenceLevel = "unverified"
)

// Record roles distinguish the records a single log event may produce.
const (
	RoleMessage  = "message"
	RoleRelation = "relation"
	RoleFact     = "fact"
)

// MemoryRecord is the atomic unit of persona memory.
type MemoryRecord struct {
	ID                   string
	MemoryType           MemoryType
	Content              string
	Salience             float64
	State                MemoryState
	ActivationCount      int
	LastActivatedAtMS    int64
	EmotionScore         float64
	NarrativeScore       float64
	CredibilityScore     float64
	OriginRole           OriginRole
	SpeakerRelation      string
	EvidenceLevel        EvidenceLevel
	ExcludedFromRecall   bool
	ReconsolidationCount int
	SourceEventHash      string
	RecordRole           string
	ConflictKey          string
	CreatedAtMS          int64
	UpdatedAtMS          int64
	DeletedAtMS          int64
	Metadata             map[string]string
}

// Live reports whether the record may be considered by recall.
func (r MemoryRecord) Live() bool {
	return r.DeletedAtMS == 0 && !r.ExcludedFromRecall && r.State != StateArchive
}

// metaPolicyExcluded marks a record a policy event excluded. It survives
// archival so rehydration can put the exclusion back.
const metaPolicyExcluded = "policy_excluded"

// PolicyExcluded reports whether reconciliation last left the record excluded.
func (r MemoryRecord) PolicyExcluded() bool {
	return r.Metadata[metaPolicyExcluded] == "true"
}

// idleSinceMS is the reference point for idleness: last activation, else creation.
func (r MemoryRecord) idleSinceMS() int64 {
	if r.LastActivatedAtMS > 0 {
		return r.LastActivatedAtMS
	}
	return r.CreatedAtMS
}

// CandidateSource records which recall lane surfaced a candidate.
type CandidateSource string

const (
	SourceSalience CandidateSource = "salience"
	SourceKeyword  CandidateSource = "keyword"
	SourceBoth     CandidateSource = "both"
)

// Trace reasons for one candidate's inclusion or exclusion.
const (
	ReasonSelected      = "selected"
	ReasonRerankCeiling = "rerank_ceiling"
	ReasonItemBudget    = "inject_item_budget"
	ReasonCharBudget    = "inject_char_budget"
)

// TraceEntry is the per-candidate score breakdown of a recall call.
type TraceEntry struct {
	RecordID        string          `json:"record_id"`
	CandidateSource CandidateSource `json:"candidate_source"`
	SalienceLane    float64         `json:"salience_lane"`
	KeywordLane     float64         `json:"keyword_lane"`
	Activation      float64         `json:"activation"`
	Emotion         float64         `json:"emotion"`
	Narrative       float64         `json:"narrative"`
	Credibility     float64         `json:"credibility"`
	KeywordHits     int             `json:"keyword_hits"`
	StateBoost      float64         `json:"state_boost"`
	BothBonus       float64         `json:"both_bonus"`
	FinalScore      float64         `json:"final_score"`
	Chars           int             `json:"chars"`
	Reason          string          `json:"reason"`
}

// RecallTrace is the write-once audit record of one recall call.
type RecallTrace struct {
	ID          string       `json:"id"`
	Query       string       `json:"query"`
	SelectedIDs []string     `json:"selected_ids"`
	Entries     []TraceEntry `json:"entries"`
	Budget      RecallBudget `json:"budget"`
	StopReason  string       `json:"stop_reason,omitempty"`
	Navigation  bool         `json:"navigation"`
	CreatedAtMS int64        `json:"created_at_ms"`
}

// RecallBudget bounds one recall call. Zero fields take defaults.
type RecallBudget struct {
	MaxItems          int   `json:"max_items"`
	MaxChars          int   `json:"max_chars"`
	SalienceLaneLimit int   `json:"salience_lane_limit"`
	KeywordLaneLimit  int   `json:"keyword_lane_limit"`
	RerankCeiling     int   `json:"rerank_ceiling"`
	NowMS             int64 `json:"-"`
}

// RecallResult is returned to the turn orchestrator.
type RecallResult struct {
	SelectedContents []string
	SelectedIDs      []string
	TraceID          string
	Trace            RecallTrace
}

// ArchiveSegmentSchema tags every line of an archive segment file.
const ArchiveSegmentSchema = "archive.segment.v1"

// ArchiveSegment is an immutable off-line file of evicted record snapshots.
type ArchiveSegment struct {
	SegmentKey  string
	Path        string
	RecordIDs   []string
	Schema      string
	Checksum    string
	CreatedAtMS int64
}

// ConsolidationMode selects the extraction path requested for a run.
type ConsolidationMode string

const (
	ModePattern  ConsolidationMode = "pattern"
	ModeSemantic ConsolidationMode = "semantic"
)

// FactCandidate is a durable fact proposed by an extraction path.
type FactCandidate struct {
	Content          string             `json:"content"`
	Salience         float64            `json:"salience"`
	SalienceVector   map[string]float64 `json:"salience_vector,omitempty"`
	EmotionScore     float64            `json:"emotion_score,omitempty"`
	NarrativeScore   float64            `json:"narrative_score,omitempty"`
	EvidenceLevel    EvidenceLevel      `json:"evidence_level"`
	CredibilityScore float64            `json:"credibility_score"`
	ConflictKey      string             `json:"conflict_key,omitempty"`
	OriginRole       OriginRole         `json:"origin_role,omitempty"`
	SourceRecordID   string             `json:"source_record_id,omitempty"`
	Accepted         bool               `json:"accepted"`
	Reason           string             `json:"reason,omitempty"`
	RecordID         string             `json:"record_id,omitempty"`
}

// ConsolidationRun is the append-only audit record of one consolidation pass.
type ConsolidationRun struct {
	ID             string
	Trigger        string
	ModeRequested  ConsolidationMode
	Path           ConsolidationMode
	FallbackReason string
	Candidates     []FactCandidate
	Inserted       int
	Superseded     int
	FromLog        bool
	WatermarkMS    int64
	WatermarkID    string
	LogOffset      int
	CreatedAtMS    int64
}

// ConsolidationCursor is the position the next run of a source resumes
// from. Record runs order by (CreatedAtMS, RecordID); log runs count events
// consumed in file order.
type ConsolidationCursor struct {
	CreatedAtMS int64
	RecordID    string
	LogOffset   int
}
