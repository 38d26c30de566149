// Package models defines data structures shared by the pipeline stages.
package models

import "time"

// RawEvent represents one routing update in the append-only event log.
type RawEvent struct {
	ID           int64
	ObservedAt   time.Time
	Prefix       string
	OriginASN    uint32
	PeerASN      uint32
	ASPath       []uint32
	IsWithdrawal bool
}

// FeatureWindow is one tumbling-window aggregate for a (prefix, origin) key.
// Unique on (WindowStart, Prefix, OriginASN); produced by upsert only.
type FeatureWindow struct {
	WindowStart   time.Time
	WindowEnd     time.Time
	Prefix        string
	OriginASN     uint32
	AnnounceCount int
	WithdrawCount int
	DistinctPeers int
	DistinctPaths int
	AvgPathLen    float64
	LastSeen      time.Time
}

// Key returns the correlation key of the window.
func (w FeatureWindow) Key() CorrelationKey {
	return CorrelationKey{Prefix: w.Prefix, OriginASN: w.OriginASN, WindowStart: w.WindowStart}
}

// CorrelationKey identifies one unit of correlatable signal.
type CorrelationKey struct {
	Prefix      string
	OriginASN   uint32
	WindowStart time.Time
}

// Detection is one detector output record. Producers insert them; only the
// correlation engine ever sets Classification, Severity and Confidence,
// exactly once, from null.
type Detection struct {
	ID          int64
	ProducedAt  time.Time
	Prefix      string
	OriginASN   uint32
	WindowStart time.Time
	SourceKind  string
	EventType   string
	Severity    string
	Score       float64

	// Authority-based producers only.
	AuthorityStatus  string
	AuthorityAnomaly string

	// Opaque audit payload, never decision-relevant.
	Metadata map[string]interface{}

	// Set once by the correlation engine.
	Classification string
	Confidence     float64
}

// Key returns the correlation key of the detection.
func (d Detection) Key() CorrelationKey {
	return CorrelationKey{Prefix: d.Prefix, OriginASN: d.OriginASN, WindowStart: d.WindowStart}
}

// Checkpoint is the durable cursor of one stage. Cursor is Unix seconds for
// time-based stages and a detection id for the correlation engine.
type Checkpoint struct {
	Stage     string
	Cursor    int64
	UpdatedAt time.Time
}

// Severity levels
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// severityRank orders severities for comparisons. Unknown values rank lowest.
var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ValidSeverity reports whether s is a known severity level.
func ValidSeverity(s string) bool {
	_, ok := severityRank[s]
	return ok
}

// SeverityRank returns the numeric rank of a severity (0 for unknown).
func SeverityRank(s string) int {
	return severityRank[s]
}

// Detection source kinds
const (
	SourceRule      = "rule"
	SourceModel     = "model"
	SourceAuthority = "authority"
)

// ValidSourceKind reports whether k is a known detection source kind.
func ValidSourceKind(k string) bool {
	return k == SourceRule || k == SourceModel || k == SourceAuthority
}

// Authority (RPKI) validation statuses
const (
	AuthorityValid         = "valid"
	AuthorityInvalidOrigin = "invalid-origin"
	AuthorityInvalidLength = "invalid-length"
	AuthorityInvalid       = "invalid" // invalid for a reason other than origin or length
	AuthorityNotFound      = "not-found"
)

// Classifications
const (
	ClassNormal     = "NORMAL"
	ClassSuspicious = "SUSPICIOUS"
	ClassInvalid    = "INVALID"
	ClassLeak       = "LEAK"
	ClassHijack     = "HIJACK"
)

// Stage names used for checkpoints and leases.
const (
	StageAggregator        = "aggregator"
	StageCorrelator        = "correlator"
	StageProducerRule      = "producer_rule"
	StageProducerModel     = "producer_model"
	StageProducerAuthority = "producer_authority"
)
