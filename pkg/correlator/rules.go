package correlator

import (
	"fmt"
	"strings"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

// Group is all detections visible for one correlation key in one batch.
type Group struct {
	Key     models.CorrelationKey
	Members []models.Detection
}

// SourceKinds returns the number of distinct source kinds in the group.
func (g Group) SourceKinds() int {
	kinds := make(map[string]struct{}, 3)
	for _, d := range g.Members {
		kinds[d.SourceKind] = struct{}{}
	}
	return len(kinds)
}

func (g Group) hasAuthorityStatus(status string) bool {
	for _, d := range g.Members {
		if d.SourceKind == models.SourceAuthority && d.AuthorityStatus == status {
			return true
		}
	}
	return false
}

// hasAuthorityInvalidOther matches invalid authority statuses that are
// neither an origin mismatch nor a length violation.
func (g Group) hasAuthorityInvalidOther() bool {
	for _, d := range g.Members {
		if d.SourceKind != models.SourceAuthority {
			continue
		}
		s := d.AuthorityStatus
		if strings.HasPrefix(s, "invalid") &&
			s != models.AuthorityInvalidOrigin && s != models.AuthorityInvalidLength {
			return true
		}
	}
	return false
}

func (g Group) hasCriticalModelMember() bool {
	for _, d := range g.Members {
		if d.SourceKind == models.SourceModel && d.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}

// Outcome is the decision a rule assigns to every member of a group.
// Rules pin the output severity; member severities never leak through.
type Outcome struct {
	Classification string
	Severity       string
	Confidence     float64
}

// Rule is one entry of the priority-ordered decision table. A nil Match is
// a catch-all.
type Rule struct {
	Name    string
	Match   func(g Group) bool
	Outcome Outcome
}

// Policy is the ordered decision table applied to every group.
type Policy struct {
	rules []Rule
}

// DefaultPolicy returns the built-in decision table. Order is priority:
// authority verdicts first, then multi-source escalation, then the
// single-source default.
func DefaultPolicy() *Policy {
	return &Policy{rules: []Rule{
		{
			Name:    "authority-origin-mismatch",
			Match:   func(g Group) bool { return g.hasAuthorityStatus(models.AuthorityInvalidOrigin) },
			Outcome: Outcome{models.ClassHijack, models.SeverityCritical, 0.95},
		},
		{
			Name:    "authority-length-violation",
			Match:   func(g Group) bool { return g.hasAuthorityStatus(models.AuthorityInvalidLength) },
			Outcome: Outcome{models.ClassLeak, models.SeverityHigh, 0.90},
		},
		{
			Name:    "authority-invalid",
			Match:   func(g Group) bool { return g.hasAuthorityInvalidOther() },
			Outcome: Outcome{models.ClassInvalid, models.SeverityHigh, 0.85},
		},
		{
			Name:    "three-source-agreement",
			Match:   func(g Group) bool { return g.SourceKinds() >= 3 },
			Outcome: Outcome{models.ClassSuspicious, models.SeverityHigh, 0.85},
		},
		{
			Name:    "two-source-agreement",
			Match:   func(g Group) bool { return g.SourceKinds() == 2 },
			Outcome: Outcome{models.ClassSuspicious, models.SeverityMedium, 0.70},
		},
		{
			Name:    "single-model-critical",
			Match:   func(g Group) bool { return g.SourceKinds() == 1 && g.hasCriticalModelMember() },
			Outcome: Outcome{models.ClassSuspicious, models.SeverityMedium, 0.60},
		},
		{
			Name:    "single-source-default",
			Outcome: Outcome{models.ClassNormal, models.SeverityLow, 0.50},
		},
	}}
}

// Validate checks the decision table. A broken table is a configuration
// error and the engine refuses to start.
func (p *Policy) Validate() error {
	if len(p.rules) == 0 {
		return fmt.Errorf("policy: empty rule table")
	}
	validClasses := map[string]bool{
		models.ClassNormal: true, models.ClassSuspicious: true,
		models.ClassInvalid: true, models.ClassLeak: true, models.ClassHijack: true,
	}
	for i, r := range p.rules {
		if r.Name == "" {
			return fmt.Errorf("policy: rule %d has no name", i)
		}
		if !validClasses[r.Outcome.Classification] {
			return fmt.Errorf("policy: rule %s has unknown classification %q", r.Name, r.Outcome.Classification)
		}
		if !models.ValidSeverity(r.Outcome.Severity) {
			return fmt.Errorf("policy: rule %s has unknown severity %q", r.Name, r.Outcome.Severity)
		}
		if r.Outcome.Confidence < 0 || r.Outcome.Confidence > 1 {
			return fmt.Errorf("policy: rule %s confidence %v out of range", r.Name, r.Outcome.Confidence)
		}
	}
	last := p.rules[len(p.rules)-1]
	if last.Match != nil {
		return fmt.Errorf("policy: last rule %s must be a catch-all", last.Name)
	}
	return nil
}

// Classify applies the first matching rule, in table order. Deterministic:
// the same group always yields the same outcome.
func (p *Policy) Classify(g Group) (Outcome, string) {
	for _, r := range p.rules {
		if r.Match == nil || r.Match(g) {
			return r.Outcome, r.Name
		}
	}
	// Unreachable with a validated table.
	return Outcome{models.ClassNormal, models.SeverityLow, 0.50}, "fallback"
}

// malformedReason reports why a detection cannot be correlated, or "" when
// it is well-formed. Malformed rows are isolated, never fail their batch.
func malformedReason(d models.Detection) string {
	if d.Prefix == "" {
		return "missing prefix"
	}
	if d.WindowStart.IsZero() {
		return "missing window start"
	}
	if !models.ValidSourceKind(d.SourceKind) {
		return fmt.Sprintf("unknown source kind %q", d.SourceKind)
	}
	if !models.ValidSeverity(d.Severity) {
		return fmt.Sprintf("unknown severity %q", d.Severity)
	}
	return ""
}
