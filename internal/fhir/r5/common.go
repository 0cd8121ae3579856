// Package r5 provides the FHIR R5 data structures the dosing API accepts.
package r5

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Source      string   `json:"source,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstCode returns the first non-empty coding code, or the text.
func (c *CodeableConcept) FirstCode() string {
	if c == nil {
		return ""
	}
	for _, coding := range c.Coding {
		if coding.Code != "" {
			return coding.Code
		}
	}
	return c.Text
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// DateTime is a FHIR date or dateTime. Both "2024-01-15" and
// "2024-01-15T09:30:00Z" are accepted.
type DateTime string

// Date returns the calendar date. For a dateTime the date is taken in the
// offset the value was written with.
func (d DateTime) Date() (civil.Date, error) {
	s := string(d)
	if len(s) == len("2006-01-02") {
		return civil.ParseDate(s)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("parse dateTime %q: %w", s, err)
	}
	return civil.DateOf(t), nil
}

// IsZero reports whether no value was supplied
func (d DateTime) IsZero() bool { return d == "" }

// Period represents a time period.
type Period struct {
	Start DateTime `json:"start,omitempty"`
	End   DateTime `json:"end,omitempty"`
}

// Quantity represents a measured amount. Value keeps the exact decimal
// written in the payload.
type Quantity struct {
	Value      *decimal.Decimal `json:"value,omitempty"`
	Comparator string           `json:"comparator,omitempty"`
	Unit       string           `json:"unit,omitempty"`
	System     string           `json:"system,omitempty"`
	Code       string           `json:"code,omitempty"`
}

// DisplayUnit prefers the human unit over the coded one
func (q *Quantity) DisplayUnit() string {
	if q.Unit != "" {
		return q.Unit
	}
	return q.Code
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string   `json:"authorString,omitempty"`
	Time         DateTime `json:"time,omitempty"`
	Text         string   `json:"text"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    IssueSeverityError,
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// Issue severities and the issue-type codes the API emits
const (
	IssueSeverityError       = "error"
	IssueSeverityInformation = "information"

	IssueTypeInvalid       = "invalid"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeException     = "exception"
	IssueTypeInformational = "informational"
)

// Common code systems
const (
	SystemRxNorm = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemNDC    = "http://hl7.org/fhir/sid/ndc"
	SystemUCUM   = "http://unitsofmeasure.org"
	// SystemTimingAbbreviation is the GTS abbreviation system used by Timing.code
	SystemTimingAbbreviation = "http://terminology.hl7.org/CodeSystem/v3-GTSAbbreviation"
)

// Common medication request statuses
const (
	StatusActive         = "active"
	StatusOnHold         = "on-hold"
	StatusCancelled      = "cancelled"
	StatusCompleted      = "completed"
	StatusEnteredInError = "entered-in-error"
	StatusStopped        = "stopped"
	StatusDraft          = "draft"
	StatusUnknown        = "unknown"
)
