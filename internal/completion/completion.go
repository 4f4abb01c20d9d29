// Package completion implements the contract by which the agent declares a
// task finished: extraction of the structured block from raw output,
// structural parsing, and business validation against the task and the
// feedback loop results.
//
// Everything here is pure. Malformed input never produces an error from
// Detect; it is reported as "not complete" so the loop can retry.
package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/imkarma/ralph/internal/apperr"
	"github.com/imkarma/ralph/internal/store"
)

// Protocol constants.
const (
	StartMarker = "<completion>"
	EndMarker   = "</completion>"
	LegacySigil = "<promise>COMPLETE</promise>"
	SignalType  = "BATTLE_COMPLETE"
	Version     = 1
)

// ErrMalformed is wrapped by every Parse failure.
var ErrMalformed = errors.New("malformed completion signal")

// Confidence is the agent's self-assessed certainty.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// CriterionClaim is the agent's claim about one acceptance criterion.
type CriterionClaim struct {
	Criterion string `json:"criterion"`
	Met       bool   `json:"met"`
	Evidence  string `json:"evidence,omitempty"`
}

// Signal is the agent's self-declared completion claim.
type Signal struct {
	Type                  string           `json:"type"`
	Version               int              `json:"version"`
	TaskID                string           `json:"taskId"`
	Summary               string           `json:"summary,omitempty"`
	AcceptanceCriteriaMet []CriterionClaim `json:"acceptanceCriteriaMet"`
	FilesChanged          []string         `json:"filesChanged"`
	TestsAdded            int              `json:"testsAdded"`
	Confidence            Confidence       `json:"confidence"`
	Notes                 string           `json:"notes,omitempty"`
}

// Validation is the derived business verdict on a Signal. Never persisted.
type Validation struct {
	Valid            bool     `json:"valid"`
	CriteriaFullyMet bool     `json:"criteriaFullyMet"`
	FeedbackPassing  bool     `json:"feedbackPassing"`
	Errors           []string `json:"errors"`
}

// Kind tells how completion was (or was not) detected.
type Kind string

const (
	KindStructured Kind = "structured"
	KindLegacy     Kind = "legacy"
	KindInvalid    Kind = "invalid" // Block found but unparsable or schema-invalid
	KindNone       Kind = "none"
)

// Detection is the result of scanning one iteration's output.
type Detection struct {
	Detected   bool        `json:"detected"`
	Kind       Kind        `json:"kind"`
	Signal     *Signal     `json:"signal,omitempty"`
	Validation *Validation `json:"validation,omitempty"`
	RawBlock   string      `json:"rawBlock,omitempty"`
	ParseError string      `json:"parseError,omitempty"`
}

// Complete reports whether the detection should end the battle: a legacy
// sigil with no failing feedback loop, or a structured signal whose
// validation passed.
func (d Detection) Complete() bool {
	if !d.Detected {
		return false
	}
	if d.Kind == KindLegacy {
		return d.Validation == nil || d.Validation.Valid
	}
	return d.Validation != nil && d.Validation.Valid
}

// Extract returns the trimmed text of the last well-ordered completion block.
func Extract(output string) (string, bool) {
	end := strings.LastIndex(output, EndMarker)
	if end < 0 {
		return "", false
	}
	start := strings.LastIndex(output[:end], StartMarker)
	if start < 0 {
		return "", false
	}
	return strings.TrimSpace(output[start+len(StartMarker) : end]), true
}

// Parse decodes and structurally validates a raw completion block.
func Parse(raw string) (*Signal, error) {
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, ErrMalformed, "invalid JSON: %v", err)
	}
	if !IsSignal(generic) {
		return nil, apperr.Wrap(apperr.CodeValidation, ErrMalformed, "schema mismatch")
	}

	var sig Signal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, ErrMalformed, "decode: %v", err)
	}
	if sig.AcceptanceCriteriaMet == nil {
		sig.AcceptanceCriteriaMet = []CriterionClaim{}
	}
	if sig.FilesChanged == nil {
		sig.FilesChanged = []string{}
	}
	return &sig, nil
}

// IsSignal reports whether a decoded JSON object has every field of a
// completion signal typed exactly as the protocol requires.
func IsSignal(m map[string]any) bool {
	if m == nil {
		return false
	}
	if s, ok := m["type"].(string); !ok || s != SignalType {
		return false
	}
	if v, ok := m["version"].(float64); !ok || v != Version {
		return false
	}
	if _, ok := m["taskId"].(string); !ok {
		return false
	}
	if !optionalString(m, "summary") || !optionalString(m, "notes") {
		return false
	}

	claims, ok := m["acceptanceCriteriaMet"].([]any)
	if !ok {
		return false
	}
	for _, c := range claims {
		entry, ok := c.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := entry["criterion"].(string); !ok {
			return false
		}
		if _, ok := entry["met"].(bool); !ok {
			return false
		}
		if !optionalString(entry, "evidence") {
			return false
		}
	}

	files, ok := m["filesChanged"].([]any)
	if !ok {
		return false
	}
	for _, f := range files {
		if _, ok := f.(string); !ok {
			return false
		}
	}

	n, ok := m["testsAdded"].(float64)
	if !ok || n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
		return false
	}

	switch Confidence(asString(m["confidence"])) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		return false
	}
	return true
}

// optionalString accepts an absent or null key, or a string value.
func optionalString(m map[string]any, key string) bool {
	v, present := m[key]
	if !present || v == nil {
		return true
	}
	_, ok := v.(string)
	return ok
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// Validate checks a structurally valid signal against the task it claims
// to complete and the latest feedback loop results. Each failing check
// contributes exactly one error string.
func Validate(sig *Signal, task *store.Task, feedback map[string]store.FeedbackResult) Validation {
	errs := []string{}

	if sig.TaskID != task.ID {
		errs = append(errs, fmt.Sprintf("task ID mismatch: expected %q, got %q", task.ID, sig.TaskID))
	}

	unmet := 0
	claimed := make(map[string]bool, len(sig.AcceptanceCriteriaMet))
	for _, c := range sig.AcceptanceCriteriaMet {
		claimed[c.Criterion] = true
		if !c.Met {
			unmet++
		}
	}
	if unmet > 0 {
		errs = append(errs, fmt.Sprintf("%d criteria marked as not met", unmet))
	}

	missing := 0
	for _, c := range task.AcceptanceCriteria {
		if !claimed[c] {
			missing++
		}
	}
	if missing > 0 {
		errs = append(errs, fmt.Sprintf("%d criteria not addressed in completion signal", missing))
	}

	failing := failingLoops(feedback)
	if len(failing) > 0 {
		errs = append(errs, feedbackError(failing))
	}

	return Validation{
		Valid:            len(errs) == 0,
		CriteriaFullyMet: unmet == 0 && missing == 0,
		FeedbackPassing:  len(failing) == 0,
		Errors:           errs,
	}
}

// failingLoops returns the sorted names of loops that did not pass.
func failingLoops(feedback map[string]store.FeedbackResult) []string {
	var failing []string
	for name, r := range feedback {
		if !r.Passed {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}

func feedbackError(failing []string) string {
	return "feedback loops failing: " + strings.Join(failing, ", ")
}

// Detect scans agent output for a completion claim. The structured block
// always takes precedence over the legacy sigil. When task is nil the
// signal is parsed but not validated.
func Detect(output string, task *store.Task, feedback map[string]store.FeedbackResult) Detection {
	if raw, ok := Extract(output); ok {
		sig, err := Parse(raw)
		if err != nil {
			return Detection{Kind: KindInvalid, RawBlock: raw, ParseError: err.Error()}
		}
		d := Detection{Detected: true, Kind: KindStructured, Signal: sig, RawBlock: raw}
		if task != nil {
			v := Validate(sig, task, feedback)
			d.Validation = &v
		}
		return d
	}

	if strings.Contains(output, LegacySigil) {
		d := Detection{Detected: true, Kind: KindLegacy}
		// The sigil carries no criteria claims, so only feedback is checked.
		if failing := failingLoops(feedback); len(failing) > 0 {
			d.Validation = &Validation{Errors: []string{feedbackError(failing)}}
		}
		return d
	}
	return Detection{Kind: KindNone}
}

// Example renders a ready-to-fill completion block for a task, used in
// prompts so the agent sees the exact shape expected.
func Example(task *store.Task) string {
	claims := make([]CriterionClaim, 0, len(task.AcceptanceCriteria))
	for _, c := range task.AcceptanceCriteria {
		claims = append(claims, CriterionClaim{Criterion: c, Met: true, Evidence: "how you verified it"})
	}
	sig := Signal{
		Type:                  SignalType,
		Version:               Version,
		TaskID:                task.ID,
		Summary:               "one paragraph on what you did",
		AcceptanceCriteriaMet: claims,
		FilesChanged:          []string{"path/to/file.go"},
		TestsAdded:            1,
		Confidence:            ConfidenceHigh,
	}
	data, _ := json.MarshalIndent(sig, "", "  ")
	return StartMarker + "\n" + string(data) + "\n" + EndMarker
}
