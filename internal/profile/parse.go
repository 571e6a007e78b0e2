// Package profile parses, validates, and renders the structured positioning
// profile produced by synthesis.
package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/RLAsoftware/category-of-one/internal/interview"
)

// RequiredKeys are the top-level sections every synthesis response must carry.
// A key may be null; it may not be absent.
var RequiredKeys = []string{
	"positioning_statement",
	"unique_differentiation",
	"contrarian_position",
	"gap_they_fill",
	"unique_methodology",
	"transformation",
	"competitive_landscape",
	"proof_points",
	"voice_notes",
}

var ErrNotJSONObject = errors.New("response is not a JSON object")

// ValidationError lists required keys missing from an otherwise valid object.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "missing required keys: " + strings.Join(e.Missing, ", ")
}

// StripCodeFence removes a wrapping ``` or ```json fence.
func StripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		// Drop an info string such as "json" up to the first newline.
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Parse decodes a synthesis response into a document. Unknown keys are
// ignored; "not discussed" style values become nil.
func Parse(raw string) (interview.ProfileDocument, error) {
	body := StripCodeFence(raw)
	if !strings.HasPrefix(body, "{") {
		return interview.ProfileDocument{}, ErrNotJSONObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return interview.ProfileDocument{}, fmt.Errorf("decode profile json: %w", err)
	}
	missing := make([]string, 0)
	for _, k := range RequiredKeys {
		if _, ok := fields[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return interview.ProfileDocument{}, &ValidationError{Missing: missing}
	}

	var doc interview.ProfileDocument
	if v, ok := fields["client_name"]; ok {
		if s := decodeText(v); s != nil {
			doc.ClientName = *s
		}
	}
	doc.PositioningStatement = decodeText(fields["positioning_statement"])
	doc.UniqueDifferentiation = decodeText(fields["unique_differentiation"])
	doc.CompetitiveLandscape = decodeText(fields["competitive_landscape"])
	doc.VoiceNotes = decodeText(fields["voice_notes"])
	doc.ProofPoints = decodeList(fields["proof_points"])

	var err error
	if doc.ContrarianPosition, err = decodeContrarian(fields["contrarian_position"]); err != nil {
		return interview.ProfileDocument{}, err
	}
	if doc.GapTheyFill, err = decodeGap(fields["gap_they_fill"]); err != nil {
		return interview.ProfileDocument{}, err
	}
	if doc.UniqueMethodology, err = decodeMethodology(fields["unique_methodology"]); err != nil {
		return interview.ProfileDocument{}, err
	}
	if doc.Transformation, err = decodeTransformation(fields["transformation"]); err != nil {
		return interview.ProfileDocument{}, err
	}
	return doc, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// notDiscussed matches the placeholder phrases models use instead of null.
func notDiscussed(s string) bool {
	v := strings.ToLower(strings.Trim(strings.TrimSpace(s), ".!"))
	switch v {
	case "", "not discussed", "n/a", "na", "none", "unknown", "not specified", "not mentioned", "null":
		return true
	}
	return false
}

func clean(s string) *string {
	if notDiscussed(s) {
		return nil
	}
	s = strings.TrimSpace(s)
	return &s
}

func decodeText(raw json.RawMessage) *string {
	if isNull(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// Tolerate numbers and other scalars.
		return clean(strings.Trim(string(bytes.TrimSpace(raw)), `"`))
	}
	return clean(s)
}

func decodeList(raw json.RawMessage) []string {
	if isNull(raw) {
		return nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		if s := decodeText(raw); s != nil {
			return []string{*s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if c := clean(it); c != nil {
			out = append(out, *c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sectionError(key string, err error) error {
	return fmt.Errorf("decode %s: %w", key, err)
}

func decodeContrarian(raw json.RawMessage) (*interview.ContrarianPosition, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v struct {
		TheirBelief      json.RawMessage `json:"their_belief"`
		MainstreamBelief json.RawMessage `json:"mainstream_belief"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		if s := decodeText(raw); s == nil {
			return nil, nil
		}
		return nil, sectionError("contrarian_position", err)
	}
	their, mainstream := decodeText(v.TheirBelief), decodeText(v.MainstreamBelief)
	if their == nil && mainstream == nil {
		return nil, nil
	}
	return &interview.ContrarianPosition{TheirBelief: deref(their), MainstreamBelief: deref(mainstream)}, nil
}

func decodeGap(raw json.RawMessage) (*interview.GapTheyFill, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v struct {
		Frustration    json.RawMessage `json:"frustration"`
		DesiredOutcome json.RawMessage `json:"desired_outcome"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		if s := decodeText(raw); s == nil {
			return nil, nil
		}
		return nil, sectionError("gap_they_fill", err)
	}
	fr, out := decodeText(v.Frustration), decodeText(v.DesiredOutcome)
	if fr == nil && out == nil {
		return nil, nil
	}
	return &interview.GapTheyFill{Frustration: deref(fr), DesiredOutcome: deref(out)}, nil
}

func decodeMethodology(raw json.RawMessage) (*interview.Methodology, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v struct {
		Name        json.RawMessage `json:"name"`
		Description json.RawMessage `json:"description"`
		Components  json.RawMessage `json:"components"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		if s := decodeText(raw); s == nil {
			return nil, nil
		}
		return nil, sectionError("unique_methodology", err)
	}
	name, desc, comps := decodeText(v.Name), decodeText(v.Description), decodeList(v.Components)
	if name == nil && desc == nil && len(comps) == 0 {
		return nil, nil
	}
	return &interview.Methodology{Name: deref(name), Description: deref(desc), Components: comps}, nil
}

func decodeTransformation(raw json.RawMessage) (*interview.Transformation, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v struct {
		Before json.RawMessage `json:"before"`
		After  json.RawMessage `json:"after"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		if s := decodeText(raw); s == nil {
			return nil, nil
		}
		return nil, sectionError("transformation", err)
	}
	before, after := decodeText(v.Before), decodeText(v.After)
	if before == nil && after == nil {
		return nil, nil
	}
	return &interview.Transformation{Before: deref(before), After: deref(after)}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Placeholder is the document saved when synthesis could not produce a valid
// profile. Every section is nil; the transcript stays available for review.
func Placeholder() interview.ProfileDocument {
	return interview.ProfileDocument{}
}

// Empty reports whether the document has no discussed sections.
func Empty(doc interview.ProfileDocument) bool {
	return doc.PositioningStatement == nil &&
		doc.UniqueDifferentiation == nil &&
		doc.ContrarianPosition == nil &&
		doc.GapTheyFill == nil &&
		doc.UniqueMethodology == nil &&
		doc.Transformation == nil &&
		doc.CompetitiveLandscape == nil &&
		len(doc.ProofPoints) == 0 &&
		doc.VoiceNotes == nil
}
