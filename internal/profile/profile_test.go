package profile

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const completeJSON = `{
  "positioning_statement": "Jo helps founders price with confidence.",
  "unique_differentiation": "Only works from real sales calls.",
  "contrarian_position": {"their_belief": "Discounts kill trust.", "mainstream_belief": "Discounts close deals."},
  "gap_they_fill": {"frustration": "Endless haggling.", "desired_outcome": "Clients who say yes."},
  "unique_methodology": {"name": "Price Ladder", "description": "Three rungs.", "components": ["Anchor", "Frame", "Hold"]},
  "transformation": {"before": "Underpaid.", "after": "Booked out."},
  "competitive_landscape": "Not discussed",
  "proof_points": ["Raised rates 3x", "n/a"],
  "voice_notes": null
}`

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "```json\n{\"a\":1}\n```", want: `{"a":1}`},
		{in: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{in: "```{\"a\":1}```", want: `{"a":1}`},
		{in: "  {\"a\":1}  ", want: `{"a":1}`},
	}
	for _, tc := range tests {
		if got := StripCodeFence(tc.in); got != tc.want {
			t.Fatalf("StripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseCompleteDocument(t *testing.T) {
	doc, err := Parse("```json\n" + completeJSON + "\n```")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.PositioningStatement == nil || *doc.PositioningStatement != "Jo helps founders price with confidence." {
		t.Fatalf("PositioningStatement = %v", doc.PositioningStatement)
	}
	if doc.CompetitiveLandscape != nil {
		t.Fatalf("CompetitiveLandscape = %q, want nil for \"Not discussed\"", *doc.CompetitiveLandscape)
	}
	if doc.VoiceNotes != nil {
		t.Fatalf("VoiceNotes should be nil")
	}
	if !reflect.DeepEqual(doc.ProofPoints, []string{"Raised rates 3x"}) {
		t.Fatalf("ProofPoints = %v", doc.ProofPoints)
	}
	if doc.UniqueMethodology == nil || len(doc.UniqueMethodology.Components) != 3 {
		t.Fatalf("UniqueMethodology = %+v", doc.UniqueMethodology)
	}
}

func TestParseMissingKeys(t *testing.T) {
	_, err := Parse("```json\n{\"client_name\":\"Jo\"}\n```")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Parse() error = %v, want *ValidationError", err)
	}
	if !reflect.DeepEqual(vErr.Missing, RequiredKeys) {
		t.Fatalf("Missing = %v, want all required keys", vErr.Missing)
	}
}

func TestParseRejectsNonObject(t *testing.T) {
	if _, err := Parse("Sorry, I can't do that."); !errors.Is(err, ErrNotJSONObject) {
		t.Fatalf("Parse() error = %v, want ErrNotJSONObject", err)
	}
	if _, err := Parse("{not json"); err == nil {
		t.Fatalf("Parse() error = nil for malformed json")
	}
}

func TestParseNestedNotDiscussedBecomesNil(t *testing.T) {
	raw := strings.Replace(completeJSON,
		`{"before": "Underpaid.", "after": "Booked out."}`,
		`{"before": "Not discussed", "after": "not discussed."}`, 1)
	doc, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.Transformation != nil {
		t.Fatalf("Transformation = %+v, want nil", doc.Transformation)
	}
}

func TestRenderFullOneHeaderPerDiscussedSection(t *testing.T) {
	doc, err := Parse(completeJSON)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	md, err := RenderFull(doc, "Jo")
	if err != nil {
		t.Fatalf("RenderFull() error = %v", err)
	}
	want := []string{
		"Positioning Statement",
		"Unique Differentiation",
		"Contrarian Position",
		"The Gap They Fill",
		"Unique Methodology: Price Ladder",
		"Transformation Delivered",
		"Proof Points",
	}
	if got := SectionHeaders(md); !reflect.DeepEqual(got, want) {
		t.Fatalf("SectionHeaders() = %v, want %v", got, want)
	}
	if !strings.HasPrefix(md, "# Category of One: Jo") {
		t.Fatalf("missing title: %q", md)
	}
	if !strings.Contains(md, "2. Frame") {
		t.Fatalf("methodology components not numbered: %q", md)
	}
}

func TestRenderBusinessCondensed(t *testing.T) {
	doc, _ := Parse(completeJSON)
	md, err := RenderBusiness(doc, "Jo")
	if err != nil {
		t.Fatalf("RenderBusiness() error = %v", err)
	}
	want := []string{"Positioning Statement", "Unique Differentiation", "The Gap They Fill", "Transformation", "Proof Points"}
	if got := SectionHeaders(md); !reflect.DeepEqual(got, want) {
		t.Fatalf("SectionHeaders() = %v, want %v", got, want)
	}
}

func TestRenderPlaceholderFlagsReview(t *testing.T) {
	md, err := RenderFull(Placeholder(), "Jo")
	if err != nil {
		t.Fatalf("RenderFull() error = %v", err)
	}
	if len(SectionHeaders(md)) != 0 {
		t.Fatalf("placeholder should have no sections: %q", md)
	}
	if !strings.Contains(md, "awaiting review") {
		t.Fatalf("placeholder missing review notice: %q", md)
	}
}

func TestExportFilename(t *testing.T) {
	if got := ExportFilename(KindFull, "Jo  Smith"); got != "category-of-one-full-jo-smith.md" {
		t.Fatalf("ExportFilename(full) = %q", got)
	}
	if got := ExportFilename(KindBusiness, "Jo O'Neil"); got != "business-profile-jo-oneil.md" {
		t.Fatalf("ExportFilename(business) = %q", got)
	}
	if got := ExportFilename(KindFull, " "); got != "category-of-one-full-client.md" {
		t.Fatalf("ExportFilename(empty) = %q", got)
	}
}
