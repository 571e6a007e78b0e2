package profile

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cbroglie/mustache"

	"github.com/RLAsoftware/category-of-one/internal/interview"
)

// Values are inserted with triple braces: the output is markdown, not HTML.
const fullTemplate = `# Category of One: {{{client}}}
{{#needs_review}}

_This profile could not be generated automatically and is awaiting review. The full interview transcript has been kept._
{{/needs_review}}
{{#positioning}}

## Positioning Statement

{{{.}}}
{{/positioning}}
{{#differentiation}}

## Unique Differentiation

{{{.}}}
{{/differentiation}}
{{#contrarian}}

## Contrarian Position

**What {{{client}}} believes:**
{{{their}}}

**What most in the industry believe:**
{{{mainstream}}}
{{/contrarian}}
{{#gap}}

## The Gap They Fill

**Clients come to {{{client}}} when they're frustrated with:**
{{{frustration}}}

**They want:**
{{{desired}}}
{{/gap}}
{{#methodology}}

## Unique Methodology{{#name}}: {{{name}}}{{/name}}

{{{description}}}
{{#has_components}}

**Key Components:**
{{#components}}
{{{n}}}. {{{text}}}
{{/components}}
{{/has_components}}
{{/methodology}}
{{#transformation}}

## Transformation Delivered

**Before:** {{{before}}}

**After:** {{{after}}}
{{/transformation}}
{{#landscape}}

## Competitive Landscape

When someone searches for solutions in this space, why choose {{{client}}}?

{{{.}}}
{{/landscape}}
{{#has_proof}}

## Proof Points

{{#proof}}
- {{{.}}}
{{/proof}}
{{/has_proof}}
{{#voice}}

## Voice Notes

{{{.}}}
{{/voice}}

---

*Generated by Category of One*
`

const businessTemplate = `# Business Profile: {{{client}}}
{{#positioning}}

## Positioning Statement

{{{.}}}
{{/positioning}}
{{#differentiation}}

## Unique Differentiation

{{{.}}}
{{/differentiation}}
{{#gap}}

## The Gap They Fill

Clients typically come to {{{client}}} when they are frustrated with:
{{{frustration}}}

They want:
{{{desired}}}
{{/gap}}
{{#transformation}}

## Transformation

Before working with {{{client}}}:
{{{before}}}

After working with {{{client}}}:
{{{after}}}
{{/transformation}}
{{#has_proof}}

## Proof Points

{{#proof}}
- {{{.}}}
{{/proof}}
{{/has_proof}}
`

var (
	fullCompiled     = mustParse(fullTemplate)
	businessCompiled = mustParse(businessTemplate)
	headerRegexp     = regexp.MustCompile(`(?m)^## (.+)$`)
)

func mustParse(tmpl string) *mustache.Template {
	t, err := mustache.ParseString(tmpl)
	if err != nil {
		panic(fmt.Sprintf("parse profile template: %v", err))
	}
	return t
}

// templateData flattens the document into the shape both templates expect.
// Absent sections are left out of the map so their blocks do not render.
func templateData(doc interview.ProfileDocument, clientName string, needsReview bool) map[string]any {
	client := strings.TrimSpace(clientName)
	if client == "" {
		client = strings.TrimSpace(doc.ClientName)
	}
	if client == "" {
		client = "Client"
	}
	data := map[string]any{
		"client":       client,
		"needs_review": needsReview,
	}
	if doc.PositioningStatement != nil {
		data["positioning"] = *doc.PositioningStatement
	}
	if doc.UniqueDifferentiation != nil {
		data["differentiation"] = *doc.UniqueDifferentiation
	}
	if c := doc.ContrarianPosition; c != nil {
		data["contrarian"] = map[string]any{"their": orNotDiscussed(c.TheirBelief), "mainstream": orNotDiscussed(c.MainstreamBelief)}
	}
	if g := doc.GapTheyFill; g != nil {
		data["gap"] = map[string]any{"frustration": orNotDiscussed(g.Frustration), "desired": orNotDiscussed(g.DesiredOutcome)}
	}
	if m := doc.UniqueMethodology; m != nil {
		comps := make([]map[string]any, 0, len(m.Components))
		for i, c := range m.Components {
			comps = append(comps, map[string]any{"n": i + 1, "text": c})
		}
		data["methodology"] = map[string]any{
			"name":           m.Name,
			"description":    m.Description,
			"has_components": len(comps) > 0,
			"components":     comps,
		}
	}
	if t := doc.Transformation; t != nil {
		data["transformation"] = map[string]any{"before": orNotDiscussed(t.Before), "after": orNotDiscussed(t.After)}
	}
	if doc.CompetitiveLandscape != nil {
		data["landscape"] = *doc.CompetitiveLandscape
	}
	if len(doc.ProofPoints) > 0 {
		data["has_proof"] = true
		data["proof"] = doc.ProofPoints
	}
	if doc.VoiceNotes != nil {
		data["voice"] = *doc.VoiceNotes
	}
	return data
}

func orNotDiscussed(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Not discussed"
	}
	return s
}

func render(t *mustache.Template, data map[string]any) (string, error) {
	out, err := t.Render(data)
	if err != nil {
		return "", fmt.Errorf("render profile template: %w", err)
	}
	return out, nil
}

// RenderFull renders the narrative Category of One document. Each discussed
// section gets exactly one "## " header; undiscussed sections are omitted.
func RenderFull(doc interview.ProfileDocument, clientName string) (string, error) {
	return render(fullCompiled, templateData(doc, clientName, Empty(doc)))
}

// RenderBusiness renders the condensed business profile.
func RenderBusiness(doc interview.ProfileDocument, clientName string) (string, error) {
	return render(businessCompiled, templateData(doc, clientName, false))
}

// SectionHeaders lists the "## " headers of a rendered document in order.
func SectionHeaders(md string) []string {
	matches := headerRegexp.FindAllStringSubmatch(md, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// Export kinds accepted by ExportFilename.
const (
	KindFull     = "full"
	KindBusiness = "business"
)

var slugSeparators = regexp.MustCompile(`[\s/\\]+`)

// ExportFilename names a downloaded document after the client.
func ExportFilename(kind, clientName string) string {
	slug := strings.ToLower(strings.TrimSpace(clientName))
	slug = slugSeparators.ReplaceAllString(slug, "-")
	slug = strings.Map(func(r rune) rune {
		if r == '"' || r == '\'' || r < 0x20 {
			return -1
		}
		return r
	}, slug)
	if slug == "" {
		slug = "client"
	}
	switch kind {
	case KindBusiness:
		return "business-profile-" + slug + ".md"
	default:
		return "category-of-one-full-" + slug + ".md"
	}
}
