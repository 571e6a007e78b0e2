package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
)

var mockQuestions = []string{
	"Who do you help, and what do you help them achieve?",
	"What makes the way you work different from everyone else in your space?",
	"What do you believe that most people in your industry would disagree with?",
	"What frustration usually brings a client to you, and what do they want instead?",
	"Do you have a name for your method? Walk me through its steps.",
	"What does a client's world look like before and after working with you?",
	"Why should someone choose you over a hundred other experts?",
}

// MockGateway provides deterministic local replies when no provider key is configured.
type MockGateway struct {
	readyAfter int
}

// NewMockGateway returns a gateway that signals readiness once the transcript
// holds readyAfter user turns. Zero means after one pass through the question list.
func NewMockGateway(readyAfter int) *MockGateway {
	if readyAfter <= 0 {
		readyAfter = len(mockQuestions) + 1
	}
	return &MockGateway{readyAfter: readyAfter}
}

func (g *MockGateway) StreamChat(ctx context.Context, req ChatRequest) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return newWordStream(ctx, buildMockReply(req, g.readyAfter)), nil
}

func buildMockReply(req ChatRequest, readyAfter int) string {
	userTurns := 0
	for _, t := range req.Turns {
		if t.Role == "user" {
			userTurns++
		}
	}
	name := strings.TrimSpace(req.ClientName)
	if name == "" {
		name = "there"
	}
	if userTurns <= 1 {
		return fmt.Sprintf("Hi %s! I'm going to ask a few questions to uncover your Category of One. %s", name, mockQuestions[0])
	}
	if userTurns >= readyAfter {
		return fmt.Sprintf("Thank you, %s. I have a clear picture of your positioning now. %s", name, CompletionMarker)
	}
	q := mockQuestions[(userTurns-1)%len(mockQuestions)]
	return "That's helpful. " + q
}

func (g *MockGateway) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return mockProfileJSON, nil
}

func (g *MockGateway) ListModels(context.Context) ([]ModelOption, error) {
	return []ModelOption{{ID: DefaultModel, Label: "Claude Sonnet 4 (mock)"}}, nil
}

const mockProfileJSON = `{
  "positioning_statement": "Helps independent consultants win premium clients by turning their expertise into a named method.",
  "unique_differentiation": "Works only from recorded client conversations, never from templates.",
  "contrarian_position": {"their_belief": "Niching down is overrated.", "mainstream_belief": "Everyone must niche down."},
  "gap_they_fill": {"frustration": "Sounding like every other consultant.", "desired_outcome": "Being the obvious choice."},
  "unique_methodology": {"name": "The Signal Method", "description": "A three-step positioning sprint.", "components": ["Listen", "Distill", "Declare"]},
  "transformation": {"before": "Competing on price.", "after": "Booked out at premium rates."},
  "competitive_landscape": "Clients choose them for speed and clarity.",
  "proof_points": ["Twelve clients doubled their rates within a year."],
  "voice_notes": "Direct, warm, a little irreverent."
}`

// wordStream replays a fixed reply one word at a time.
type wordStream struct {
	ctx   context.Context
	words []string
	pos   int
}

func newWordStream(ctx context.Context, text string) *wordStream {
	return &wordStream{ctx: ctx, words: strings.SplitAfter(text, " ")}
}

func (s *wordStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.words) {
		return "", io.EOF
	}
	w := s.words[s.pos]
	s.pos++
	return w, nil
}

func (s *wordStream) Close() error { return nil }
