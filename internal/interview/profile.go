package interview

import "time"

type ContrarianPosition struct {
	TheirBelief      string `json:"their_belief"`
	MainstreamBelief string `json:"mainstream_belief"`
}

type GapTheyFill struct {
	Frustration    string `json:"frustration"`
	DesiredOutcome string `json:"desired_outcome"`
}

type Methodology struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Components  []string `json:"components"`
}

type Transformation struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// ProfileDocument is the structured synthesis output. A nil section was not
// discussed in the interview.
type ProfileDocument struct {
	ClientName            string              `json:"client_name,omitempty"`
	PositioningStatement  *string             `json:"positioning_statement"`
	UniqueDifferentiation *string             `json:"unique_differentiation"`
	ContrarianPosition    *ContrarianPosition `json:"contrarian_position"`
	GapTheyFill           *GapTheyFill        `json:"gap_they_fill"`
	UniqueMethodology     *Methodology        `json:"unique_methodology"`
	Transformation        *Transformation     `json:"transformation"`
	CompetitiveLandscape  *string             `json:"competitive_landscape"`
	ProofPoints           []string            `json:"proof_points"`
	VoiceNotes            *string             `json:"voice_notes"`
}

type Profile struct {
	ID                string          `json:"id"`
	ClientID          string          `json:"client_id"`
	SessionID         string          `json:"session_id"`
	Document          ProfileDocument `json:"document"`
	FullDocumentMD    string          `json:"category_of_one_md"`
	BusinessProfileMD string          `json:"business_profile_md"`
	RawResponse       string          `json:"raw_response,omitempty"`
	SynthesisAttempts int             `json:"synthesis_attempts"`
	SynthesisError    *string         `json:"synthesis_error"`
	NeedsReview       bool            `json:"needs_review"`
	CreatedAt         time.Time       `json:"created_at"`
}
