package models

// GenerationRequest carries everything the generation collaborator needs to
// propose candidate patient utterances for one caregiver turn.
type GenerationRequest struct {
	Profile *CharacterProfile
	// History holds the bounded window of formatted conversation lines,
	// oldest first.
	History []string
	Input   string
}

// GenerationResult is the generation collaborator's raw output for one turn:
// the candidate list plus the dialogue state and context the model reported
// about itself. The degradation detector audits all three.
type GenerationResult struct {
	Candidates []string `json:"responses"`
	State      string   `json:"state"`
	Context    string   `json:"dialogue_context"`
}

// DialogueStateConfused is the model-reported dialogue state signalling the
// model itself lost track of the conversation.
const DialogueStateConfused = "CONFUSED"

// DialogueStateNormal is the model-reported dialogue state for an ordinary turn.
const DialogueStateNormal = "NORMAL"
