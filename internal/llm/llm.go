package llm

import "context"

// Exchange is one completed script step: the coach's prompt and whatever
// the participant said back (empty when the turn went unanswered).
type Exchange struct {
	Prompt string
	Reply  string
}

// Sentiment is the end-of-session scoring of the conversation.
type Sentiment struct {
	Label   string  `json:"label"`   // positive, neutral, low, concerning
	Score   float64 `json:"score"`   // 0-1, higher is better mood
	Summary string  `json:"summary"` // one-sentence summary for the caregiver
}

// Client defines the interface for the language-generation collaborator.
// Both operations are best-effort: callers bound them with timeouts and
// fall back to scripted text on any error.
type Client interface {
	// Acknowledge produces a short contextual acknowledgment of the
	// participant's reply to a prompt.
	Acknowledge(ctx context.Context, prompt, reply string) (string, error)

	// ScoreSentiment scores the whole conversation at session end.
	ScoreSentiment(ctx context.Context, exchanges []Exchange) (*Sentiment, error)
}
