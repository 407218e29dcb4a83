package domain

import (
	"slices"
	"time"
)

// BackgroundProfile carries learner context used to personalize agent replies.
// Age, LearningGoal and TimePreference are required by the collaborator that
// collects them; the remaining fields are optional and omitted when empty.
type BackgroundProfile struct {
	Age                 string   `json:"age"`
	LearningGoal        string   `json:"learningGoal"`
	TimePreference      string   `json:"timePreference"`
	KnowledgeLevel      string   `json:"knowledgeLevel,omitempty"`
	TargetAudience      string   `json:"targetAudience,omitempty"`
	SpecialRequirements []string `json:"specialRequirements,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a stored profile.
func (p BackgroundProfile) Clone() BackgroundProfile {
	p.SpecialRequirements = slices.Clone(p.SpecialRequirements)
	return p
}

// FormattedPrompt is the backend-bound text derived from a raw prompt and a profile.
type FormattedPrompt struct {
	OriginalPrompt string            `json:"originalPrompt"`
	Background     BackgroundProfile `json:"background"`
	FormattedText  string            `json:"formattedText"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Clone returns a deep copy of the prompt.
func (f FormattedPrompt) Clone() FormattedPrompt {
	f.Background = f.Background.Clone()
	return f
}
