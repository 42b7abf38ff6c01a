package types

// Usage represents token consumption reported by a node.
type Usage struct {
	CompletionTokens int `json:"completion_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add adds another Usage to this one.
func (u *Usage) Add(other Usage) {
	u.CompletionTokens += other.CompletionTokens
	u.PromptTokens += other.PromptTokens
	u.TotalTokens += other.TotalTokens
}

// IsZero reports whether nothing was consumed.
func (u Usage) IsZero() bool {
	return u.CompletionTokens == 0 && u.PromptTokens == 0 && u.TotalTokens == 0
}
