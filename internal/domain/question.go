package domain

// Question is an immutable catalog entry. The plaintext answer is never stored.
type Question struct {
	ID                string   `json:"id"`
	Difficulty        int      `json:"difficulty"`
	Prompt            string   `json:"prompt"`
	Choices           []string `json:"choices"`
	CorrectAnswerHash string   `json:"-"`
}
