package model

// User is an API consumer identity. Flattened record sharing only the
// id convention with the other collections.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Token     string `json:"token,omitempty"`
	Status    string `json:"status,omitempty"`
	IsWhite   bool   `json:"is_white,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// BannedWord is one prompt screening entry.
type BannedWord struct {
	ID   int64  `json:"id"`
	Word string `json:"word"`
}
