package models

import "time"

// Session is the archived header of one browser conversation.
type Session struct {
	ID          string    `json:"id"`
	Profile     string    `json:"profile"`
	TotalTokens int       `json:"total_tokens"`
	TotalCost   float64   `json:"total_cost"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot captures the in-memory state of a conversation so it can be cached
// and restored within the lifetime of its browser session.
type Snapshot struct {
	ID         string    `json:"id"`
	Profile    string    `json:"profile"`
	Messages   []Message `json:"messages"`
	SeedLen    int       `json:"seed_len"`
	Usage      Usage     `json:"usage"`
	Cost       float64   `json:"cost"`
	Turns      int       `json:"turns"`
	Generation int64     `json:"generation"`
}
