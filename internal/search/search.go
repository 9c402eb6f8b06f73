package search

import (
	"context"

	"introbroker/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	FromName  string `json:"from_name"`
	ToName    string `json:"to_name"`
	ToCompany string `json:"to_company"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Status string // empty = every status
	Limit  int
	Offset int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ConnectionRecord is the data indexed for a connection.
type ConnectionRecord struct {
	ID           string `json:"id"`
	FromUserID   string `json:"from_user_id"`
	Status       string `json:"status"`
	FromName     string `json:"from_name"`
	ToName       string `json:"to_name"`
	ToCompany    string `json:"to_company"`
	ClientGoals  string `json:"client_goals"`
	DraftMessage string `json:"draft_message"`
	CreatedAt    int64  `json:"created_at"`
}

func RecordFor(c store.Connection) ConnectionRecord {
	return ConnectionRecord{
		ID:           c.ID,
		FromUserID:   c.FromUserID,
		Status:       string(c.DerivedStatus()),
		FromName:     c.FromName,
		ToName:       c.ToName,
		ToCompany:    c.ToCompany,
		ClientGoals:  c.ClientGoals,
		DraftMessage: c.DraftMessage,
		CreatedAt:    c.CreatedAt.Unix(),
	}
}
