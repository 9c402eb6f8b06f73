package search

import (
	"context"
	"strings"

	"introbroker/internal/store"
)

// Lister is the slice of the connection store the scan searcher needs.
type Lister interface {
	ListAll(ctx context.Context) ([]store.Connection, error)
}

// Scan matches every query term against the connection text in memory. It
// backs stores without a text index (memory, Redis).
type Scan struct {
	lister Lister
}

func NewScan(lister Lister) *Scan {
	return &Scan{lister: lister}
}

func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	items, err := s.lister.ListAll(ctx)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]Result, 0)
	for _, c := range items {
		rec := RecordFor(c)
		if q.Status != "" && rec.Status != q.Status {
			continue
		}
		haystack := strings.ToLower(strings.Join([]string{
			rec.FromName, rec.ToName, rec.ToCompany, rec.ClientGoals, rec.DraftMessage,
		}, " "))
		if !containsAll(haystack, terms) {
			continue
		}
		matched = append(matched, Result{
			ID:        rec.ID,
			Status:    rec.Status,
			FromName:  rec.FromName,
			ToName:    rec.ToName,
			ToCompany: rec.ToCompany,
			Snippet:   snippet(firstNonBlank(rec.DraftMessage, rec.ClientGoals), 30),
		})
	}

	total := len(matched)
	start := q.offset()
	if start > total {
		start = total
	}
	end := start + q.limit()
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func snippet(text string, words int) string {
	fields := strings.Fields(text)
	if len(fields) <= words {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[:words], " ") + "..."
}
