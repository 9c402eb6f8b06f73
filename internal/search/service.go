package search

import (
	"context"
	"log"

	"introbroker/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to a
// local searcher (PG FTS or a store scan).
type Service struct {
	meili    *Meili
	fallback Searcher
	lister   Lister
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback Searcher, lister Lister) *Service {
	return &Service{meili: meili, fallback: fallback, lister: lister}
}

// Backend names the searcher currently answering queries.
func (s *Service) Backend() string {
	if s.meili != nil && s.meili.Healthy() {
		return "meilisearch"
	}
	switch s.fallback.(type) {
	case *PgFTS:
		return "postgres"
	case nil:
		return "none"
	default:
		return "scan"
	}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexConnection pushes a connection to Meilisearch (fire-and-forget).
func (s *Service) IndexConnection(c store.Connection) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := RecordFor(c)
	go func() {
		if err := s.meili.IndexConnection(rec); err != nil {
			log.Printf("search: index connection %s: %v", rec.ID, err)
		}
	}()
}

// ReindexAll loads every connection from the store and pushes it to
// Meilisearch. Called at startup when Meilisearch is reachable.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.lister == nil {
		return
	}
	items, err := s.lister.ListAll(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	recs := make([]ConnectionRecord, 0, len(items))
	for _, c := range items {
		recs = append(recs, RecordFor(c))
	}
	if err := s.meili.IndexConnections(recs); err != nil {
		log.Printf("search: reindex connections: %v", err)
	}
}

// Close stops background workers.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
