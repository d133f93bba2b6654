package search

import "log"

// Indexer can push records into an external index. Implemented by Meili;
// a nil Indexer means indexing is disabled.
type Indexer interface {
	IndexTask(record TaskRecord) error
	IndexChain(record ChainRecord) error
}

// Service routes searches to Meilisearch when it is healthy and falls back to
// Postgres otherwise. Indexing is best effort.
type Service struct {
	primary  Searcher
	fallback Searcher
	indexer  Indexer
}

// NewService builds the search facade. primary may be nil, in which case every
// search goes to the fallback.
func NewService(primary Searcher, fallback Searcher, indexer Indexer) *Service {
	return &Service{primary: primary, fallback: fallback, indexer: indexer}
}

func (s *Service) Search(q Query) ([]Result, int, error) {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return results, total, nil
		}
		log.Printf("search: primary failed, falling back to postgres: %v", err)
	}
	return s.fallback.Search(q)
}

// IndexTask pushes a task record to the index in the background. Failures
// are logged and otherwise ignored; Postgres remains the source of truth.
func (s *Service) IndexTask(record TaskRecord) {
	if s.indexer == nil {
		return
	}
	go func() {
		if err := s.indexer.IndexTask(record); err != nil {
			log.Printf("search: index task %s: %v", record.ID, err)
		}
	}()
}

// IndexChain pushes a chain record to the index in the background.
func (s *Service) IndexChain(record ChainRecord) {
	if s.indexer == nil {
		return
	}
	go func() {
		if err := s.indexer.IndexChain(record); err != nil {
			log.Printf("search: index chain %s: %v", record.ID, err)
		}
	}()
}
