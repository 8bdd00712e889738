package search

import (
	"context"
	"log"
	"sync"

	"reliefhub/api/internal/stats"
	"reliefhub/api/internal/store"
)

const indexQueueSize = 1024

// indexer receives request records in commit order.
type indexer interface {
	IndexRequest(RequestRecord) error
	Healthy() bool
}

// Service is the facade that tries Meilisearch first and falls back to
// scanning the store. Index updates go through one worker so Meilisearch
// sees them in the order they were committed.
type Service struct {
	meili *Meili
	scan  Searcher

	sink    indexer
	mu      sync.RWMutex
	closed  bool
	queue   chan RequestRecord
	stopped chan struct{}
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, scan Searcher) *Service {
	var sink indexer
	if meili != nil {
		sink = meili
	}
	s := newService(sink, scan)
	s.meili = meili
	return s
}

func newService(sink indexer, scan Searcher) *Service {
	s := &Service{scan: scan, sink: sink}
	if sink != nil {
		s.queue = make(chan RequestRecord, indexQueueSize)
		s.stopped = make(chan struct{})
		go s.runIndexer()
	}
	return s
}

func (s *Service) runIndexer() {
	defer close(s.stopped)
	for record := range s.queue {
		if err := s.sink.IndexRequest(record); err != nil {
			log.Printf("search: index request %s: %v", record.ID, err)
		}
	}
}

// Close stops accepting index updates and waits for queued ones to be sent.
func (s *Service) Close() {
	if s.queue == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.stopped
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}
		}
		log.Printf("search: meilisearch error, falling back to store scan: %v", err)
	}

	results, total, err := s.scan.Search(ctx, q)
	if err != nil {
		log.Printf("search: store scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Source: "scan"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "scan"}
}

// Observe reindexes the request touched by a committed change.
func (s *Service) Observe(delta stats.Delta) {
	if delta.Request == nil || delta.Request.After == nil {
		return
	}
	s.IndexRequest(*delta.Request.After)
}

// IndexRequest queues a request for Meilisearch. Updates are sent one at a
// time in call order; when the queue is full the update is dropped and the
// next ReindexAll repairs the index.
func (s *Service) IndexRequest(r store.Request) {
	if s.sink == nil || !s.sink.Healthy() {
		return
	}
	record := NewRequestRecord(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- record:
	default:
		log.Printf("search: index queue full, dropping update for %s", record.ID)
	}
}

// ReindexAll reads every request from the store and pushes it to
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context, client *store.Client) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	requests, err := client.ListRequests(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	records := make([]RequestRecord, 0, len(requests))
	for _, request := range requests {
		records = append(records, NewRequestRecord(request))
	}
	if err := s.meili.IndexRequests(records); err != nil {
		log.Printf("search: reindex requests: %v", err)
		return
	}
	log.Printf("search: reindexed %d requests", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
