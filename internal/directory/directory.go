// Package directory implements the participant lookup service: brokers and
// suppliers register under a service kind, counterparties search by kind.
// The service answers register/search/deregister requests over the bus.
package directory

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/grocernet/grocernet/internal/bus"
)

// Service kinds used by the negotiation roles.
const (
	KindBroker   = "grocery-broker"
	KindSupplier = "grocery-supplier"
)

// Bus endpoints served by the directory.
const (
	EndpointRegister   = "directory.register"
	EndpointSearch     = "directory.search"
	EndpointDeregister = "directory.deregister"
)

// Entry describes one registered participant.
type Entry struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type searchRequest struct {
	Kind string `json:"kind"`
}

type searchResponse struct {
	Entries []Entry `json:"entries"`
}

type deregisterRequest struct {
	Name string `json:"name"`
}

type ackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Service is the in-memory registry behind the directory endpoints.
type Service struct {
	bus  *bus.Bus
	log  zerolog.Logger
	subs []*bus.Subscription

	mu      sync.RWMutex
	entries map[string]Entry // name -> entry
}

// NewService creates a directory service on the given bus.
func NewService(b *bus.Bus, log zerolog.Logger) *Service {
	return &Service{
		bus:     b,
		log:     log.With().Str("component", "directory").Logger(),
		entries: make(map[string]Entry),
	}
}

// Start subscribes the directory endpoints.
func (s *Service) Start() error {
	endpoints := map[string]bus.RequestHandler{
		EndpointRegister:   s.handleRegister,
		EndpointSearch:     s.handleSearch,
		EndpointDeregister: s.handleDeregister,
	}
	for endpoint, handler := range endpoints {
		sub, err := s.bus.HandleRequests(endpoint, handler)
		if err != nil {
			s.Stop()
			return fmt.Errorf("directory endpoint %s: %w", endpoint, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.log.Info().Msg("Directory service started")
	return nil
}

// Stop unsubscribes all endpoints.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to unsubscribe directory endpoint")
		}
	}
	s.subs = nil
	s.log.Info().Msg("Directory service stopped")
}

// EntryCount returns the number of registered participants.
func (s *Service) EntryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Service) handleRegister(data []byte) ([]byte, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("bad register request: %w", err)
	}
	if entry.Name == "" || entry.Kind == "" {
		return nil, fmt.Errorf("register requires name and kind")
	}

	s.mu.Lock()
	s.entries[entry.Name] = entry
	s.mu.Unlock()

	s.log.Info().
		Str("name", entry.Name).
		Str("kind", entry.Kind).
		Msg("Participant registered")

	return json.Marshal(ackResponse{OK: true})
}

func (s *Service) handleSearch(data []byte) ([]byte, error) {
	var req searchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad search request: %w", err)
	}

	s.mu.RLock()
	var matches []Entry
	for _, entry := range s.entries {
		if entry.Kind == req.Kind {
			matches = append(matches, entry)
		}
	}
	s.mu.RUnlock()

	// Stable order so callers fan out deterministically.
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })

	s.log.Debug().
		Str("kind", req.Kind).
		Int("matches", len(matches)).
		Msg("Directory search")

	return json.Marshal(searchResponse{Entries: matches})
}

func (s *Service) handleDeregister(data []byte) ([]byte, error) {
	var req deregisterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad deregister request: %w", err)
	}

	s.mu.Lock()
	delete(s.entries, req.Name)
	s.mu.Unlock()

	s.log.Info().Str("name", req.Name).Msg("Participant deregistered")

	return json.Marshal(ackResponse{OK: true})
}
