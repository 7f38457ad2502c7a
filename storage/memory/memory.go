// Package memory provides an in-memory storage backend: mutex-guarded
// maps with a periodic sweep of expired records. Suitable for development,
// tests, and single-instance deployments; nothing survives a restart.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/authagent/mcp-auth/storage"
)

const cleanupInterval = 5 * time.Minute

// Store implements every storage interface in memory.
type Store struct {
	mu sync.RWMutex

	clients        map[string]*storage.Client
	resources      map[string]*storage.Resource
	resourceByURL  map[string]string // canonical URL -> resource ID
	apiKeys        map[string]*storage.APIKey
	requests       map[string]*storage.AuthorizationRequest
	codes          map[string]*storage.AuthorizationCode
	pairs          map[string]*storage.TokenPair
	pairByAccess   map[string]string // access token -> pair ID
	pairByRefresh  map[string]string // refresh token -> pair ID
	consents       map[string]*storage.UserAuthorization

	logger *slog.Logger
	stop   chan struct{}
	once   sync.Once
}

var (
	_ storage.ClientStore   = (*Store)(nil)
	_ storage.ResourceStore = (*Store)(nil)
	_ storage.FlowStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.ConsentStore  = (*Store)(nil)
)

// New creates an in-memory store and starts its cleanup goroutine.
// Call Close to stop it.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		clients:       make(map[string]*storage.Client),
		resources:     make(map[string]*storage.Resource),
		resourceByURL: make(map[string]string),
		apiKeys:       make(map[string]*storage.APIKey),
		requests:      make(map[string]*storage.AuthorizationRequest),
		codes:         make(map[string]*storage.AuthorizationCode),
		pairs:         make(map[string]*storage.TokenPair),
		pairByAccess:  make(map[string]string),
		pairByRefresh: make(map[string]string),
		consents:      make(map[string]*storage.UserAuthorization),
		logger:        logger,
		stop:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Close stops the cleanup goroutine.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

// --- ClientStore ---

func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *client
	s.clients[client.ClientID] = &c
	return nil
}

func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	c := *client
	return &c, nil
}

func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		c := *client
		out = append(out, &c)
	}
	return out, nil
}

// --- ResourceStore ---

func (s *Store) SaveResource(_ context.Context, resource *storage.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.resourceByURL[resource.URL]; ok && existingID != resource.ID {
		return storage.ErrDuplicate
	}
	r := *resource
	s.resources[resource.ID] = &r
	s.resourceByURL[resource.URL] = resource.ID
	return nil
}

func (s *Store) GetResource(_ context.Context, resourceID string) (*storage.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resource, ok := s.resources[resourceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	r := *resource
	return &r, nil
}

func (s *Store) GetResourceByURL(ctx context.Context, url string) (*storage.Resource, error) {
	s.mu.RLock()
	id, ok := s.resourceByURL[strings.TrimSuffix(url, "/")]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetResource(ctx, id)
}

func (s *Store) ListResources(_ context.Context) ([]*storage.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Resource, 0, len(s.resources))
	for _, resource := range s.resources {
		r := *resource
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) SaveAPIKey(_ context.Context, key *storage.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := *key
	s.apiKeys[key.ID] = &k
	return nil
}

func (s *Store) GetAPIKey(_ context.Context, keyID string) (*storage.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[keyID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	k := *key
	return &k, nil
}

// --- FlowStore ---

func (s *Store) SaveAuthorizationRequest(_ context.Context, req *storage.AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *req
	s.requests[req.ID] = &r
	return nil
}

func (s *Store) GetAuthorizationRequest(_ context.Context, requestID string) (*storage.AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if req.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	r := *req
	return &r, nil
}

func (s *Store) CompleteAuthorizationRequest(_ context.Context, requestID, userEmail, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return storage.ErrNotFound
	}
	if req.Expired(time.Now()) {
		return storage.ErrExpired
	}
	if req.AuthorizationCode != "" {
		return storage.ErrRequestCompleted
	}
	req.UserEmail = userEmail
	req.Authenticated = true
	req.AuthorizationCode = code
	return nil
}

func (s *Store) DeleteAuthorizationRequest(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, requestID)
	return nil
}

func (s *Store) SaveAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *code
	s.codes[code.Code] = &c
	return nil
}

func (s *Store) GetAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if authCode.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	c := *authCode
	return &c, nil
}

func (s *Store) MarkAuthorizationCodeUsed(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if authCode.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	if authCode.Used {
		return nil, storage.ErrCodeUsed
	}
	authCode.Used = true
	c := *authCode
	return &c, nil
}

func (s *Store) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// --- TokenStore ---

func (s *Store) SaveTokenPair(_ context.Context, pair *storage.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *pair
	s.pairs[pair.ID] = &p
	s.pairByAccess[pair.AccessToken] = pair.ID
	s.pairByRefresh[pair.RefreshToken] = pair.ID
	return nil
}

func (s *Store) GetTokenPairByAccessToken(_ context.Context, accessToken string) (*storage.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairByIndexLocked(s.pairByAccess, accessToken)
}

func (s *Store) GetTokenPairByRefreshToken(_ context.Context, refreshToken string) (*storage.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairByIndexLocked(s.pairByRefresh, refreshToken)
}

// pairByIndexLocked resolves a token value through an index map.
// Caller holds at least the read lock.
func (s *Store) pairByIndexLocked(index map[string]string, tokenValue string) (*storage.TokenPair, error) {
	id, ok := index[tokenValue]
	if !ok {
		return nil, storage.ErrNotFound
	}
	pair, ok := s.pairs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	p := *pair
	return &p, nil
}

func (s *Store) RevokeTokenPair(_ context.Context, pairID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.pairs[pairID]
	if !ok {
		return storage.ErrNotFound
	}
	pair.Revoked = true
	return nil
}

func (s *Store) RevokeTokenPairByRefreshToken(_ context.Context, refreshToken string) (*storage.TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pairByRefresh[refreshToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	pair, ok := s.pairs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if pair.Revoked {
		return nil, storage.ErrRevoked
	}
	if pair.RefreshExpired(time.Now()) {
		return nil, storage.ErrExpired
	}
	pair.Revoked = true
	p := *pair
	return &p, nil
}

// --- ConsentStore ---

func consentKey(userEmail, resourceID, clientID string) string {
	return userEmail + "\x00" + resourceID + "\x00" + clientID
}

func (s *Store) SaveUserAuthorization(_ context.Context, grant *storage.UserAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := *grant
	s.consents[consentKey(grant.UserEmail, grant.ResourceID, grant.ClientID)] = &g
	return nil
}

func (s *Store) GetUserAuthorization(_ context.Context, userEmail, resourceID, clientID string) (*storage.UserAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grant, ok := s.consents[consentKey(userEmail, resourceID, clientID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	g := *grant
	return &g, nil
}

// --- size gauges ---

// RequestsCount reports the number of stored authorization requests,
// for observability gauges.
func (s *Store) RequestsCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.requests))
}

// PairsCount reports the number of stored token pairs.
func (s *Store) PairsCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.pairs))
}

// ClientsCount reports the number of registered clients.
func (s *Store) ClientsCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.clients))
}

// --- cleanup ---

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.stop:
			return
		}
	}
}

// cleanup sweeps expired records. Correctness does not depend on it; reads
// already reject expired records.
func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, req := range s.requests {
		if req.Expired(now) {
			delete(s.requests, id)
			removed++
		}
	}
	for code, authCode := range s.codes {
		if authCode.Expired(now) {
			delete(s.codes, code)
			removed++
		}
	}
	for id, pair := range s.pairs {
		if pair.RefreshExpired(now) {
			delete(s.pairByAccess, pair.AccessToken)
			delete(s.pairByRefresh, pair.RefreshToken)
			delete(s.pairs, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("memory store cleanup", "removed", removed)
	}
}
