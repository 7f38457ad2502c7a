// Package redis provides a Redis/Valkey storage backend. Entities are
// stored as JSON; mutable flow records (authorization requests, codes,
// token pairs) are hashes carrying the JSON blob plus flag fields so the
// conditional state transitions can run as Lua scripts. Expiry rides on
// Redis key TTLs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authagent/mcp-auth/storage"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, default "mcpauth"
}

// Store implements the storage interfaces on Redis.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	requestTTL time.Duration
	codeTTL    time.Duration
	pairTTL    time.Duration
}

var (
	_ storage.ClientStore   = (*Store)(nil)
	_ storage.ResourceStore = (*Store)(nil)
	_ storage.FlowStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.ConsentStore  = (*Store)(nil)
)

// New connects to Redis and verifies the connection. TTLs bound how long
// flow records may linger beyond their own expiry timestamps.
func New(ctx context.Context, cfg Config, requestTTL, codeTTL, pairTTL time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "mcpauth"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{
		client:     client,
		prefix:     cfg.Prefix,
		logger:     logger,
		requestTTL: requestTTL,
		codeTTL:    codeTTL,
		pairTTL:    pairTTL,
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// getJSON loads and decodes a plain JSON value.
func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	return json.Unmarshal([]byte(raw), v)
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, ttl).Err()
}

// --- ClientStore ---

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if err := s.setJSON(ctx, s.key("client", client.ClientID), client, 0); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("clients"), client.ClientID).Err()
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var client storage.Client
	if err := s.getJSON(ctx, s.key("client", clientID), &client); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrClientNotFound
		}
		return nil, err
	}
	return &client, nil
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.SMembers(ctx, s.key("clients")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	out := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		client, err := s.GetClient(ctx, id)
		if errors.Is(err, storage.ErrClientNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, client)
	}
	return out, nil
}

// --- ResourceStore ---

func (s *Store) SaveResource(ctx context.Context, resource *storage.Resource) error {
	// Claim the URL first so two concurrent saves cannot share it.
	ok, err := s.client.SetNX(ctx, s.key("resurl", resource.URL), resource.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		existing, err := s.client.Get(ctx, s.key("resurl", resource.URL)).Result()
		if err == nil && existing != resource.ID {
			return storage.ErrDuplicate
		}
	}
	if err := s.setJSON(ctx, s.key("resource", resource.ID), resource, 0); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("resources"), resource.ID).Err()
}

func (s *Store) GetResource(ctx context.Context, resourceID string) (*storage.Resource, error) {
	var resource storage.Resource
	if err := s.getJSON(ctx, s.key("resource", resourceID), &resource); err != nil {
		return nil, err
	}
	return &resource, nil
}

func (s *Store) GetResourceByURL(ctx context.Context, url string) (*storage.Resource, error) {
	id, err := s.client.Get(ctx, s.key("resurl", strings.TrimSuffix(url, "/"))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return s.GetResource(ctx, id)
}

func (s *Store) ListResources(ctx context.Context) ([]*storage.Resource, error) {
	ids, err := s.client.SMembers(ctx, s.key("resources")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	out := make([]*storage.Resource, 0, len(ids))
	for _, id := range ids {
		resource, err := s.GetResource(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, resource)
	}
	return out, nil
}

func (s *Store) SaveAPIKey(ctx context.Context, key *storage.APIKey) error {
	return s.setJSON(ctx, s.key("apikey", key.ID), key, 0)
}

func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*storage.APIKey, error) {
	var key storage.APIKey
	if err := s.getJSON(ctx, s.key("apikey", keyID), &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// --- FlowStore ---

// completeRequestScript transitions an authorization request to its
// terminal consented state exactly once.
var completeRequestScript = redis.NewScript(`
local data = redis.call('HGET', KEYS[1], 'data')
if not data then return 'NOTFOUND' end
if redis.call('HGET', KEYS[1], 'code') then return 'COMPLETED' end
redis.call('HSET', KEYS[1], 'code', ARGV[1], 'email', ARGV[2])
return 'OK'
`)

// markCodeUsedScript flips the used flag exactly once and returns the code
// record to the winner.
var markCodeUsedScript = redis.NewScript(`
local data = redis.call('HGET', KEYS[1], 'data')
if not data then return 'NOTFOUND' end
if redis.call('HGET', KEYS[1], 'used') then return 'USED' end
redis.call('HSET', KEYS[1], 'used', '1')
return data
`)

// revokeByRefreshScript revokes the pair behind a refresh token exactly
// once and returns the pair record to the winner.
var revokeByRefreshScript = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then return 'NOTFOUND' end
local pairKey = ARGV[1] .. ':pair:' .. id
local data = redis.call('HGET', pairKey, 'data')
if not data then return 'NOTFOUND' end
if redis.call('HGET', pairKey, 'revoked') then return 'REVOKED' end
redis.call('HSET', pairKey, 'revoked', '1')
return data
`)

func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	key := s.key("req", req.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "data", raw)
	pipe.Expire(ctx, key, s.requestTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetAuthorizationRequest(ctx context.Context, requestID string) (*storage.AuthorizationRequest, error) {
	fields, err := s.client.HGetAll(ctx, s.key("req", requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	raw, ok := fields["data"]
	if !ok {
		return nil, storage.ErrNotFound
	}
	var req storage.AuthorizationRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, err
	}
	if code, ok := fields["code"]; ok {
		req.AuthorizationCode = code
		req.Authenticated = true
		req.UserEmail = fields["email"]
	}
	if req.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	return &req, nil
}

func (s *Store) CompleteAuthorizationRequest(ctx context.Context, requestID, userEmail, code string) error {
	res, err := completeRequestScript.Run(ctx, s.client, []string{s.key("req", requestID)}, code, userEmail).Text()
	if err != nil {
		return fmt.Errorf("redis eval: %w", err)
	}
	switch res {
	case "OK":
		return nil
	case "COMPLETED":
		return storage.ErrRequestCompleted
	default:
		return storage.ErrNotFound
	}
}

func (s *Store) DeleteAuthorizationRequest(ctx context.Context, requestID string) error {
	return s.client.Del(ctx, s.key("req", requestID)).Err()
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	raw, err := json.Marshal(code)
	if err != nil {
		return err
	}
	key := s.key("code", code.Code)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "data", raw)
	pipe.Expire(ctx, key, s.codeTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	fields, err := s.client.HGetAll(ctx, s.key("code", code)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	raw, ok := fields["data"]
	if !ok {
		return nil, storage.ErrNotFound
	}
	var authCode storage.AuthorizationCode
	if err := json.Unmarshal([]byte(raw), &authCode); err != nil {
		return nil, err
	}
	authCode.Used = fields["used"] == "1"
	if authCode.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	return &authCode, nil
}

func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	res, err := markCodeUsedScript.Run(ctx, s.client, []string{s.key("code", code)}).Text()
	if err != nil {
		return nil, fmt.Errorf("redis eval: %w", err)
	}
	switch res {
	case "NOTFOUND":
		return nil, storage.ErrNotFound
	case "USED":
		return nil, storage.ErrCodeUsed
	}
	var authCode storage.AuthorizationCode
	if err := json.Unmarshal([]byte(res), &authCode); err != nil {
		return nil, err
	}
	if authCode.Expired(time.Now()) {
		return nil, storage.ErrExpired
	}
	authCode.Used = true
	return &authCode, nil
}

func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return s.client.Del(ctx, s.key("code", code)).Err()
}

// --- TokenStore ---

func (s *Store) SaveTokenPair(ctx context.Context, pair *storage.TokenPair) error {
	raw, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	key := s.key("pair", pair.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "data", raw)
	pipe.Expire(ctx, key, s.pairTTL)
	pipe.Set(ctx, s.key("paccess", pair.AccessToken), pair.ID, s.pairTTL)
	pipe.Set(ctx, s.key("prefresh", pair.RefreshToken), pair.ID, s.pairTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetTokenPairByAccessToken(ctx context.Context, accessToken string) (*storage.TokenPair, error) {
	return s.pairByIndex(ctx, s.key("paccess", accessToken))
}

func (s *Store) GetTokenPairByRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenPair, error) {
	return s.pairByIndex(ctx, s.key("prefresh", refreshToken))
}

func (s *Store) pairByIndex(ctx context.Context, indexKey string) (*storage.TokenPair, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return s.getPair(ctx, id)
}

func (s *Store) getPair(ctx context.Context, pairID string) (*storage.TokenPair, error) {
	fields, err := s.client.HGetAll(ctx, s.key("pair", pairID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	raw, ok := fields["data"]
	if !ok {
		return nil, storage.ErrNotFound
	}
	var pair storage.TokenPair
	if err := json.Unmarshal([]byte(raw), &pair); err != nil {
		return nil, err
	}
	pair.Revoked = fields["revoked"] == "1"
	return &pair, nil
}

func (s *Store) RevokeTokenPair(ctx context.Context, pairID string) error {
	n, err := s.client.Exists(ctx, s.key("pair", pairID)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return s.client.HSet(ctx, s.key("pair", pairID), "revoked", "1").Err()
}

func (s *Store) RevokeTokenPairByRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenPair, error) {
	res, err := revokeByRefreshScript.Run(ctx, s.client,
		[]string{s.key("prefresh", refreshToken)}, s.prefix).Text()
	if err != nil {
		return nil, fmt.Errorf("redis eval: %w", err)
	}
	switch res {
	case "NOTFOUND":
		return nil, storage.ErrNotFound
	case "REVOKED":
		return nil, storage.ErrRevoked
	}
	var pair storage.TokenPair
	if err := json.Unmarshal([]byte(res), &pair); err != nil {
		return nil, err
	}
	if pair.RefreshExpired(time.Now()) {
		return nil, storage.ErrExpired
	}
	pair.Revoked = true
	return &pair, nil
}

// --- ConsentStore ---

func (s *Store) SaveUserAuthorization(ctx context.Context, grant *storage.UserAuthorization) error {
	return s.setJSON(ctx, s.key("consent", grant.UserEmail, grant.ResourceID, grant.ClientID), grant, 0)
}

func (s *Store) GetUserAuthorization(ctx context.Context, userEmail, resourceID, clientID string) (*storage.UserAuthorization, error) {
	var grant storage.UserAuthorization
	if err := s.getJSON(ctx, s.key("consent", userEmail, resourceID, clientID), &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}
