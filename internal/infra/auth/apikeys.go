package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/telemetry-aggregator/internal/domain"
	"github.com/xela07ax/telemetry-aggregator/internal/infra"
)

var ErrInvalidAPIKey = errors.New("invalid api key")

type apiKey struct {
	hash   []byte
	scopes map[string]bool
}

// APIKeyStore проверяет сервисные ключи вида <id>.<secret> по bcrypt-хэшам из конфига.
type APIKeyStore struct {
	keys map[string]apiKey
}

func NewAPIKeyStore(cfg []infra.APIKeyConfig) (*APIKeyStore, error) {
	s := &APIKeyStore{keys: make(map[string]apiKey, len(cfg))}
	for _, k := range cfg {
		if k.ID == "" || k.Hash == "" {
			return nil, fmt.Errorf("api key %q: id and hash are required", k.ID)
		}
		if _, err := bcrypt.Cost([]byte(k.Hash)); err != nil {
			return nil, fmt.Errorf("api key %q: %w", k.ID, err)
		}
		scopes := make(map[string]bool, len(k.Scopes))
		for _, sc := range k.Scopes {
			scopes[sc] = true
		}
		s.keys[k.ID] = apiKey{hash: []byte(k.Hash), scopes: scopes}
	}
	return s, nil
}

func (s *APIKeyStore) Verify(raw string) (*domain.Principal, error) {
	id, secret, ok := strings.Cut(raw, ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidAPIKey
	}
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword(k.hash, []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &domain.Principal{ID: "key:" + id, Scopes: k.scopes}, nil
}

// HashAPIKey готовит значение для auth.api_keys[].hash.
func HashAPIKey(secret string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
