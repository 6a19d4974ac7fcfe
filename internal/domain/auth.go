package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// ScopeAggregateRead разрешает чтение агрегатов дашбордов через API.
const ScopeAggregateRead = "aggregate.read"

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true или "aggregate.read": true
	jwt.RegisteredClaims
}

// Principal — тот, кто вызвал API: пользователь с JWT или сервисный API-ключ.
type Principal struct {
	ID     string
	Scopes map[string]bool
}

func (p *Principal) Can(scope string) bool {
	if p == nil {
		return false
	}
	return p.Scopes["admin"] || p.Scopes[scope]
}
