package domain

import (
	"github.com/golang-jwt/jwt"
	"github.com/x-xyz/bidengine/base/ctx"
)

const (
	RoleAdmin = "admin"
)

type JwtCustomClaims struct {
	UserId string   `json:"data"`
	Roles  []string `json:"roles,omitempty"`
	jwt.StandardClaims
}

func (c *JwtCustomClaims) IsAdmin() bool {
	for _, r := range c.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// Principal is the authenticated caller of a request
type Principal struct {
	UserId  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin"`
}

type AuthUsecase interface {
	SignToken(ctx ctx.Ctx, userId string, roles []string) (string, error)
	ParseToken(ctx ctx.Ctx, token string) (*Principal, error)
}
