package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/pixmint/credits-backend/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UID  string
	Tier enums.AccountTier
	JTI  string
}

// AccessTokenClaims represents the typed JWT presented by mobile clients.
type AccessTokenClaims struct {
	UID  string            `json:"uid"`
	Tier enums.AccountTier `json:"tier,omitempty"`
	jwt.RegisteredClaims
}
