// Package auth はBearer JWTによる利用者認証を提供する。
// トークンには利用者ID（sub）、組織ID（org_id）、ロール（role）を含める。
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/bankdash/internal/model"
)

var (
	// ErrInvalidToken は署名・期限・発行者のいずれかが不正なトークンに返される。
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidClaims は必須クレームが欠けている、またはロールが不明なトークンに返される。
	ErrInvalidClaims = errors.New("invalid token claims")
)

// Claims はbankdashのアクセストークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	OrgID int64      `json:"org_id"`
	Role  model.Role `json:"role"`
}

// Verifier はHS256で署名されたアクセストークンを検証する。
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier はVerifierを生成する。
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify はトークンを検証し、Principalを返す。
func (v *Verifier) Verify(tokenString string) (model.Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return model.Principal{}, ErrInvalidToken
	}

	if claims.Subject == "" || claims.OrgID <= 0 || !claims.Role.Valid() {
		return model.Principal{}, ErrInvalidClaims
	}

	return model.Principal{
		UserID:         claims.Subject,
		OrganizationID: claims.OrgID,
		Role:           claims.Role,
	}, nil
}

// Issuer はアクセストークンを発行する。開発用のtokenサブコマンドとテストで使う。
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer はIssuerを生成する。
func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue はPrincipalに対するアクセストークンと有効期限を返す。
func (i *Issuer) Issue(p model.Principal) (string, time.Time, error) {
	if p.UserID == "" || p.OrganizationID <= 0 || !p.Role.Valid() {
		return "", time.Time{}, ErrInvalidClaims
	}

	now := i.now().UTC()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		OrgID: p.OrganizationID,
		Role:  p.Role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}
