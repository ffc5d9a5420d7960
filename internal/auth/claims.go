package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/sessiongate/internal/model"
)

// AMREntry はアクセストークンのamrクレームの1要素。
// GoTrueは認証に使われた方式を発生順に記録する。
type AMREntry struct {
	Method    string `json:"method"`
	Timestamp int64  `json:"timestamp"`
}

// Claims はGoTrueが発行するアクセストークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	Email string     `json:"email"`
	AMR   []AMREntry `json:"amr"`
}

// AuthMethod はamrクレームの先頭要素から認証方式を返す。
// amrが空の場合はAuthMethodUnknownを返す。
func (c *Claims) AuthMethod() model.AuthMethod {
	if len(c.AMR) == 0 || c.AMR[0].Method == "" {
		return model.AuthMethodUnknown
	}
	return model.AuthMethod(c.AMR[0].Method)
}

// ClaimsParser はアクセストークンを解析する。
// secretが空の場合は署名を検証せずに解析する。
type ClaimsParser struct {
	secret []byte
}

// NewClaimsParser はClaimsParserを生成する。
func NewClaimsParser(secret string) *ClaimsParser {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &ClaimsParser{secret: key}
}

// Parse はアクセストークンを解析してクレームを返す。
// 期限切れは呼び出し元でExpiresAtを使って判定するため、ここではエラーにしない。
func (p *ClaimsParser) Parse(accessToken string) (*Claims, error) {
	claims := &Claims{}

	if p.secret == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
			return nil, fmt.Errorf("failed to parse access token: %w", err)
		}
		return claims, nil
	}

	_, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	}
	return claims, nil
}

// SessionFromToken はトークン発行レスポンスからクライアント単位のセッションを組み立てる。
func (p *ClaimsParser) SessionFromToken(clientID string, tok *TokenResponse, now time.Time) (*model.Session, error) {
	claims, err := p.Parse(tok.AccessToken)
	if err != nil {
		return nil, err
	}

	s := &model.Session{
		ID:           clientID,
		UserID:       tok.User.ID,
		Email:        tok.User.Email,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		AuthMethod:   claims.AuthMethod(),
		IssuedAt:     now,
	}
	if s.UserID == "" {
		s.UserID = claims.Subject
	}
	if s.Email == "" {
		s.Email = claims.Email
	}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}

	switch {
	case tok.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tok.ExpiresAt, 0)
	case claims.ExpiresAt != nil:
		s.ExpiresAt = claims.ExpiresAt.Time
	case tok.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	if s.UserID == "" {
		return nil, fmt.Errorf("access token has no subject")
	}
	return s, nil
}
