package service

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/creditledger/internal/auth/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	Cfg   config.Config
	Clock clock.Clock
}

// Service verifies HS256 session tokens minted by the identity provider.
// The subject claim is the user id.
type Service struct {
	log      *zap.Logger
	secret   []byte
	issuer   string
	audience string
	clock    clock.Clock
}

func New(p Params) domain.Service {
	log := p.Log.Named("auth.service")
	if p.Cfg.AuthJWTSecret == "" {
		log.Warn("AUTH_JWT_SECRET is empty, session routes will reject every request")
	}
	return &Service{
		log:      log,
		secret:   []byte(p.Cfg.AuthJWTSecret),
		issuer:   p.Cfg.AuthJWTIssuer,
		audience: p.Cfg.AuthJWTAudience,
		clock:    p.Clock,
	}
}

func (s *Service) Authenticate(ctx context.Context, rawToken string) (*domain.Session, error) {
	if len(s.secret) == 0 {
		return nil, domain.ErrNotConfigured
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, domain.ErrInvalidSession
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrSessionExpired
		}
		s.log.Debug("session token rejected", zap.Error(err))
		return nil, domain.ErrInvalidSession
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, domain.ErrInvalidSession
	}

	session := &domain.Session{UserID: claims.Subject}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}
