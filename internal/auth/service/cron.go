package service

import (
	"crypto/subtle"
	"strings"

	"github.com/smallbiznis/creditledger/internal/auth/domain"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/zap"
)

type cronGuard struct {
	secret []byte
}

// NewCronGuard guards internal job endpoints. An empty CRON_SECRET leaves them open.
func NewCronGuard(cfg config.Config, log *zap.Logger) domain.CronGuard {
	secret := strings.TrimSpace(cfg.CronSecret)
	if secret == "" {
		log.Named("auth.cron").Warn("CRON_SECRET is empty, internal job endpoints are unauthenticated")
	}
	return &cronGuard{secret: []byte(secret)}
}

func (g *cronGuard) Enabled() bool {
	return len(g.secret) > 0
}

func (g *cronGuard) Verify(provided string) error {
	if !g.Enabled() {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(provided)), g.secret) != 1 {
		return domain.ErrInvalidCronToken
	}
	return nil
}
