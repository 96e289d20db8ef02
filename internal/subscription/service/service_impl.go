package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	obslogger "github.com/smallbiznis/creditledger/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      subscriptiondomain.Repository
	Clock     clock.Clock
	Cfg       config.Config
	Providers subscriptiondomain.ProviderDirectory `optional:"true"`
	AuditSvc  auditdomain.Service                  `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	repo           subscriptiondomain.Repository
	clock          clock.Clock
	providers      subscriptiondomain.ProviderDirectory
	auditSvc       auditdomain.Service
	defaultPriceID string
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("subscription.service"),
		genID:          p.GenID,
		repo:           p.Repo,
		clock:          p.Clock,
		providers:      p.Providers,
		auditSvc:       p.AuditSvc,
		defaultPriceID: strings.TrimSpace(p.Cfg.Stripe.DefaultPriceID),
	}
}

func (s *Service) ApplyProviderEvent(ctx context.Context, event subscriptiondomain.ProviderEvent) error {
	event.ID = strings.TrimSpace(event.ID)
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.ID == "" || event.Provider == "" || event.Payload == nil || strings.TrimSpace(event.Payload.SubscriptionRef()) == "" {
		return subscriptiondomain.ErrInvalidEvent
	}

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ID),
		zap.String("event_type", string(event.Type())),
		zap.String("external_subscription_id", event.Payload.SubscriptionRef()),
	)

	now := s.clock.Now()
	eventData := datatypes.JSON(event.Raw)
	if len(eventData) == 0 {
		eventData = datatypes.JSON("{}")
	}

	var applied transition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.repo.InsertEvent(ctx, tx, &subscriptiondomain.PaymentEvent{
			ID:              s.genID.Generate(),
			Provider:        event.Provider,
			ProviderEventID: event.ID,
			EventType:       string(event.Type()),
			EventData:       eventData,
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		claimed, err := s.repo.ClaimEvent(ctx, tx, event.Provider, event.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return subscriptiondomain.ErrEventAlreadyProcessed
		}

		current, err := s.repo.FindByExternalID(ctx, tx, event.Provider, event.Payload.SubscriptionRef())
		if err != nil {
			return err
		}

		applied = decide(current, event, now)
		if applied.skip == skipUnknownSubscription {
			return subscriptiondomain.ErrSubscriptionUnknown
		}
		if applied.record == nil {
			if current != nil {
				return s.repo.LinkEvent(ctx, tx, event.Provider, event.ID, current.ID)
			}
			return nil
		}

		if applied.create {
			applied.record.ID = s.genID.Generate()
			if err := s.repo.Insert(ctx, tx, applied.record); err != nil {
				return err
			}
		} else if err := s.repo.Update(ctx, tx, applied.record); err != nil {
			return err
		}
		return s.repo.LinkEvent(ctx, tx, event.Provider, event.ID, applied.record.ID)
	})
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrEventAlreadyProcessed) {
			log.Info("provider event already processed")
			return err
		}
		if errors.Is(err, subscriptiondomain.ErrSubscriptionUnknown) {
			log.Warn("provider event deferred until the subscription is known")
			return err
		}
		log.Error("apply provider event failed", zap.Error(err))
		return err
	}

	if applied.skip != "" {
		log.Warn("provider event recorded without transition", zap.String("skip_reason", applied.skip))
		return nil
	}
	if applied.record != nil {
		log.Info("subscription transitioned",
			zap.String("subscription_id", applied.record.ID.String()),
			zap.String("user_id", applied.record.UserID),
			zap.String("status", string(applied.record.Status)),
			zap.Bool("cancel_at_period_end", applied.record.CancelAtPeriodEnd),
			zap.Bool("created", applied.create),
		)
	}
	return nil
}

func (s *Service) CancelSubscription(ctx context.Context, subscriptionID, requestingUserID string) (subscriptiondomain.SubscriptionRecord, error) {
	requestingUserID = strings.TrimSpace(requestingUserID)
	if requestingUserID == "" {
		return subscriptiondomain.SubscriptionRecord{}, subscriptiondomain.ErrInvalidUserID
	}
	id, err := snowflake.ParseString(strings.TrimSpace(subscriptionID))
	if err != nil {
		return subscriptiondomain.SubscriptionRecord{}, subscriptiondomain.ErrNotFound
	}

	record, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.SubscriptionRecord{}, err
	}
	if record == nil || record.UserID != requestingUserID {
		return subscriptiondomain.SubscriptionRecord{}, subscriptiondomain.ErrNotFound
	}
	if record.Status == subscriptiondomain.StatusCanceled || record.CancelAtPeriodEnd {
		return *record, nil
	}

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("subscription_id", record.ID.String()),
		zap.String("provider", record.Provider),
	)

	client, err := s.client(record.Provider)
	if err != nil {
		log.Error("payment provider unavailable", zap.Error(err))
		return subscriptiondomain.SubscriptionRecord{}, subscriptiondomain.ErrProviderError
	}
	if err := client.CancelSubscription(ctx, record.ExternalSubscriptionID); err != nil {
		log.Error("provider cancel failed", zap.Error(err))
		return subscriptiondomain.SubscriptionRecord{}, subscriptiondomain.ErrProviderError
	}

	if err := s.repo.MarkCancelAtPeriodEnd(ctx, s.db, record.ID, s.clock.Now()); err != nil {
		return subscriptiondomain.SubscriptionRecord{}, err
	}
	updated, err := s.repo.FindByID(ctx, s.db, record.ID)
	if err != nil {
		return subscriptiondomain.SubscriptionRecord{}, err
	}
	if updated == nil {
		return subscriptiondomain.SubscriptionRecord{}, subscriptiondomain.ErrNotFound
	}
	log.Info("subscription set to cancel at period end")
	if s.auditSvc != nil {
		targetID := updated.ID.String()
		_ = s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeUser, &requestingUserID, auditdomain.ActionSubscriptionCancel, "subscription", &targetID, map[string]any{
			"provider":                 updated.Provider,
			"external_subscription_id": updated.ExternalSubscriptionID,
		})
	}
	return *updated, nil
}

// CreateCheckout opens a provider checkout session. It is called once and never retried,
// a failed attempt is reported to the user who can start over.
func (s *Service) CreateCheckout(ctx context.Context, req subscriptiondomain.CheckoutRequest) (subscriptiondomain.CheckoutSession, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.PriceID = strings.TrimSpace(req.PriceID)
	if req.UserID == "" {
		return subscriptiondomain.CheckoutSession{}, subscriptiondomain.ErrInvalidUserID
	}
	if req.PriceID == "" {
		req.PriceID = s.defaultPriceID
	}
	if req.PriceID == "" {
		return subscriptiondomain.CheckoutSession{}, subscriptiondomain.ErrInvalidPriceID
	}
	if !validRedirectURL(req.SuccessURL) || !validRedirectURL(req.CancelURL) {
		return subscriptiondomain.CheckoutSession{}, subscriptiondomain.ErrInvalidRedirectURL
	}

	current, err := s.repo.FindCurrentForUser(ctx, s.db, req.UserID, subscriptiondomain.ActivePaidStatuses)
	if err != nil {
		return subscriptiondomain.CheckoutSession{}, err
	}
	if current != nil && current.Status.IsActivePaid() && !current.CancelAtPeriodEnd {
		return subscriptiondomain.CheckoutSession{}, subscriptiondomain.ErrAlreadySubscribed
	}

	log := obslogger.WithContext(ctx, s.log)
	if s.providers == nil {
		log.Error("payment provider unavailable")
		return subscriptiondomain.CheckoutSession{}, subscriptiondomain.ErrProviderError
	}
	provider := s.providers.DefaultProvider()
	client, err := s.client(provider)
	if err != nil {
		log.Error("payment provider unavailable", zap.String("provider", provider), zap.Error(err))
		return subscriptiondomain.CheckoutSession{}, subscriptiondomain.ErrProviderError
	}

	params := subscriptiondomain.CheckoutParams{
		UserID:     req.UserID,
		PriceID:    req.PriceID,
		SuccessURL: strings.TrimSpace(req.SuccessURL),
		CancelURL:  strings.TrimSpace(req.CancelURL),
	}
	params.IdempotencyKey = checkoutIdempotencyKey(params, s.clock.Now())
	session, err := client.CreateCheckoutSession(ctx, params)
	if err != nil {
		log.Error("create checkout session failed", zap.String("provider", provider), zap.Error(err))
		return subscriptiondomain.CheckoutSession{}, subscriptiondomain.ErrProviderError
	}
	if session.Provider == "" {
		session.Provider = provider
	}
	return session, nil
}

func (s *Service) GetForUser(ctx context.Context, userID string) (*subscriptiondomain.SubscriptionRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, subscriptiondomain.ErrInvalidUserID
	}
	return s.repo.FindCurrentForUser(ctx, s.db, userID, subscriptiondomain.ActivePaidStatuses)
}

func (s *Service) HasActivePaidSubscription(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, subscriptiondomain.ErrInvalidUserID
	}
	rows, err := s.repo.ListPaidUserIDs(ctx, s.db, []string{userID}, subscriptiondomain.ActivePaidStatuses)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Service) ListUsersWithActivePaidSubscription(ctx context.Context, userIDs []string) (map[string]bool, error) {
	rows, err := s.repo.ListPaidUserIDs(ctx, s.db, userIDs, subscriptiondomain.ActivePaidStatuses)
	if err != nil {
		return nil, err
	}
	paid := make(map[string]bool, len(rows))
	for _, userID := range rows {
		paid[userID] = true
	}
	return paid, nil
}

func (s *Service) client(provider string) (subscriptiondomain.ProviderClient, error) {
	if s.providers == nil {
		return nil, errors.New("provider_directory_missing")
	}
	return s.providers.Client(provider)
}

func validRedirectURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (parsed.Scheme == "https" || parsed.Scheme == "http") && parsed.Host != ""
}

// checkoutIdempotencyKey is stable for identical checkout requests within the
// same UTC hour. An open provider session outlives that window.
func checkoutIdempotencyKey(params subscriptiondomain.CheckoutParams, now time.Time) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		params.UserID,
		params.PriceID,
		params.SuccessURL,
		params.CancelURL,
		now.UTC().Truncate(time.Hour).Format(time.RFC3339),
	}, "\n")))
	return "checkout:" + hex.EncodeToString(sum[:16])
}
