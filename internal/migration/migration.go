package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	apikeydomain "github.com/smallbiznis/creditledger/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	consumptiondomain "github.com/smallbiznis/creditledger/internal/consumption/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"gorm.io/gorm"
)

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&ledgerdomain.AccountBalance{},
		&ledgerdomain.Transaction{},
		&consumptiondomain.UsageRecord{},
		&subscriptiondomain.SubscriptionRecord{},
		&subscriptiondomain.PaymentEvent{},
		&apikeydomain.APIKey{},
		&auditdomain.AuditLog{},
	}
}

// RunMigrations applies the embedded SQL migrations to a postgres database.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the same schema from the models on mysql and sqlite.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
