package metricspush

import (
	"context"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// LedgerGauges snapshots ledger totals and process memory before each push.
type LedgerGauges struct {
	accounts    prometheus.Gauge
	outstanding prometheus.Gauge
	memory      prometheus.Gauge
}

func NewLedgerGauges(registerer prometheus.Registerer) *LedgerGauges {
	g := &LedgerGauges{
		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_ledger_accounts",
			Help: "Number of accounts with a balance row.",
		}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_ledger_outstanding_credits",
			Help: "Sum of all account balances in credits.",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creditledger_process_memory_bytes",
			Help: "Bytes of memory obtained from the OS.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(g.accounts, g.outstanding, g.memory)
	}
	return g
}

type ledgerTotals struct {
	Accounts int64
	Credits  int64
}

func (g *LedgerGauges) Refresh(ctx context.Context, db *gorm.DB) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	g.memory.Set(float64(m.Sys))

	if db == nil {
		return nil
	}
	var totals ledgerTotals
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS accounts, COALESCE(SUM(balance), 0) AS credits FROM account_balances`,
	).Scan(&totals).Error
	if err != nil {
		return err
	}
	g.accounts.Set(float64(totals.Accounts))
	g.outstanding.Set(float64(totals.Credits))
	return nil
}
