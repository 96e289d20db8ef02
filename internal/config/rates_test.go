package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRatesHolderUsesDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewRatesHolder(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRatesConfig(), holder.Get())
}

func TestNewRatesHolderMergesFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yml")
	content := []byte("rates:\n  costPerCall: 2\n  quotas:\n    free:\n      apiCalls: 5\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewRatesHolder(Config{RatesConfigPath: path})
	require.NoError(t, err)

	rates := holder.Get()
	assert.Equal(t, int64(2), rates.CostPerCall)
	assert.Equal(t, int64(5), rates.Quotas.Free.APICalls)
	assert.Equal(t, DefaultRatesConfig().CostPerGBMonth, rates.CostPerGBMonth)
	assert.Equal(t, DefaultRatesConfig().Quotas.Paid, rates.Quotas.Paid)
}

func TestNewRatesHolderRejectsNegativeRates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yml")
	require.NoError(t, os.WriteFile(path, []byte("rates:\n  costPerCall: -1\n"), 0o600))

	_, err := NewRatesHolder(Config{RatesConfigPath: path})
	assert.Error(t, err)
}

func TestRatesHolderStoreValidates(t *testing.T) {
	holder := NewStaticRatesHolder(DefaultRatesConfig())

	bad := DefaultRatesConfig()
	bad.Quotas.Paid.APICalls = -10
	assert.Error(t, holder.Store(bad))
	assert.Equal(t, DefaultRatesConfig(), holder.Get())

	good := DefaultRatesConfig()
	good.CostPerCall = 3
	require.NoError(t, holder.Store(good))
	assert.Equal(t, int64(3), holder.Get().CostPerCall)
}
