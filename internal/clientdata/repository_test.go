package clientdata

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/buntythecoder/trademaster-broker-gateway/internal/testing"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "cache")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn())
}

type ratePayload struct {
	Rate float64 `json:"rate"`
	Base string  `json:"base"`
}

func TestStoreAndGetIfFresh(t *testing.T) {
	repo := setupRepo(t)

	err := repo.Store(TableFxRates, "USD/INR", ratePayload{Rate: 87.5, Base: "USD"}, TTLFxRate)
	require.NoError(t, err)

	raw, err := repo.GetIfFresh(TableFxRates, "USD/INR")
	require.NoError(t, err)
	require.NotNil(t, raw)

	var got ratePayload
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 87.5, got.Rate)
	assert.Equal(t, "USD", got.Base)
}

func TestGetIfFreshMissingKey(t *testing.T) {
	repo := setupRepo(t)

	raw, err := repo.GetIfFresh(TableCurrentPrices, "RELIANCE")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestGetIfFreshSkipsExpired(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Store(TableCurrentPrices, "TCS", ratePayload{Rate: 3400}, -time.Minute))

	raw, err := repo.GetIfFresh(TableCurrentPrices, "TCS")
	require.NoError(t, err)
	assert.Nil(t, raw)

	// Stale read still serves the row.
	raw, err = repo.Get(TableCurrentPrices, "TCS")
	require.NoError(t, err)
	require.NotNil(t, raw)

	var got ratePayload
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, float64(3400), got.Rate)
}

func TestStoreUpsertsOnKey(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Store(TableMarketStatus, "NSE", map[string]string{"status": "OPEN"}, TTLMarketStatus))
	require.NoError(t, repo.Store(TableMarketStatus, "NSE", map[string]string{"status": "CLOSED"}, TTLMarketStatus))

	raw, err := repo.GetIfFresh(TableMarketStatus, "NSE")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "CLOSED", got["status"])
}

func TestDelete(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Store(TablePortfolioCache, "user-1", ratePayload{Rate: 1}, TTLPortfolio))
	require.NoError(t, repo.Delete(TablePortfolioCache, "user-1"))

	raw, err := repo.Get(TablePortfolioCache, "user-1")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestRejectsUnknownTable(t *testing.T) {
	repo := setupRepo(t)

	err := repo.Store("users; DROP TABLE fx_rates", "k", ratePayload{}, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cache table")

	_, err = repo.GetIfFresh("nonsense", "k")
	assert.Error(t, err)

	_, err = repo.DeleteExpired("nonsense")
	assert.Error(t, err)
}

func TestDeleteExpiredCountsRows(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Store(TableFxRates, "USD/INR", ratePayload{Rate: 87.5}, -time.Minute))
	require.NoError(t, repo.Store(TableFxRates, "EUR/INR", ratePayload{Rate: 95.1}, -time.Minute))
	require.NoError(t, repo.Store(TableFxRates, "GBP/INR", ratePayload{Rate: 110.2}, TTLFxRate))

	deleted, err := repo.DeleteExpired(TableFxRates)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	raw, err := repo.Get(TableFxRates, "GBP/INR")
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestDeleteAllExpiredSweepsEveryTable(t *testing.T) {
	repo := setupRepo(t)

	require.NoError(t, repo.Store(TableFxRates, "USD/INR", ratePayload{}, -time.Minute))
	require.NoError(t, repo.Store(TableAccountProfiles, "conn-1", ratePayload{}, -time.Minute))
	require.NoError(t, repo.Store(TablePortfolioCache, "user-1", ratePayload{}, TTLPortfolio))

	results, err := repo.DeleteAllExpired()
	require.NoError(t, err)
	require.Len(t, results, len(AllTables))
	assert.Equal(t, int64(1), results[TableFxRates])
	assert.Equal(t, int64(1), results[TableAccountProfiles])
	assert.Equal(t, int64(0), results[TablePortfolioCache])
}
