// Package catalog answers security reference-data lookups: company names,
// sectors, asset classes, lot sizes and ISIN-to-symbol mapping.
//
// Resolution order is overrides table first, then the built-in static
// table. Overrides live in the cache database and are loaded once at
// startup; the table is small (operator-curated) so a full in-memory copy
// beats per-lookup queries during normalization.
package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Asset classes returned by AssetClass.
const (
	ClassEquity     = "EQUITY"
	ClassETF        = "ETF"
	ClassDerivative = "DERIVATIVE"
	ClassCommodity  = "COMMODITY"
)

// Derivative exchanges where brokers may report quantity in lots.
var derivativeExchanges = map[string]bool{
	"NFO":   true,
	"MCX":   true,
	"CDS":   true,
	"NCDEX": true,
}

// Override is one operator-curated reference data row. Overrides win over
// the static table.
type Override struct {
	CompanyName string
	Sector      string
	AssetClass  string
	MarketCap   string
	ISIN        string
	LotSize     int
	ETF         bool
}

// Catalog resolves reference data for normalization and aggregation.
// Safe for concurrent use; the override set is immutable after Load.
type Catalog struct {
	db *sql.DB

	mu        sync.RWMutex
	overrides map[string]Override
	byISIN    map[string]string

	log zerolog.Logger
}

// New creates a catalog backed by the cache database. The db may be nil in
// tests, leaving only the static table.
func New(db *sql.DB, log zerolog.Logger) *Catalog {
	c := &Catalog{
		db:        db,
		overrides: make(map[string]Override),
		byISIN:    make(map[string]string),
		log:       log.With().Str("component", "catalog").Logger(),
	}
	c.indexStaticISINs()
	return c
}

func (c *Catalog) indexStaticISINs() {
	for symbol, e := range staticEntries {
		if e.ISIN != "" {
			c.byISIN[e.ISIN] = symbol
		}
	}
}

// Load reads the overrides table into memory. Missing table or nil db is
// not an error; the static table still serves.
func (c *Catalog) Load() error {
	if c.db == nil {
		return nil
	}

	rows, err := c.db.Query(`
		SELECT symbol, company_name, sector, asset_class, market_cap, isin, lot_size, is_etf
		FROM catalog_overrides`)
	if err != nil {
		return fmt.Errorf("failed to load catalog overrides: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]Override)
	isins := make(map[string]string)
	for rows.Next() {
		var symbol string
		var o Override
		var etf int
		if err := rows.Scan(&symbol, &o.CompanyName, &o.Sector, &o.AssetClass, &o.MarketCap, &o.ISIN, &o.LotSize, &etf); err != nil {
			return fmt.Errorf("failed to scan catalog override: %w", err)
		}
		o.ETF = etf != 0
		symbol = strings.ToUpper(symbol)
		loaded[symbol] = o
		if o.ISIN != "" {
			isins[o.ISIN] = symbol
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read catalog overrides: %w", err)
	}

	c.mu.Lock()
	c.overrides = loaded
	for isin, symbol := range isins {
		c.byISIN[isin] = symbol
	}
	c.mu.Unlock()

	c.log.Info().Int("overrides", len(loaded)).Msg("Catalog loaded")
	return nil
}

// Upsert stores or updates one Override row and refreshes the in-memory
// copy. Used by the admin surface to correct broker reference data.
func (c *Catalog) Upsert(symbol string, o Override) error {
	if c.db == nil {
		return fmt.Errorf("catalog has no database")
	}
	symbol = strings.ToUpper(symbol)

	etf := 0
	if o.ETF {
		etf = 1
	}
	_, err := c.db.Exec(`
		INSERT INTO catalog_overrides (symbol, company_name, sector, asset_class, market_cap, isin, lot_size, is_etf, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'))
		ON CONFLICT(symbol) DO UPDATE SET
			company_name = excluded.company_name,
			sector       = excluded.sector,
			asset_class  = excluded.asset_class,
			market_cap   = excluded.market_cap,
			isin         = excluded.isin,
			lot_size     = excluded.lot_size,
			is_etf       = excluded.is_etf,
			updated_at   = excluded.updated_at`,
		symbol, o.CompanyName, o.Sector, o.AssetClass, o.MarketCap, o.ISIN, o.LotSize, etf)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog override: %w", err)
	}

	c.mu.Lock()
	c.overrides[symbol] = o
	if o.ISIN != "" {
		c.byISIN[o.ISIN] = symbol
	}
	c.mu.Unlock()
	return nil
}

func (c *Catalog) lookup(symbol string) (Override, bool) {
	symbol = strings.ToUpper(symbol)

	c.mu.RLock()
	o, ok := c.overrides[symbol]
	c.mu.RUnlock()
	if ok {
		return o, true
	}

	if e, ok := staticEntries[symbol]; ok {
		return Override{
			CompanyName: e.CompanyName,
			Sector:      e.Sector,
			AssetClass:  e.AssetClass,
			MarketCap:   e.MarketCap,
			ISIN:        e.ISIN,
			LotSize:     e.LotSize,
			ETF:         e.ETF,
		}, true
	}
	return Override{}, false
}

// CompanyName returns the issuer name, or empty when unknown.
func (c *Catalog) CompanyName(symbol string) string {
	o, _ := c.lookup(symbol)
	return o.CompanyName
}

// Sector returns the sector classification, or empty when unknown.
func (c *Catalog) Sector(symbol string) string {
	o, _ := c.lookup(symbol)
	return o.Sector
}

// AssetClass returns the asset class; unknown symbols default to EQUITY.
func (c *Catalog) AssetClass(symbol string) string {
	if o, ok := c.lookup(symbol); ok && o.AssetClass != "" {
		return o.AssetClass
	}
	return ClassEquity
}

// MarketCap returns the capitalization band, or empty when unknown.
func (c *Catalog) MarketCap(symbol string) string {
	o, _ := c.lookup(symbol)
	return o.MarketCap
}

// LotSize returns the contract lot size for derivative exchanges.
// Cash-equity exchanges and unknown contracts trade in single units.
func (c *Catalog) LotSize(symbol, exchange string) int {
	if !derivativeExchanges[strings.ToUpper(exchange)] {
		return 1
	}
	if o, ok := c.lookup(symbol); ok && o.LotSize > 0 {
		return o.LotSize
	}
	if size, ok := staticLotSizes[strings.ToUpper(symbol)]; ok {
		return size
	}
	return 1
}

// SymbolForISIN maps an ISIN to its canonical symbol.
func (c *Catalog) SymbolForISIN(isin string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	symbol, ok := c.byISIN[strings.ToUpper(isin)]
	return symbol, ok
}

// IsDerivative reports whether the position trades on a derivatives
// exchange.
func (c *Catalog) IsDerivative(symbol, exchange string) bool {
	return derivativeExchanges[strings.ToUpper(exchange)]
}

// IsETF reports whether the symbol is an exchange-traded fund.
func (c *Catalog) IsETF(symbol string) bool {
	o, ok := c.lookup(symbol)
	return ok && o.ETF
}
