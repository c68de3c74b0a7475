package catalog

// staticEntry is the built-in reference data for one well-known symbol.
type staticEntry struct {
	CompanyName string
	Sector      string
	AssetClass  string
	MarketCap   string
	ISIN        string
	LotSize     int
	ETF         bool
}

// staticEntries covers the NSE large caps and common ETFs that dominate
// retail portfolios, so consolidation stays useful even when the overrides
// table is empty. Broker payloads and the overrides table extend this set.
var staticEntries = map[string]staticEntry{
	"RELIANCE": {
		CompanyName: "Reliance Industries Ltd",
		Sector:      "Energy",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE002A01018",
	},
	"TCS": {
		CompanyName: "Tata Consultancy Services Ltd",
		Sector:      "Information Technology",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE467B01029",
	},
	"HDFCBANK": {
		CompanyName: "HDFC Bank Ltd",
		Sector:      "Financial Services",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE040A01034",
	},
	"INFY": {
		CompanyName: "Infosys Ltd",
		Sector:      "Information Technology",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE009A01021",
	},
	"ICICIBANK": {
		CompanyName: "ICICI Bank Ltd",
		Sector:      "Financial Services",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE090A01021",
	},
	"SBIN": {
		CompanyName: "State Bank of India",
		Sector:      "Financial Services",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE062A01020",
	},
	"BHARTIARTL": {
		CompanyName: "Bharti Airtel Ltd",
		Sector:      "Telecommunication",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE397D01024",
	},
	"ITC": {
		CompanyName: "ITC Ltd",
		Sector:      "Consumer Goods",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE154A01025",
	},
	"LT": {
		CompanyName: "Larsen & Toubro Ltd",
		Sector:      "Construction",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE018A01030",
	},
	"HINDUNILVR": {
		CompanyName: "Hindustan Unilever Ltd",
		Sector:      "Consumer Goods",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE030A01027",
	},
	"TATAMOTORS": {
		CompanyName: "Tata Motors Ltd",
		Sector:      "Automobile",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE155A01022",
	},
	"WIPRO": {
		CompanyName: "Wipro Ltd",
		Sector:      "Information Technology",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE075A01022",
	},
	"AXISBANK": {
		CompanyName: "Axis Bank Ltd",
		Sector:      "Financial Services",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE238A01034",
	},
	"KOTAKBANK": {
		CompanyName: "Kotak Mahindra Bank Ltd",
		Sector:      "Financial Services",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE237A01028",
	},
	"BAJFINANCE": {
		CompanyName: "Bajaj Finance Ltd",
		Sector:      "Financial Services",
		AssetClass:  "EQUITY",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INE296A01024",
	},
	"NIFTYBEES": {
		CompanyName: "Nippon India ETF Nifty 50 BeES",
		Sector:      "Index Fund",
		AssetClass:  "ETF",
		MarketCap:   "LARGE_CAP",
		ISIN:        "INF204KB14I2",
		ETF:         true,
	},
	"GOLDBEES": {
		CompanyName: "Nippon India ETF Gold BeES",
		Sector:      "Commodities",
		AssetClass:  "ETF",
		MarketCap:   "MID_CAP",
		ISIN:        "INF204KB17I5",
		ETF:         true,
	},
	"LIQUIDBEES": {
		CompanyName: "Nippon India ETF Liquid BeES",
		Sector:      "Money Market",
		AssetClass:  "ETF",
		MarketCap:   "MID_CAP",
		ISIN:        "INF732E01037",
		ETF:         true,
	},
}

// staticLotSizes holds exchange lot sizes for the common NFO and MCX
// contracts. Derivative quantities reported in lots multiply through these.
var staticLotSizes = map[string]int{
	"NIFTY":      50,
	"BANKNIFTY":  15,
	"FINNIFTY":   40,
	"RELIANCE":   250,
	"TCS":        175,
	"HDFCBANK":   550,
	"GOLD":       100,
	"GOLDM":      10,
	"SILVER":     30,
	"CRUDEOIL":   100,
	"NATURALGAS": 1250,
	"COPPER":     2500,
}
