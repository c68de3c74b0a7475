package marketdata

import (
	"time"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/domain"
)

// Exchange session boundaries are defined in IST regardless of server
// timezone. FixedZone avoids a tzdata dependency.
var ist = time.FixedZone("IST", 5*3600+30*60)

const (
	equityPreOpenStart = 9 * 60         // 09:00
	equityOpenStart    = 9*60 + 15      // 09:15
	equityClose        = 15*60 + 30     // 15:30
	commodityOpenStart = 9 * 60         // 09:00
	commodityClose     = 23*60 + 30     // 23:30
)

// sessionStatus derives the session state from the wall clock. Used when
// the status stream has no fresh data for the exchange.
func sessionStatus(exchange string, now time.Time) domain.MarketStatus {
	t := now.In(ist)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return domain.MarketClosed
	}

	mins := t.Hour()*60 + t.Minute()
	switch exchange {
	case "MCX", "NCDEX":
		if mins >= commodityOpenStart && mins < commodityClose {
			return domain.MarketOpen
		}
		return domain.MarketClosed
	default:
		switch {
		case mins >= equityPreOpenStart && mins < equityOpenStart:
			return domain.MarketPreOpen
		case mins >= equityOpenStart && mins < equityClose:
			return domain.MarketOpen
		default:
			return domain.MarketClosed
		}
	}
}
