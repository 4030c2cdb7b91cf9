package rtcore

import (
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// diagnosticLimiter rate-limits the two noisy diagnostics spec.md calls out
// by name: an unknown IRQ number (§4.B "dropped with a rate-limited log
// message") and a watchdog threshold breach (§4.B, §7), one bucket per IRQ
// number or per domain name so a storm on one source never starves logging
// about another.
//
// At most 5 messages per second and 60 per minute, per category — loose
// enough to see a real burst's shape, tight enough that a wedged IRQ line
// can't turn the async log sink's bounded buffer into a drop machine for
// everything else.
var diagnosticLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
})

// logRateLimited logs msg under category/fields iff the (category, key)
// pair hasn't exceeded its rate budget.
func logRateLimited(level LogLevel, category string, key any, cpu int, msg string, fields map[string]any) {
	if _, ok := diagnosticLimiter.Allow(rateKey{category, key}); !ok {
		return
	}
	logf(level, category, cpu, msg, fields)
}

type rateKey struct {
	category string
	key      any
}
