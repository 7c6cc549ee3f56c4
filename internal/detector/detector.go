// Package detector compares successive authoritative balance snapshots and
// produces threshold-filtered change events. It is deliberately paranoid
// about false positives: only live-vs-live comparisons run at all, and
// zero-valued transitions never produce events because they are usually
// fallback artifacts, not real movements.
package detector

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/juan-silveira/coinage-sub004/internal/domain/model"
	"github.com/juan-silveira/coinage-sub004/internal/metrics"
)

// fractionDigits is the precision of every balance string the detector emits.
const fractionDigits = 6

type Config struct {
	// ThresholdPct is the relative change, in percent, that makes a
	// movement significant. A change of exactly the threshold is included.
	ThresholdPct float64
	// AbsoluteFloor, when > 0, additionally requires the absolute
	// difference to reach this many tokens. Guards against
	// percentage-amplified noise on near-zero balances.
	AbsoluteFloor float64
	// PlaceholderTokens never fire new_token events; the emergency tier
	// makes them appear and disappear with fallback substitution.
	PlaceholderTokens []string
}

// Detector holds the comparison policy plus a registry of every token seen
// in an authoritative snapshot, which backs the new_token invariant: a
// token only counts as new if no prior live observation ever contained it.
type Detector struct {
	threshold    decimal.Decimal
	floor        decimal.Decimal
	placeholders map[string]struct{}
	logger       *slog.Logger
	nowFn        func() time.Time

	mu   sync.RWMutex
	seen map[string]struct{}
}

func New(cfg Config, logger *slog.Logger) *Detector {
	placeholders := make(map[string]struct{}, len(cfg.PlaceholderTokens))
	for _, token := range cfg.PlaceholderTokens {
		placeholders[token] = struct{}{}
	}
	return &Detector{
		threshold:    decimal.NewFromFloat(cfg.ThresholdPct).Div(decimal.NewFromInt(100)),
		floor:        decimal.NewFromFloat(cfg.AbsoluteFloor),
		placeholders: placeholders,
		logger:       logger.With("component", "detector"),
		nowFn:        time.Now,
		seen:         make(map[string]struct{}),
	}
}

// Detect compares next against baseline and returns the significant
// changes. It performs no I/O and mutates nothing; callers must record the
// snapshot separately via Observe once they adopt it as the new baseline.
//
// Detection is skipped entirely (nil result) unless both snapshots are
// authoritative and the baseline is non-empty. Comparing against fallback
// data would fire "balance changed" events purely because the service
// recovered from an outage.
func (d *Detector) Detect(next, baseline *model.BalanceSnapshot) []model.ChangeEvent {
	if !next.Authoritative() || !baseline.Authoritative() || baseline.Empty() {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	now := d.nowFn()
	var events []model.ChangeEvent
	for _, token := range next.Tokens() {
		newBal, ok := parseBalance(next.Balances[token])
		if !ok {
			d.logger.Warn("malformed balance dropped from comparison",
				"token", token, "value", next.Balances[token])
			metrics.DetectorTokensDropped.WithLabelValues(string(next.Network)).Inc()
			continue
		}

		prevRaw, present := baseline.Balances[token]
		prevBal := decimal.Zero
		if present {
			if prevBal, ok = parseBalance(prevRaw); !ok {
				d.logger.Warn("malformed baseline balance dropped from comparison",
					"token", token, "value", prevRaw)
				metrics.DetectorTokensDropped.WithLabelValues(string(next.Network)).Inc()
				continue
			}
		}

		var ev *model.ChangeEvent
		switch {
		case prevBal.IsPositive() && newBal.IsPositive():
			ev = d.compare(token, prevBal, newBal, now)
		case newBal.IsPositive():
			ev = d.newToken(token, newBal, now)
		default:
			// Zero or disappearing balances are noise, never events.
		}
		if ev != nil {
			metrics.DetectorEventsTotal.WithLabelValues(string(next.Network), string(ev.Type)).Inc()
			events = append(events, *ev)
		}
	}
	return events
}

// Observe records every token of an authoritative snapshot in the
// seen-token registry. Call it after Detect, when the snapshot becomes the
// new baseline; observing first would suppress its own new_token events.
func (d *Detector) Observe(snapshot *model.BalanceSnapshot) {
	if !snapshot.Authoritative() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for token := range snapshot.Balances {
		d.seen[token] = struct{}{}
	}
}

func (d *Detector) compare(token string, prev, next decimal.Decimal, now time.Time) *model.ChangeEvent {
	diff := next.Sub(prev)
	ratio := diff.Abs().Div(prev)
	if ratio.LessThan(d.threshold) {
		return nil
	}
	if d.floor.IsPositive() && diff.Abs().LessThan(d.floor) {
		return nil
	}

	kind := model.ChangeIncrease
	if diff.IsNegative() {
		kind = model.ChangeDecrease
	}
	return &model.ChangeEvent{
		Token:      token,
		Previous:   prev.StringFixed(fractionDigits),
		New:        next.StringFixed(fractionDigits),
		Difference: diff.Round(fractionDigits).StringFixed(fractionDigits),
		Type:       kind,
		DetectedAt: now,
	}
}

func (d *Detector) newToken(token string, next decimal.Decimal, now time.Time) *model.ChangeEvent {
	if _, ok := d.placeholders[token]; ok {
		return nil
	}
	if _, ok := d.seen[token]; ok {
		// Observed in some earlier authoritative snapshot; reappearing is
		// not the same as being new.
		return nil
	}
	return &model.ChangeEvent{
		Token:      token,
		Previous:   decimal.Zero.StringFixed(fractionDigits),
		New:        next.StringFixed(fractionDigits),
		Difference: next.Round(fractionDigits).StringFixed(fractionDigits),
		Type:       model.ChangeNewToken,
		DetectedAt: now,
	}
}

// parseBalance accepts only well-formed, non-negative decimal strings.
func parseBalance(raw string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Zero, false
	}
	return d, true
}
