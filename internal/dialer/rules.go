package dialer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxrun/voice-runtime/internal/model"
)

// ReasonCode names why CanMakeCall refused a call, matching §4.13's
// literal reason strings.
type ReasonCode string

const (
	ReasonWeekdayNotAllowed     ReasonCode = "weekday_not_allowed"
	ReasonOutsideTimeWindow     ReasonCode = "outside_time_window"
	ReasonConcurrentLimit       ReasonCode = "concurrent_limit_reached"
	ReasonCooldownNotElapsed    ReasonCode = "cooldown_not_elapsed"
)

// weekdayBit maps time.Weekday (Sunday=0) to the spec's Mon..Sun bitmask
// position (bit0=Mon .. bit6=Sun).
func weekdayBit(day time.Weekday) uint8 {
	if day == time.Sunday {
		return 6
	}
	return uint8(day) - 1
}

// parseHHMM parses an "HH:MM" clock time into minutes since midnight.
func parseHHMM(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("dialer: invalid HH:MM value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("dialer: invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("dialer: invalid minute in %q: %w", s, err)
	}
	return h*60 + m, nil
}

// CanMakeCall evaluates the four scheduling gates in order and returns the
// first reason a call is refused, or (true, "") if every gate passes.
// activeCalls is the current concurrent-call count for (tenant, campaign);
// leadLastCalledAt is nil if the lead has never been called.
func CanMakeCall(rules model.CallingRules, now time.Time, activeCalls int, leadLastCalledAt *time.Time) (bool, ReasonCode) {
	loc, err := time.LoadLocation(rules.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	if rules.AllowedWeekdays&(1<<weekdayBit(local.Weekday())) == 0 {
		return false, ReasonWeekdayNotAllowed
	}

	startMin, err := parseHHMM(rules.TimeWindowStart)
	if err != nil {
		return false, ReasonOutsideTimeWindow
	}
	endMin, err := parseHHMM(rules.TimeWindowEnd)
	if err != nil {
		return false, ReasonOutsideTimeWindow
	}
	nowMin := local.Hour()*60 + local.Minute()
	if nowMin < startMin || nowMin > endMin {
		return false, ReasonOutsideTimeWindow
	}

	if activeCalls >= rules.MaxConcurrentCalls {
		return false, ReasonConcurrentLimit
	}

	if leadLastCalledAt != nil {
		minGap := time.Duration(rules.MinHoursBetweenCallsToSameLead) * time.Hour
		if now.Sub(*leadLastCalledAt) < minGap {
			return false, ReasonCooldownNotElapsed
		}
	}

	return true, ""
}

// NextWindowStart finds the next allowed-weekday/time-window start at or
// after from, scanning forward day by day (bounded to 8 days so an
// all-weekdays-disallowed configuration cannot loop forever).
func NextWindowStart(rules model.CallingRules, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(rules.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := from.In(loc)

	startMin, err := parseHHMM(rules.TimeWindowStart)
	if err != nil {
		return time.Time{}, err
	}
	endMin, err := parseHHMM(rules.TimeWindowEnd)
	if err != nil {
		return time.Time{}, err
	}

	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		if rules.AllowedWeekdays&(1<<weekdayBit(day.Weekday())) == 0 {
			continue
		}
		windowStart := time.Date(day.Year(), day.Month(), day.Day(), startMin/60, startMin%60, 0, 0, loc)
		windowEnd := time.Date(day.Year(), day.Month(), day.Day(), endMin/60, endMin%60, 0, 0, loc)
		if offset == 0 && local.After(windowEnd) {
			continue
		}
		if offset == 0 && !local.Before(windowStart) {
			return local, nil // already inside today's window
		}
		return windowStart, nil
	}
	return time.Time{}, fmt.Errorf("dialer: no allowed weekday found within 7 days for rules %+v", rules)
}

// DelayUntilNextWindow returns the non-negative duration until the next
// allowed calling window.
func DelayUntilNextWindow(rules model.CallingRules, from time.Time) (time.Duration, error) {
	next, err := NextWindowStart(rules, from)
	if err != nil {
		return 0, err
	}
	d := next.Sub(from)
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// ActiveCallTracker counts in-flight calls per (tenant, campaign) in Redis,
// incremented by RegisterCallStart and decremented by RegisterCallEnd on
// every path that terminates a call.
type ActiveCallTracker struct {
	client *redis.Client
}

// NewActiveCallTracker wraps an existing Redis client.
func NewActiveCallTracker(client *redis.Client) *ActiveCallTracker {
	return &ActiveCallTracker{client: client}
}

func activeCallsKey(tenantID, campaignID string) string {
	return fmt.Sprintf("dialer:active_calls:%s:%s", tenantID, campaignID)
}

// RegisterCallStart atomically increments the active-call counter.
func (t *ActiveCallTracker) RegisterCallStart(ctx context.Context, tenantID, campaignID string) error {
	if err := t.client.Incr(ctx, activeCallsKey(tenantID, campaignID)).Err(); err != nil {
		return fmt.Errorf("dialer: register call start for %s/%s: %w", tenantID, campaignID, err)
	}
	return nil
}

// RegisterCallEnd atomically decrements the active-call counter, floored
// at zero so a duplicate end notification cannot drive it negative.
func (t *ActiveCallTracker) RegisterCallEnd(ctx context.Context, tenantID, campaignID string) error {
	key := activeCallsKey(tenantID, campaignID)
	val, err := t.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("dialer: register call end for %s/%s: %w", tenantID, campaignID, err)
	}
	if val < 0 {
		_ = t.client.Set(ctx, key, 0, 0).Err()
	}
	return nil
}

// ActiveCalls returns the current active-call count for (tenant, campaign).
func (t *ActiveCallTracker) ActiveCalls(ctx context.Context, tenantID, campaignID string) (int, error) {
	val, err := t.client.Get(ctx, activeCallsKey(tenantID, campaignID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("dialer: reading active calls for %s/%s: %w", tenantID, campaignID, err)
	}
	return val, nil
}
