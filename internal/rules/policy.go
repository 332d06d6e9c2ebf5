// internal/rules/policy.go
package rules

import (
	"fmt"
	"time"
)

// DefaultCooldown applies when a simple trigger sets no cooldown
const DefaultCooldown = 60 * time.Second

// MaxFrequencyLimit is the largest frequency_limit a rule may declare. A
// history must retain at least this many timestamps per rule for the
// sliding window count to be exact.
const MaxFrequencyLimit = 1000

// PolicyMode selects how frequency limits are enforced.
//
// PolicyUniform converts a limit of N per period into a minimum spacing of
// period/N (floored by MinimumGap). The average rate never exceeds the limit
// but there is no hard cap inside an arbitrary window.
//
// PolicySlidingWindow enforces only MinimumGap as spacing and additionally
// denies a trigger when N triggers already happened inside the trailing
// period, which is a hard cap for every window.
type PolicyMode string

// Policy modes
const (
	PolicyUniform       PolicyMode = "uniform"
	PolicySlidingWindow PolicyMode = "sliding_window"
)

// ParsePolicyMode parses a config value; empty means uniform
func ParsePolicyMode(s string) (PolicyMode, error) {
	switch PolicyMode(s) {
	case "", PolicyUniform:
		return PolicyUniform, nil
	case PolicySlidingWindow:
		return PolicySlidingWindow, nil
	default:
		return "", fmt.Errorf("rules: unknown policy mode %q", s)
	}
}

var periodLengths = map[FrequencyPeriod]time.Duration{
	PeriodHour:  time.Hour,
	PeriodDay:   24 * time.Hour,
	PeriodWeek:  7 * 24 * time.Hour,
	PeriodMonth: 30 * 24 * time.Hour,
}

// PeriodDuration returns the fixed length of a period. Months are 30 days.
func PeriodDuration(p FrequencyPeriod) (time.Duration, bool) {
	d, ok := periodLengths[p]
	return d, ok
}

// UsesFrequency reports whether the trigger is in frequency mode
func (t Trigger) UsesFrequency() bool {
	return t.FrequencyLimit != 0 || t.FrequencyPeriod != ""
}

// frequencyWindow returns the clamped limit and the period, falling back to a
// day when the period is missing or unknown.
func (t Trigger) frequencyWindow() (int, time.Duration) {
	limit := t.FrequencyLimit
	if limit < 1 {
		limit = 1
	}
	period, ok := PeriodDuration(t.FrequencyPeriod)
	if !ok {
		period = periodLengths[PeriodDay]
	}
	return limit, period
}

// EffectiveCooldown is the minimum spacing between two triggers of a rule
// under the uniform policy: max(period/limit, minimumGap) in frequency mode,
// the cooldown (default 60s) otherwise. Always at least one second.
func EffectiveCooldown(t Trigger) time.Duration {
	var secs int64
	if t.UsesFrequency() {
		limit, period := t.frequencyWindow()
		secs = int64(period/time.Second) / int64(limit)
		if gap := int64(t.MinimumGap); gap > secs {
			secs = gap
		}
	} else {
		secs = int64(t.Cooldown)
		if secs <= 0 {
			secs = int64(DefaultCooldown / time.Second)
		}
	}

	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// MinimumInterval is the spacing the history must enforce under mode
func (m PolicyMode) MinimumInterval(t Trigger) time.Duration {
	if m != PolicySlidingWindow || !t.UsesFrequency() {
		return EffectiveCooldown(t)
	}
	gap := time.Duration(t.MinimumGap) * time.Second
	if gap < time.Second {
		gap = time.Second
	}
	return gap
}

// WindowAllows reports whether another trigger fits the frequency cap given
// the previous trigger timestamps.
func WindowAllows(t Trigger, timestamps []time.Time, now time.Time) bool {
	if !t.UsesFrequency() {
		return true
	}
	limit, period := t.frequencyWindow()

	count := 0
	for _, ts := range timestamps {
		if now.Sub(ts) < period {
			count++
		}
	}
	return count < limit
}
