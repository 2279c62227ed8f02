package security

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/limits"
	"github.com/voxhall/voxhall/internal/metrics"
	"github.com/voxhall/voxhall/internal/store"
)

func newTestGuard(t *testing.T, st store.Store, events *[]Event) *Guard {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	return NewGuard(GuardConfig{
		Store:         st,
		DDoSThreshold: 100,
		OnEvent: func(ev Event) {
			if events != nil {
				*events = append(*events, ev)
			}
		},
		Logger: zerolog.Nop(),
	})
}

func TestBlacklistRejectsUntilExpiry(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(t, nil, nil)

	clock := time.Now()
	g.now = func() time.Time { return clock }
	g.blacklist.now = g.now

	g.blacklist.Add(ctx, "10.0.0.1", BlacklistEntry{
		Reason:    "abuse report",
		Severity:  SeverityHigh,
		ExpiresAt: clock.Add(time.Hour),
	})

	verdict := g.Allow(ctx, "10.0.0.1", "test-agent")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "blacklist", verdict.Check)
	assert.Equal(t, "blacklisted: abuse report", verdict.Reason)

	clock = clock.Add(2 * time.Hour)
	verdict = g.Allow(ctx, "10.0.0.1", "test-agent")
	assert.True(t, verdict.Allowed)
}

func TestBlacklistWriteThroughVisibleToFreshGuard(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	first := newTestGuard(t, st, nil)
	first.blacklist.Add(ctx, "10.0.0.2", BlacklistEntry{
		Reason:   "manual ban",
		Severity: SeverityMedium,
	})

	// A second node sharing the store sees the entry without local state.
	second := newTestGuard(t, st, nil)
	entry, blocked := second.Blacklist().Lookup(ctx, "10.0.0.2")
	require.True(t, blocked)
	assert.Equal(t, "manual ban", entry.Reason)
}

func TestBlacklistRemoveLiftsBlock(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(t, nil, nil)

	g.blacklist.Add(ctx, "10.0.0.3", BlacklistEntry{Reason: "oops", Severity: SeverityLow})
	require.False(t, g.Allow(ctx, "10.0.0.3", "").Allowed)

	g.blacklist.Remove(ctx, "10.0.0.3")
	assert.True(t, g.Allow(ctx, "10.0.0.3", "").Allowed)
}

func TestDDoSDetectorAutoBlacklists(t *testing.T) {
	ctx := context.Background()
	var events []Event
	g := newTestGuard(t, nil, &events)

	var verdict Verdict
	for i := 0; i <= 100; i++ {
		verdict = g.Allow(ctx, "10.0.0.4", "flood-agent")
	}
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "ddos", verdict.Check)

	// Subsequent attempts hit the blacklist directly.
	verdict = g.Allow(ctx, "10.0.0.4", "flood-agent")
	assert.Equal(t, "blacklist", verdict.Check)

	require.NotEmpty(t, events)
	assert.Equal(t, "ddos_detected", events[0].Kind)

	entry, blocked := g.Blacklist().Lookup(ctx, "10.0.0.4")
	require.True(t, blocked)
	assert.True(t, entry.Automatic)
	assert.Equal(t, SeverityCritical, entry.Severity)
}

func TestGuardDefaultsDDoSThreshold(t *testing.T) {
	// A guard built without a threshold must not trip on the first dials.
	g := NewGuard(GuardConfig{Store: store.NewMemory(), Logger: zerolog.Nop()})
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.True(t, g.Allow(ctx, "10.0.0.40", "test-agent").Allowed, "attempt %d", i)
	}
	assert.Equal(t, DefaultDDoSThreshold, g.ddos.threshold)
}

func TestDDoSWindowSlides(t *testing.T) {
	d := newDDoSDetector(100)
	clock := time.Now()
	d.now = func() time.Time { return clock }

	for i := 0; i < 100; i++ {
		d.Record("addr")
	}
	_, tripped := d.Record("addr")
	assert.True(t, tripped)

	// After the window passes, old attempts no longer count.
	clock = clock.Add(61 * time.Second)
	count, tripped := d.Record("addr")
	assert.False(t, tripped)
	assert.Equal(t, 1, count)
}

func TestConnRateVerdictIsRateLimited(t *testing.T) {
	ctx := context.Background()
	lim := limits.NewConnLimiter(limits.ConnLimiterConfig{
		IPBurst: 1,
		IPRate:  0.0001,
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(lim.Stop)
	g := NewGuard(GuardConfig{Store: store.NewMemory(), ConnLimiter: lim, Logger: zerolog.Nop()})

	require.True(t, g.Allow(ctx, "10.0.0.41", "").Allowed)

	verdict := g.Allow(ctx, "10.0.0.41", "")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "conn_rate", verdict.Check)
	assert.Equal(t, "rate_limited", verdict.Reason)
}

func TestUserAgentBlocklist(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(GuardConfig{
		Store:             store.NewMemory(),
		DDoSThreshold:     100,
		BlockedUserAgents: []string{"BadBot"},
		Logger:            zerolog.Nop(),
	})

	verdict := g.Allow(ctx, "10.0.0.5", "Mozilla/5.0 badbot/1.0")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "user_agent", verdict.Check)

	assert.True(t, g.Allow(ctx, "10.0.0.5", "Mozilla/5.0").Allowed)
}

func TestSuspicionAlertAndHardBlock(t *testing.T) {
	ctx := context.Background()
	var events []Event
	g := newTestGuard(t, nil, &events)

	// 40 points: below alert.
	hardBlock := g.ReportMisbehaviour(ctx, "10.0.0.6", 2*PointsPrivEsc, "priv_esc")
	assert.False(t, hardBlock)
	assert.Empty(t, events)

	// 50: alert fires once, connection still allowed but flagged.
	g.ReportMisbehaviour(ctx, "10.0.0.6", PointsEventFlood, "event_flood")
	require.Len(t, events, 1)
	assert.Equal(t, "security.suspicious", events[0].Kind)
	assert.Equal(t, 50, events[0].Score)

	verdict := g.Allow(ctx, "10.0.0.6", "")
	assert.True(t, verdict.Allowed)
	assert.True(t, verdict.Suspicious)

	// Repeat reports below 100 do not re-alert.
	g.ReportMisbehaviour(ctx, "10.0.0.6", PointsUnknownEvent, "unknown_event")
	assert.Len(t, events, 1)

	// Crossing 100 blacklists.
	hardBlock = g.ReportMisbehaviour(ctx, "10.0.0.6", 45, "event_flood")
	assert.True(t, hardBlock)
	require.Len(t, events, 2)
	assert.Equal(t, "security.hard_block", events[1].Kind)

	verdict = g.Allow(ctx, "10.0.0.6", "")
	assert.Equal(t, "blacklist", verdict.Check)
}

func TestSuspicionAlertMetricCountsOnce(t *testing.T) {
	tr := NewSuspicionTracker(nil)
	before := testutil.ToFloat64(metrics.SuspicionAlerts)

	tr.Raise("10.0.0.42", AlertThreshold, "event_flood")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SuspicionAlerts))

	// Repeat reports on an already-alerted address do not count again.
	tr.Raise("10.0.0.42", 10, "event_flood")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SuspicionAlerts))
}

func TestSuspicionDecay(t *testing.T) {
	tr := NewSuspicionTracker(nil)
	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.Raise("addr", 30, "event_flood")
	assert.Equal(t, 30, tr.Score("addr"))

	// 5 points per 5 minutes.
	clock = clock.Add(10 * time.Minute)
	assert.Equal(t, 20, tr.Score("addr"))

	clock = clock.Add(time.Hour)
	assert.Equal(t, 0, tr.Score("addr"))

	// GC removes fully decayed entries.
	tr.GC()
	tr.mu.Lock()
	assert.Empty(t, tr.scores)
	tr.mu.Unlock()
}

func TestValidateContentDenylist(t *testing.T) {
	for _, name := range []string{"__proto__", "constructor", "EVAL", "Script"} {
		v := ValidateContent(name, []byte(`{}`), 0)
		require.NotNil(t, v, name)
		assert.Equal(t, "denied_event_name", v.Check)
	}
	assert.Nil(t, ValidateContent("message.send", []byte(`{"text":"hi"}`), 0))
}

func TestValidateContentSizeCap(t *testing.T) {
	big := []byte(strings.Repeat("a", MaxPayloadBytes+1))
	v := ValidateContent("message.send", big, 0)
	require.NotNil(t, v)
	assert.Equal(t, "payload_too_large", v.Check)
}

func TestValidateContentConfiguredCap(t *testing.T) {
	payload := []byte(`{"text":"` + strings.Repeat("a", 100) + `"}`)
	assert.Nil(t, ValidateContent("message.send", payload, 0))
	v := ValidateContent("message.send", payload, 64)
	require.NotNil(t, v)
	assert.Equal(t, "payload_too_large", v.Check)
}

func TestValidateContentInjectionPatterns(t *testing.T) {
	cases := []string{
		`{"text":"<script>alert(1)</script>"}`,
		`{"url":"javascript:alert(1)"}`,
		`{"html":"<img onerror=steal()>"}`,
		`{"frame":"<iframe src=x>"}`,
		`{"data":"data:text/html,<b>x</b>"}`,
	}
	for _, payload := range cases {
		v := ValidateContent("message.send", []byte(payload), 0)
		require.NotNil(t, v, payload)
		assert.Equal(t, "injection_pattern", v.Check)
	}
}

func TestValidateContentSeesThroughJSONEscaping(t *testing.T) {
	// encoding/json escapes angle brackets; the decoded value must still match.
	raw, err := json.Marshal(map[string]string{"text": "<script>alert(1)</script>"})
	require.NoError(t, err)
	require.NotContains(t, string(raw), "<script>", "marshalling must have escaped the markup")

	v := ValidateContent("message.send", raw, 0)
	require.NotNil(t, v)
	assert.Equal(t, "injection_pattern", v.Check)

	// Hand-escaped variants match too, including nested values.
	nested := []byte(`{"attachments":[{"href":"javascript:alert(1)"}]}`)
	require.NotNil(t, ValidateContent("message.send", nested, 0))
}

func TestDetectPrivilegeEscalation(t *testing.T) {
	assert.True(t, DetectPrivilegeEscalation([]byte(`{"cmd":"GRANT_ROLE moderator"}`)))
	assert.True(t, DetectPrivilegeEscalation([]byte(`{"q":"role=admin"}`)))
	assert.False(t, DetectPrivilegeEscalation([]byte(`{"text":"the administration building"}`)))
}

func TestViolationErrorString(t *testing.T) {
	v := &ContentViolation{Check: "payload_too_large", Detail: "2097153 bytes"}
	assert.Equal(t, "content rejected (payload_too_large): 2097153 bytes", v.Error())
}

func TestGuardGCPrunesTrackers(t *testing.T) {
	g := newTestGuard(t, nil, nil)
	clock := time.Now()
	g.blacklist.now = func() time.Time { return clock }
	g.ddos.now = g.blacklist.now
	g.suspicion.now = g.blacklist.now

	for i := 0; i < 10; i++ {
		g.ddos.Record(fmt.Sprintf("10.1.0.%d", i))
	}
	g.suspicion.Raise("10.2.0.1", 10, "unknown_event")
	g.blacklist.Add(context.Background(), "10.3.0.1", BlacklistEntry{
		Reason:    "temp",
		Severity:  SeverityLow,
		ExpiresAt: clock.Add(time.Minute),
	})

	clock = clock.Add(time.Hour)
	g.GC()

	g.ddos.mu.Lock()
	assert.Empty(t, g.ddos.attempts)
	g.ddos.mu.Unlock()
	g.suspicion.mu.Lock()
	assert.Empty(t, g.suspicion.scores)
	g.suspicion.mu.Unlock()
	g.blacklist.mu.Lock()
	assert.Empty(t, g.blacklist.entries)
	g.blacklist.mu.Unlock()
}
