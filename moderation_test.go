package creditgate_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/creditgate"
)

func TestClassifyRefusalPatterns(t *testing.T) {
	c := creditgate.NewClassifier()

	cases := []struct {
		name       string
		output     string
		threshold  float64
		refused    bool
		confidence float64
	}{
		{
			name:       "hard refusal",
			output:     "I'm sorry, but I cannot help with that request.",
			threshold:  0.70,
			refused:    true,
			confidence: 0.95,
		},
		{
			name:       "guidelines refusal",
			output:     "That would be against my guidelines.",
			threshold:  0.70,
			refused:    true,
			confidence: 0.98,
		},
		{
			name:       "weak indicator below threshold",
			output:     "I understand your question. The answer is 42.",
			threshold:  0.70,
			refused:    false,
			confidence: 0.45,
		},
		{
			name:       "weak indicator above a low threshold",
			output:     "However, there are caveats to consider.",
			threshold:  0.40,
			refused:    true,
			confidence: 0.40,
		},
		{
			name:       "clean answer",
			output:     "Tides are caused by the gravitational pull of the moon.",
			threshold:  0.70,
			refused:    false,
			confidence: 0,
		},
		{
			name:       "strongest indicator wins",
			output:     "I understand, however I cannot assist with that.",
			threshold:  0.70,
			refused:    true,
			confidence: 0.95,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := c.Classify(tc.output, creditgate.ModeChat, tc.threshold)
			assert.Equal(t, tc.refused, v.Refused)
			assert.InDelta(t, tc.confidence, v.Confidence, 1e-9)
		})
	}
}

func TestClassifyExcludesOverrideIndicators(t *testing.T) {
	c := creditgate.NewClassifier()

	v := c.Classify(
		"Hypothetically, I cannot imagine a faster route than the bridge.",
		creditgate.ModeChat, 0.70)
	assert.False(t, v.Refused)
	assert.Zero(t, v.Confidence)

	v = c.Classify(
		"In fiction, the character cannot reveal the secret yet.",
		creditgate.ModeChat, 0.70)
	assert.False(t, v.Refused)
}

func TestClassifyShortLongFormIsRefusal(t *testing.T) {
	c := creditgate.NewClassifier(creditgate.WithMinLongForm(500))

	short := "Here is a brief outline."
	v := c.Classify(short, creditgate.ModeLongForm, 0.70)
	assert.True(t, v.Refused)
	assert.Equal(t, 1.0, v.Confidence)
	assert.Equal(t, "short_longform", v.Indicator)

	// The same output is fine in chat mode.
	v = c.Classify(short, creditgate.ModeChat, 0.70)
	assert.False(t, v.Refused)

	long := strings.Repeat("All work and no play makes for dull prose. ", 20)
	v = c.Classify(long, creditgate.ModeLongForm, 0.70)
	assert.False(t, v.Refused)
}

func TestClassifyCaseInsensitive(t *testing.T) {
	c := creditgate.NewClassifier()
	v := c.Classify("I CANNOT do that.", creditgate.ModeChat, 0.70)
	assert.True(t, v.Refused)
}

func TestReflectorWindowCapsAttempts(t *testing.T) {
	clock := newFakeClock()
	r := creditgate.NewReflector(
		creditgate.WithMaxAttempts(2),
		creditgate.WithCooldown(5*time.Minute),
		creditgate.WithReflectorClock(clock.Now),
	)

	assert.True(t, r.ShouldReflect("acct"))
	assert.True(t, r.ShouldReflect("acct"))
	assert.False(t, r.ShouldReflect("acct"))

	// Other accounts have their own budget.
	assert.True(t, r.ShouldReflect("other"))

	// The window slides: after the cooldown the budget is back.
	clock.Advance(5*time.Minute + time.Second)
	assert.True(t, r.ShouldReflect("acct"))
}

func TestReflectorClearAttemptsResetsBudget(t *testing.T) {
	clock := newFakeClock()
	r := creditgate.NewReflector(creditgate.WithReflectorClock(clock.Now))

	require.True(t, r.ShouldReflect("acct"))
	require.True(t, r.ShouldReflect("acct"))
	require.False(t, r.ShouldReflect("acct"))

	r.ClearAttempts("acct")
	assert.True(t, r.ShouldReflect("acct"))
}

func TestReflectorInProgressFlag(t *testing.T) {
	r := creditgate.NewReflector()

	assert.False(t, r.InProgress("acct"))
	r.MarkStart("acct")
	assert.True(t, r.InProgress("acct"))
	assert.False(t, r.InProgress("other"))
	r.MarkEnd("acct")
	assert.False(t, r.InProgress("acct"))
}

func TestReflectorStats(t *testing.T) {
	clock := newFakeClock()
	r := creditgate.NewReflector(creditgate.WithReflectorClock(clock.Now))

	r.ShouldReflect("a")
	r.ShouldReflect("a")
	r.ShouldReflect("b")
	r.MarkStart("b")

	stats := r.Stats()
	assert.Equal(t, 2, stats.AccountsInWindow)
	assert.Equal(t, 3, stats.TotalAttempts)
	assert.Equal(t, 2, stats.Attempts["a"])
	assert.Equal(t, 1, stats.InProgress)

	// Attempts age out of the stats with the window.
	clock.Advance(6 * time.Minute)
	stats = r.Stats()
	assert.Zero(t, stats.AccountsInWindow)
	assert.Zero(t, stats.TotalAttempts)
}

func TestBuildReflectionPromptEmbedsOriginal(t *testing.T) {
	p := creditgate.BuildReflectionPrompt("explain tides")
	assert.Contains(t, p, "explain tides")
	assert.Contains(t, p, "reconsider")
}
