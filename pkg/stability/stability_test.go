package stability

import (
	"testing"
	"time"

	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type sample struct {
	ms    int
	grams int
}

type recorder struct {
	commits []int
}

func (r *recorder) Commit(grams int) {
	r.commits = append(r.commits, grams)
}

func TestSettle(t *testing.T) {
	rec := &recorder{}
	d := New(rec)

	feed(t, d, []sample{{0, 0}, {400, 0}, {800, 10}, {1200, 10}, {1600, 10}, {2000, 10}, {2400, 10}, {2800, 10}})
	require.Empty(t, rec.commits)
	require.True(t, d.Window().Armed)
	require.Equal(t, t0.Add(1200*time.Millisecond), d.Window().AnchorAt)

	// The window anchored at 1200ms reaches the dwell time
	grams, committed := d.Observe(point(3200, 10), true)
	require.True(t, committed)
	require.Equal(t, 10, grams)
	require.Equal(t, []int{10}, rec.commits)
	assert.False(t, d.Window().Armed)

	last, ok := d.LastCommitted()
	assert.True(t, ok)
	assert.Equal(t, 10, last)

	// The settled load keeps streaming, no further commit
	feed(t, d, []sample{{3600, 10}, {4000, 10}, {6000, 10}, {9000, 10}})
	assert.Equal(t, []int{10}, rec.commits)
}

func TestRearm(t *testing.T) {
	rec := &recorder{}
	d := New(rec)
	settle(t, d, 10)

	// A delta of 1g never re-arms
	feed(t, d, []sample{{10000, 11}, {11000, 11}, {12000, 11}, {13000, 11}, {14000, 11}})
	assert.False(t, d.Window().Armed)
	assert.Equal(t, []int{10}, rec.commits)

	// A delta of 3g does
	_, committed := d.Observe(point(15000, 13), true)
	assert.False(t, committed)
	assert.True(t, d.Window().Armed)

	feed(t, d, []sample{{15400, 13}})
	_, committed = d.Observe(point(17400, 13), true)
	assert.True(t, committed)
	assert.Equal(t, []int{10, 13}, rec.commits)
}

func TestRapidChangesNeverCommit(t *testing.T) {
	rec := &recorder{}
	d := New(rec)

	ms := 0
	for i := 0; i < 50; i++ {
		ms += 300
		d.Observe(point(ms, 10+(i%2)*5), true)
	}
	assert.Empty(t, rec.commits)

	// Drifting by the tolerance on every sample re-anchors the window
	for i := 0; i < 20; i++ {
		ms += 600
		d.Observe(point(ms, 100+i), true)
	}
	assert.Empty(t, rec.commits)
}

func TestUnchangedLoadDisarms(t *testing.T) {
	rec := &recorder{}
	d := New(rec)
	settle(t, d, 10)

	// 13 arms, but the load settles at 11 which equals the saved one within tolerance
	feed(t, d, []sample{{10000, 13}, {10400, 11}, {10800, 11}, {11800, 11}})
	require.True(t, d.Window().Armed)

	_, committed := d.Observe(point(12800, 11), true)
	assert.False(t, committed)
	assert.False(t, d.Window().Armed)
	assert.Equal(t, []int{10}, rec.commits)
}

func TestDisable(t *testing.T) {
	rec := &recorder{}
	d := New(rec)

	feed(t, d, []sample{{0, 10}, {400, 10}})
	require.True(t, d.Window().Armed)
	require.True(t, d.Window().Open)

	d.SetEnabled(false)
	assert.False(t, d.Enabled())
	assert.Equal(t, Window{}, d.Window())

	// Samples are ignored while disabled
	feed(t, d, []sample{{800, 10}, {5000, 10}})
	assert.Equal(t, Window{}, d.Window())
	assert.Empty(t, rec.commits)

	// Re-enabled, the dwell time starts over
	d.SetEnabled(true)
	feed(t, d, []sample{{6000, 10}, {7000, 10}})
	assert.Empty(t, rec.commits)
	d.Observe(point(8000, 10), true)
	assert.Equal(t, []int{10}, rec.commits)
}

func TestDisabledOnCreation(t *testing.T) {
	rec := &recorder{}
	d := New(rec, WithEnabled(false))

	feed(t, d, []sample{{0, 10}, {5000, 10}, {10000, 10}})
	assert.Empty(t, rec.commits)
	assert.False(t, d.Enabled())
}

func TestDisconnectResets(t *testing.T) {
	rec := &recorder{}
	d := New(rec)

	feed(t, d, []sample{{0, 10}, {400, 10}, {1600, 10}})
	require.True(t, d.Window().Open)

	_, committed := d.Observe(point(2400, 10), false)
	assert.False(t, committed)
	assert.Equal(t, Window{}, d.Window())

	// After reconnecting the load has to settle again
	feed(t, d, []sample{{3000, 10}, {4000, 10}})
	assert.Empty(t, rec.commits)
}

func TestManualSave(t *testing.T) {
	rec := &recorder{}
	d := New(rec)

	feed(t, d, []sample{{0, 50}, {400, 50}})
	d.MarkCommitted(50)
	assert.False(t, d.Window().Armed)

	feed(t, d, []sample{{800, 51}, {5000, 51}, {9000, 51}})
	assert.Empty(t, rec.commits)

	last, ok := d.LastCommitted()
	assert.True(t, ok)
	assert.Equal(t, 50, last)
}

func TestDisarm(t *testing.T) {
	rec := &recorder{}
	d := New(rec)

	feed(t, d, []sample{{0, 200}, {400, 200}, {1600, 200}})
	d.Disarm()
	assert.Equal(t, Window{}, d.Window())

	// The same load re-arms on the next sample and needs the full dwell time
	feed(t, d, []sample{{2400, 200}, {2800, 200}})
	assert.Empty(t, rec.commits)
	feed(t, d, []sample{{4800, 200}})
	assert.Equal(t, []int{200}, rec.commits)
}

func TestNegativeAndSmallWeights(t *testing.T) {
	var commits []int
	d := New(CommitterFunc(func(grams int) {
		commits = append(commits, grams)
	}))

	// Below the minimum magnitude nothing arms
	feed(t, d, []sample{{0, 1}, {1000, 1}, {3000, 1}, {5000, -1}, {8000, -1}})
	assert.Empty(t, commits)
	assert.False(t, d.Window().Armed)

	feed(t, d, []sample{{9000, -20}, {9400, -20}, {11400, -20}})
	assert.Equal(t, []int{-20}, commits)
}

func TestSamplesWithoutWeight(t *testing.T) {
	rec := &recorder{}
	d := New(rec)

	feed(t, d, []sample{{0, 10}, {400, 10}})
	window := d.Window()

	_, committed := d.Observe(scale.DataPoint{
		TimeStamp: t0.Add(5 * time.Second),
		Reading:   scale.Reading{Battery: 50, HasBattery: true},
	}, true)
	assert.False(t, committed)
	assert.Equal(t, window, d.Window())
}

func TestCustomConfig(t *testing.T) {
	rec := &recorder{}
	d := New(rec, WithConfig(Config{
		Dwell:        500 * time.Millisecond,
		Tolerance:    5,
		MinMagnitude: 100,
		MinDelta:     10,
	}))

	feed(t, d, []sample{{0, 50}, {1000, 50}})
	assert.False(t, d.Window().Armed)

	feed(t, d, []sample{{2000, 150}, {2100, 153}, {2400, 148}, {2600, 152}})
	assert.Equal(t, []int{153}, rec.commits)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Dwell: time.Second, Tolerance: -1}.Validate())
}

////////////////////////////////////////////////////////////////////////////////

func point(ms, grams int) scale.DataPoint {
	return scale.DataPoint{
		TimeStamp: t0.Add(time.Duration(ms) * time.Millisecond),
		Reading:   scale.Reading{Weight: grams, HasWeight: true},
	}
}

func feed(t *testing.T, d *Detector, samples []sample) {
	t.Helper()
	for _, s := range samples {
		d.Observe(point(s.ms, s.grams), true)
	}
}

func settle(t *testing.T, d *Detector, grams int) {
	t.Helper()
	feed(t, d, []sample{{0, grams}, {400, grams}})
	_, committed := d.Observe(point(2400, grams), true)
	require.True(t, committed)
}
