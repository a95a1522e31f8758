package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/bitscale/pkg/bitscale"
	"github.com/fako1024/bitscale/pkg/ledger"
	"github.com/fako1024/bitscale/pkg/mock"
	"github.com/fako1024/bitscale/pkg/scale"
	"github.com/fako1024/bitscale/pkg/stability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func TestAutoSave(t *testing.T) {
	dev := newFakeDevice()
	sink := &recordingSink{}
	s := New(dev, WithSink(sink))
	require.True(t, s.AutoSave())

	dev.setStatus(scale.StateConnected, nil)
	dev.feed(0, 0, 400, 0, 800, 10, 1200, 10, 1600, 10, 2000, 10, 2400, 10, 2800, 10, 3200, 10)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 10, entries[0].Grams)
	assert.Equal(t, ledger.SourceAuto, entries[0].Source)

	commits := sink.getCommits()
	require.Len(t, commits, 1)
	assert.Equal(t, entries[0], commits[0])
}

func TestAutoSaveDisabled(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, WithAutoSave(false))
	require.False(t, s.AutoSave())

	dev.setStatus(scale.StateConnected, nil)
	dev.feed(0, 10, 400, 10, 3000, 10)
	assert.Empty(t, s.Entries())

	s.SetAutoSave(true)
	dev.feed(4000, 10, 4400, 10, 6400, 10)
	assert.Len(t, s.Entries(), 1)
}

func TestDisconnectResetsDetector(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)

	dev.setStatus(scale.StateConnected, nil)
	dev.feed(0, 10, 400, 10, 1800, 10)

	dev.setStatus(scale.StateReconnecting, nil)
	dev.setStatus(scale.StateConnected, nil)

	// The window started before the link loss does not count
	dev.feed(2400, 10, 3000, 10)
	assert.Empty(t, s.Entries())
	dev.feed(4400, 10)
	assert.Len(t, s.Entries(), 1)
}

func TestSave(t *testing.T) {
	dev := newFakeDevice()
	sink := &recordingSink{}
	s := New(dev, WithSink(sink))

	_, err := s.Save()
	require.ErrorIs(t, err, ErrNoReading)

	dev.setStatus(scale.StateConnected, nil)
	dev.feed(0, 42)

	entry, err := s.Save()
	require.NoError(t, err)
	assert.Equal(t, 42, entry.Grams)
	assert.Equal(t, ledger.SourceManual, entry.Source)
	assert.Equal(t, []ledger.Entry{entry}, s.Entries())
	assert.Len(t, sink.getCommits(), 1)

	// A manual save counts as committed, the settled load is not saved again
	dev.feed(400, 42, 3000, 42, 6000, 42)
	assert.Len(t, s.Entries(), 1)
}

func TestSaveAndTare(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)

	dev.setStatus(scale.StateConnected, nil)
	dev.feed(0, 120)

	entry, err := s.SaveAndTare()
	require.NoError(t, err)
	assert.Equal(t, 120, entry.Grams)
	assert.Equal(t, 1, dev.getTares())

	dev.tareErr = errors.New("write rejected")
	dev.feed(400, 80)
	entry, err = s.SaveAndTare()
	require.Error(t, err)
	assert.Equal(t, 80, entry.Grams)
	assert.Equal(t, []int{80, 120}, values(s.Entries()))
}

func TestTareDisarms(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)

	dev.setStatus(scale.StateConnected, nil)
	dev.feed(0, 300, 400, 300, 1800, 300)
	require.NoError(t, s.Tare())
	assert.Equal(t, 1, dev.getTares())

	// The dwell time starts over after taring
	dev.feed(2400, 300)
	assert.Empty(t, s.Entries())
}

func TestLedgerOperations(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev, WithLedger(ledger.New(ledger.WithClock(func() time.Time { return t0 }))))

	dev.setStatus(scale.StateConnected, nil)
	for i, grams := range []int{5, 3, 8} {
		dev.feed(i*100, grams)
		_, err := s.Save()
		require.NoError(t, err)
	}
	assert.Equal(t, "8g\n3g\n5g\n", s.Export())

	assert.True(t, s.Delete(1))
	assert.False(t, s.Delete(5))
	assert.Equal(t, []int{8, 5}, values(s.Entries()))

	latest := s.Entries()[0]
	assert.True(t, s.Remove(latest.ID))
	assert.False(t, s.Remove(latest.ID))
	assert.Equal(t, []int{5}, values(s.Entries()))

	// Index 0 is the oldest entry, i.e. the last one of Entries()
	_, err := s.Save()
	require.NoError(t, err)
	assert.Equal(t, []int{8, 5}, values(s.Entries()))
	assert.True(t, s.Delete(0))
	assert.Equal(t, []int{8}, values(s.Entries()))

	s.Clear()
	assert.Empty(t, s.Entries())
	assert.Equal(t, "", s.Export())
}

func TestInitialStatus(t *testing.T) {
	dev := newFakeDevice()
	dev.status = scale.ConnectionStatus{State: scale.StateScanning}

	sink := &recordingSink{}
	New(dev, WithSink(sink))

	statuses := sink.getStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "scanning", statuses[0].State)
	assert.Empty(t, statuses[0].Entries)
}

func TestSnapshot(t *testing.T) {
	dev := newFakeDevice()
	sink := &recordingSink{}
	s := New(dev, WithSink(sink), WithLowBattery(15))

	snapshot := s.Snapshot()
	assert.Equal(t, "idle", snapshot.State)
	assert.Nil(t, snapshot.Battery)
	assert.Nil(t, snapshot.Weight)
	assert.False(t, snapshot.LowBattery)
	assert.True(t, snapshot.AutoSave)

	dev.setStatus(scale.StateConnected, errors.New("tare failed"))
	dev.push(scale.Reading{Battery: 15, HasBattery: true, Weight: 7, HasWeight: true})

	snapshot = s.Snapshot()
	assert.Equal(t, "connected", snapshot.State)
	assert.Equal(t, "connected", snapshot.Message)
	assert.Equal(t, "tare failed", snapshot.Error)
	require.NotNil(t, snapshot.Battery)
	assert.Equal(t, 15, *snapshot.Battery)
	assert.True(t, snapshot.LowBattery)
	require.NotNil(t, snapshot.Weight)
	assert.Equal(t, 7, *snapshot.Weight)

	statuses := sink.getStatuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, "connected", statuses[len(statuses)-1].State)

	s.SetAutoSave(false)
	statuses = sink.getStatuses()
	assert.False(t, statuses[len(statuses)-1].AutoSave)
}

func TestDefaultLowBattery(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)

	dev.setStatus(scale.StateConnected, nil)
	dev.push(scale.Reading{Battery: 11, HasBattery: true})
	assert.False(t, s.Snapshot().LowBattery)
	dev.push(scale.Reading{Battery: 10, HasBattery: true})
	assert.True(t, s.Snapshot().LowBattery)
}

func TestDisconnectReconnect(t *testing.T) {
	dev := newFakeDevice()
	s := New(dev)

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Reconnect())
	assert.Equal(t, 1, dev.disconnects)
	assert.Equal(t, 1, dev.reconnects)
}

func TestWithScale(t *testing.T) {
	adapter := mock.New()
	p := adapter.AddPeripheral("C8:47:8C:00:12:34", "PROZIS Bit Scale")

	clock := &testClock{now: t0}
	sc, err := bitscale.New(adapter, bitscale.WithClock(clock.Now), bitscale.WithRetryInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, sc.Close())
	}()

	s := New(sc, WithDetectorConfig(stability.Config{
		Dwell:        time.Second,
		Tolerance:    1,
		MinMagnitude: 2,
		MinDelta:     2,
	}))

	require.Eventually(t, func() bool { return sc.State() == scale.StateScanning }, 2*time.Second, 5*time.Millisecond)
	require.True(t, adapter.Advertise(p.Candidate()))
	require.Eventually(t, sc.Connected, 2*time.Second, 5*time.Millisecond)

	for _, offset := range []time.Duration{0, 500 * time.Millisecond, time.Second, 1500 * time.Millisecond} {
		clock.set(t0.Add(offset))
		require.True(t, p.Notify([]byte{0x00, 0x50, 0x00, 0xFA}))
	}

	require.Eventually(t, func() bool { return len(s.Entries()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 250, s.Entries()[0].Grams)

	snapshot := s.Snapshot()
	assert.Equal(t, "connected", snapshot.State)
	assert.Equal(t, "Connected to PROZIS Bit Scale.", snapshot.Message)
	require.NotNil(t, snapshot.Battery)
	assert.Equal(t, 80, *snapshot.Battery)
}

////////////////////////////////////////////////////////////////////////////////

type fakeDevice struct {
	mu      sync.Mutex
	status  scale.ConnectionStatus
	reading scale.Reading
	tares   int
	tareErr error

	disconnects int
	reconnects  int

	stateChangeHandler func(status scale.ConnectionStatus)
	dataHandler        func(data scale.DataPoint)
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{}
}

func (d *fakeDevice) ConnectionStatus() scale.ConnectionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *fakeDevice) Reading() scale.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reading
}

func (d *fakeDevice) Tare() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tares++
	return d.tareErr
}

func (d *fakeDevice) Disconnect() error {
	d.disconnects++
	return nil
}

func (d *fakeDevice) Reconnect() error {
	d.reconnects++
	return nil
}

func (d *fakeDevice) StatusMessage() string {
	return d.ConnectionStatus().State.String()
}

func (d *fakeDevice) ConnectedFor() time.Duration {
	return 0
}

func (d *fakeDevice) SetStateChangeHandler(fn func(status scale.ConnectionStatus)) {
	d.stateChangeHandler = fn
}

func (d *fakeDevice) SetDataHandler(fn func(data scale.DataPoint)) {
	d.dataHandler = fn
}

func (d *fakeDevice) getTares() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tares
}

func (d *fakeDevice) setStatus(state scale.State, err error) {
	status := scale.ConnectionStatus{State: state, Error: err}
	d.mu.Lock()
	d.status = status
	if state != scale.StateConnected {
		d.reading = scale.Reading{}
	}
	d.mu.Unlock()

	d.stateChangeHandler(status)
}

func (d *fakeDevice) push(reading scale.Reading) {
	d.pushAt(t0, reading)
}

func (d *fakeDevice) pushAt(ts time.Time, reading scale.Reading) {
	d.mu.Lock()
	d.reading = d.reading.Merge(reading)
	dp := scale.DataPoint{TimeStamp: ts, Reading: d.reading}
	d.mu.Unlock()

	d.dataHandler(dp)
}

// feed pushes pairs of (milliseconds, grams)
func (d *fakeDevice) feed(samples ...int) {
	for i := 0; i+1 < len(samples); i += 2 {
		d.pushAt(t0.Add(time.Duration(samples[i])*time.Millisecond), scale.Reading{Weight: samples[i+1], HasWeight: true})
	}
}

type recordingSink struct {
	mu       sync.Mutex
	commits  []ledger.Entry
	statuses []Snapshot
}

func (r *recordingSink) PublishCommit(entry ledger.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits = append(r.commits, entry)
}

func (r *recordingSink) PublishStatus(snapshot Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, snapshot)
}

func (r *recordingSink) getCommits() []ledger.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.Entry(nil), r.commits...)
}

func (r *recordingSink) getStatuses() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.statuses...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func values(entries []ledger.Entry) []int {
	v := make([]int, len(entries))
	for i, entry := range entries {
		v[i] = entry.Grams
	}
	return v
}
