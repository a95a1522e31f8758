package publish

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fako1024/bitscale/pkg/ledger"
	"github.com/fako1024/bitscale/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Broker: "tcp://localhost:1883", QoS: 3}.Validate())
	assert.NoError(t, Config{Broker: "tcp://localhost:1883", QoS: 1}.Validate())

	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	p, err := New(Config{Broker: "tcp://localhost:1883", ClientID: "bitscale-test"}, nil)
	require.NoError(t, err)

	assert.False(t, p.IsConnected())
	assert.Equal(t, "bitscale/weights", p.WeightsTopic())
	assert.Equal(t, "bitscale/status", p.StatusTopic())

	// Disconnecting a never connected publisher is fine, and idempotent
	p.Disconnect()
	p.Disconnect()
	assert.Error(t, p.Connect(context.Background()))
}

func TestCommitPayload(t *testing.T) {
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	l := ledger.New(ledger.WithClock(func() time.Time { return ts }))
	entry := l.Commit(250, ledger.SourceAuto)

	payload, err := CommitPayload(entry)
	require.NoError(t, err)

	var event CommitEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, entry.ID.String(), event.ID)
	assert.Equal(t, 250, event.Grams)
	assert.True(t, ts.Equal(event.At))
	assert.Equal(t, "auto", event.Source)
}

func TestStatusPayload(t *testing.T) {
	battery, weight := 9, 120
	payload, err := StatusPayload(session.Snapshot{
		State:      "connected",
		Message:    "Connected to PROZIS Bit Scale.",
		Battery:    &battery,
		Weight:     &weight,
		LowBattery: true,
		AutoSave:   true,
		Entries:    []ledger.Entry{{Grams: 5}},
	})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(payload, &fields))
	assert.Equal(t, "connected", fields["state"])
	assert.Equal(t, float64(9), fields["battery"])
	assert.Equal(t, float64(120), fields["weight"])
	assert.Equal(t, true, fields["low_battery"])
	assert.NotContains(t, fields, "entries")
	assert.NotContains(t, fields, "error")
}

func TestQueue(t *testing.T) {
	p := newPublisher(Config{TopicPrefix: "kitchen/scale", QueueSize: 2}, nil)

	var (
		mu        sync.Mutex
		published []message
	)
	p.publish = func(msg message) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, msg)
		return nil
	}

	// Without a running worker the queue fills up and further events are dropped
	p.PublishCommit(ledger.Entry{Grams: 1})
	p.PublishStatus(session.Snapshot{State: "connected"})
	p.PublishCommit(ledger.Entry{Grams: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, "kitchen/scale/weights", published[0].topic)
	assert.False(t, published[0].retained)
	assert.Equal(t, "kitchen/scale/status", published[1].topic)
	assert.True(t, published[1].retained)
}

func TestRunStopsOnDisconnect(t *testing.T) {
	p := newPublisher(Config{}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background())
	}()

	p.Disconnect()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publisher did not stop")
	}
}
