package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestEvent_PayloadRoundTrip(t *testing.T) {
	score := 0.85
	ev, err := New(TypeWorkflowComplete, "s1", WorkflowComplete{
		Success:      true,
		QualityScore: &score,
		Artifacts:    []string{"main.go"},
		Summary:      "done",
	})
	require.NoError(t, err)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var back Event
	require.NoError(t, json.Unmarshal(data, &back))

	p, err := back.Payload()
	require.NoError(t, err)
	wc, ok := p.(*WorkflowComplete)
	require.True(t, ok)
	assert.True(t, wc.Success)
	assert.Equal(t, 0.85, *wc.QualityScore)
	assert.True(t, back.Type.Terminal())
}

func TestEvent_QualityScoreAbsentNotZero(t *testing.T) {
	ev := Must(TypeWorkflowComplete, "s1", WorkflowComplete{Artifacts: []string{}})
	assert.NotContains(t, string(ev.Data), "quality_score")
}

func TestEvent_PayloadErrors(t *testing.T) {
	_, err := Event{Type: "bogus", Data: []byte(`{}`)}.Payload()
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Event{Type: TypeStart}.Payload()
	assert.Error(t, err)
}

func TestApprovalResponse_Validate(t *testing.T) {
	assert.NoError(t, ApprovalResponse{RequestID: "a", Decision: "approved"}.Validate())
	assert.NoError(t, ApprovalResponse{RequestID: "a", Decision: "reject"}.Validate())
	assert.Error(t, ApprovalResponse{Decision: "approved"}.Validate())
	assert.Error(t, ApprovalResponse{RequestID: "a", Decision: "maybe"}.Validate())
	assert.True(t, ApprovalResponse{Decision: "approve"}.Approved())
	assert.False(t, ApprovalResponse{Decision: "rejected"}.Approved())
}

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_OrderAndFiltering(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus()
	defer bus.Close()

	all := bus.Subscribe("")
	defer all.Close()
	one := bus.Subscribe("s1")
	defer one.Close()

	ctx := context.Background()
	for i, sid := range []string{"s1", "s2", "s1"} {
		require.NoError(t, bus.Publish(ctx, Must(TypeStatus, sid, Status{Stage: "research", State: string(rune('a' + i))})))
	}

	var states []string
	for i := 0; i < 3; i++ {
		var st Status
		require.NoError(t, recv(t, all).Decode(&st))
		states = append(states, st.State)
	}
	assert.Equal(t, []string{"a", "b", "c"}, states)

	assert.Equal(t, "s1", recv(t, one).SessionID)
	var st Status
	require.NoError(t, recv(t, one).Decode(&st))
	assert.Equal(t, "c", st.State)
}

// Publishing never blocks on a subscriber that is not reading.
func TestBus_SlowSubscriberBuffers(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus()
	defer bus.Close()
	slow := bus.Subscribe("")
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = bus.Publish(context.Background(), Must(TypeStatus, "s", Status{Stage: "x"}))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	for i := 0; i < 1000; i++ {
		recv(t, slow)
	}
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewBus()
	s := bus.Subscribe("")
	bus.Close()

	_, ok := <-s.Events()
	assert.False(t, ok)
	s.Close()

	late := bus.Subscribe("")
	_, ok = <-late.Events()
	assert.False(t, ok)
	late.Close()
	assert.NoError(t, bus.Publish(context.Background(), Must(TypeStatus, "s", nil)))
}

func TestMulti(t *testing.T) {
	var got []Type
	m := Multi{
		PublisherFunc(func(_ context.Context, ev Event) error { got = append(got, ev.Type); return nil }),
		nil,
		PublisherFunc(func(_ context.Context, ev Event) error { got = append(got, ev.Type); return assert.AnError }),
	}
	err := m.Publish(context.Background(), Must(TypeInitialized, "s", Initialized{SessionID: "s"}))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []Type{TypeInitialized, TypeInitialized}, got)
}
