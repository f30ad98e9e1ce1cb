package syncclient

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestNext(t *testing.T) {
	tests := []struct {
		state State
		sig   Signal
		want  State
		ok    bool
	}{
		{StateDisconnected, SignalStart, StateConnecting, true},
		{StateConnecting, SignalHandshakeOK, StateConnected, true},
		{StateConnecting, SignalHandshakeFailed, StateDisconnected, true},
		{StateConnected, SignalInterrupted, StateReconnecting, true},
		{StateReconnecting, SignalHandshakeOK, StateConnected, true},
		{StateReconnecting, SignalHandshakeFailed, StateReconnecting, true},
		{StateReconnecting, SignalExhausted, StateDisconnected, true},
		{StateConnected, SignalStop, StateDisconnected, true},
		{StateConnecting, SignalStop, StateDisconnected, true},
		{StateReconnecting, SignalStop, StateDisconnected, true},
		{StateDisconnected, SignalStop, StateDisconnected, true},
		{StateConnected, SignalStart, StateConnected, false},
		{StateDisconnected, SignalHandshakeOK, StateDisconnected, false},
		{StateConnecting, SignalInterrupted, StateConnecting, false},
		{StateConnected, SignalExhausted, StateConnected, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String()+"/"+tt.sig.String(), func(t *testing.T) {
			got, ok := Next(tt.state, tt.sig)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestScheduleDelays(t *testing.T) {
	s := NewSchedule()
	want := []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, d := range want {
		assert.Equal(t, d, s.NextBackOff(), "attempt %d", i+1)
	}

	s.Reset()
	assert.Equal(t, time.Duration(0), s.NextBackOff())
}

func TestScheduleMaxAttempts(t *testing.T) {
	s := &Schedule{Steps: []time.Duration{time.Millisecond}, MaxAttempts: 2}
	assert.Equal(t, time.Millisecond, s.NextBackOff())
	assert.Equal(t, time.Millisecond, s.NextBackOff())
	assert.Equal(t, backoff.Stop, s.NextBackOff())
}
