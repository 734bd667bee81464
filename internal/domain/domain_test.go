package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Session state machine ---

func TestTransition_RoomLifecycle(t *testing.T) {
	state, effects, err := Transition(KindRoom, StateProvisioning, EventProvisioned)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	assert.Empty(t, effects)

	state, effects, err = Transition(KindRoom, state, EventCallEnded)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, state)
	assert.Equal(t, []Effect{EffectTerminateAgent, EffectScheduleArchive}, effects)
}

func TestTransition_TelephonyCallEnded(t *testing.T) {
	state, effects, err := Transition(KindTelephony, StateActive, EventCallEnded)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, state)
	assert.Equal(t, []Effect{EffectTerminateAgent, EffectCloseBridge}, effects)
}

func TestTransition_AgentExited(t *testing.T) {
	state, effects, err := Transition(KindRoom, StateActive, EventAgentExited)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, state)
	assert.Contains(t, effects, EffectReleaseHandle)
	assert.Contains(t, effects, EffectScheduleArchive)
	assert.NotContains(t, effects, EffectTerminateAgent)
}

func TestTransition_ProvisionFailed(t *testing.T) {
	state, effects, err := Transition(KindRoom, StateProvisioning, EventProvisionFailed)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, []Effect{EffectReleaseHandle}, effects)
}

func TestTransition_TerminalStatesAbsorb(t *testing.T) {
	for _, st := range []SessionState{StateEnded, StateFailed} {
		for _, ev := range []SessionEvent{EventProvisioned, EventCallEnded, EventAgentExited, EventProvisionFailed} {
			t.Run(fmt.Sprintf("%s/%s", st, ev), func(t *testing.T) {
				next, effects, err := Transition(KindRoom, st, ev)
				require.NoError(t, err)
				assert.Equal(t, st, next)
				assert.Empty(t, effects)
			})
		}
	}
}

func TestTransition_InvalidEvent(t *testing.T) {
	_, _, err := Transition(KindRoom, StateActive, EventProvisionFailed)
	assert.Error(t, err)
}

// --- Recording lifecycle ---

func TestCanTransitionRecording(t *testing.T) {
	tests := []struct {
		from, to RecordingState
		want     bool
	}{
		{RecordingAvailable, RecordingUploading, true},
		{RecordingUploading, RecordingArchived, true},
		{RecordingUploading, RecordingAvailable, true},
		{RecordingArchived, RecordingDeleted, true},
		{RecordingFailed, RecordingUploading, true},
		{RecordingAvailable, RecordingDeleted, false},
		{RecordingUploading, RecordingDeleted, false},
		{RecordingFailed, RecordingDeleted, false},
		{RecordingDeleted, RecordingAvailable, false},
		{RecordingArchived, RecordingUploading, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionRecording(tt.from, tt.to))
		})
	}
}

func TestRecordingAdvance(t *testing.T) {
	rec := &Recording{ID: "rec-1", State: RecordingAvailable}
	require.NoError(t, rec.Advance(RecordingUploading))
	require.Error(t, rec.Advance(RecordingDeleted))
	require.NoError(t, rec.Advance(RecordingArchived))
	require.NoError(t, rec.Advance(RecordingDeleted))
	assert.Equal(t, RecordingDeleted, rec.State)
}

// --- ClientInfo ---

func TestClientInfo_RoundTripPreservesUnknownKeys(t *testing.T) {
	in := `{"name":"Pat","phone":"+64 21 555 0100","tier":"gold","score":3}`

	var ci ClientInfo
	require.NoError(t, json.Unmarshal([]byte(in), &ci))
	assert.Equal(t, "Pat", ci.Name)
	assert.Equal(t, "+64 21 555 0100", ci.Phone)
	assert.Equal(t, "gold", ci.Extra["tier"])

	out, err := json.Marshal(ci)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestClientInfo_RejectsNonObject(t *testing.T) {
	var ci ClientInfo
	err := json.Unmarshal([]byte(`["a"]`), &ci)
	assert.ErrorIs(t, err, ErrClientInfoNotObject)
}

func TestClientInfo_NullIsEmpty(t *testing.T) {
	var ci ClientInfo
	require.NoError(t, json.Unmarshal([]byte(`null`), &ci))
	assert.Empty(t, ci.Map())
}

func TestClientInfo_NonStringKnownFieldStaysOpaque(t *testing.T) {
	var ci ClientInfo
	require.NoError(t, json.Unmarshal([]byte(`{"name":{"first":"Pat"}}`), &ci))
	assert.Empty(t, ci.Name)
	assert.Equal(t, map[string]any{"first": "Pat"}, ci.Extra["name"])
}

func TestClientInfo_EmptyKnownFieldRoundTrips(t *testing.T) {
	in := `{"name":"","phone":"+15550100"}`

	var ci ClientInfo
	require.NoError(t, json.Unmarshal([]byte(in), &ci))
	assert.Empty(t, ci.Name)
	assert.Equal(t, "+15550100", ci.Phone)

	out, err := json.Marshal(ci)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestClientInfo_ValidatePhone(t *testing.T) {
	tests := []struct {
		phone   string
		wantErr bool
	}{
		{"+6421555010", false},
		{"(021) 555-0100", false},
		{"", true},
		{"+12", true},
		{"+1 555 CALL NOW", true},
	}
	for _, tt := range tests {
		t.Run(tt.phone, func(t *testing.T) {
			err := ClientInfo{Phone: tt.phone}.ValidatePhone()
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindValidation, KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// --- Errors ---

func TestErrorKindPropagatesThroughWrapping(t *testing.T) {
	base := NewError(KindProvisioning, "rooms.create", errors.New("502 bad gateway"))
	wrapped := fmt.Errorf("create session: %w", base)

	assert.Equal(t, KindProvisioning, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindProvisioning))
	assert.Contains(t, wrapped.Error(), "rooms.create")
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestErrorWithSession(t *testing.T) {
	e := NewError(KindLaunch, "supervisor.launch", errors.New("exec: not found"))
	annotated := e.WithSession("room-1", "launch")
	assert.Equal(t, "room-1", annotated.SessionID)
	assert.Empty(t, e.SessionID)
	assert.Contains(t, annotated.Error(), "session room-1")
}
