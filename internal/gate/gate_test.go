package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog(t *testing.T) {
	all := All()
	require.Len(t, all, 8)

	info, ok := Lookup(SystemOutbound)
	require.True(t, ok)
	assert.Equal(t, "System Outbound", info.Name)
	assert.Equal(t, "Outbound", info.Direction)

	_, err := Parse("X-Y")
	assert.Error(t, err)
	g, err := Parse("M-I")
	require.NoError(t, err)
	assert.Equal(t, MemoryInbound, g)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   Decision
		want Decision
	}{
		{Allow, Allow},
		{"allow_with_controls", AllowWithControls},
		{RequireApproval, RequireApproval},
		{Escalate, Escalate},
		{Approved, Deny},
		{"MAYBE", Deny},
		{"", Deny},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestEvaluateClosed_GatewayError(t *testing.T) {
	gw := GatewayFunc(func(context.Context, Request) (Result, error) {
		return Result{Decision: Allow}, errors.New("connection refused")
	})

	res, err := EvaluateClosed(context.Background(), gw, Request{Gate: PreToolGate, Action: "jira_create"})
	require.ErrorIs(t, err, ErrGateUnavailable)
	assert.Equal(t, Deny, res.Decision)
	assert.Equal(t, ReasonGateUnavailable, res.DenialReason)
	assert.Equal(t, "connection refused", res.Evidence["error"])
}

func TestEvaluateClosed_NilGateway(t *testing.T) {
	res, err := EvaluateClosed(context.Background(), nil, Request{Gate: InputGate})
	require.ErrorIs(t, err, ErrGateUnavailable)
	assert.Equal(t, Deny, res.Decision)
}

func TestEvaluateClosed_UnknownDecision(t *testing.T) {
	gw := GatewayFunc(func(context.Context, Request) (Result, error) {
		return Result{Decision: "PROBABLY_FINE"}, nil
	})

	res, err := EvaluateClosed(context.Background(), gw, Request{Gate: PreToolGate})
	require.NoError(t, err)
	assert.Equal(t, Deny, res.Decision)
	assert.Contains(t, res.DenialReason, "PROBABLY_FINE")
	assert.NotNil(t, res.ControlsApplied)
}

func TestDecision_Permits(t *testing.T) {
	assert.True(t, Allow.Permits())
	assert.True(t, AllowWithControls.Permits())
	assert.True(t, Approved.Permits())
	assert.False(t, Deny.Permits())
	assert.False(t, RequireApproval.Permits())
	assert.False(t, Escalate.Permits())
}
