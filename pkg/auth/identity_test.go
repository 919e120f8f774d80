package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityType_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		idType   IdentityType
		expected string
	}{
		{name: "agent type", idType: IdentityTypeAgent, expected: "agent"},
		{name: "custom type", idType: IdentityType("custom"), expected: "custom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.idType.String())
		})
	}
}

func TestIdentityType_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		idType   IdentityType
		expected bool
	}{
		{name: "agent is valid", idType: IdentityTypeAgent, expected: true},
		{name: "empty is invalid", idType: IdentityType(""), expected: false},
		{name: "unknown is invalid", idType: IdentityType("operator"), expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.idType.Valid())
		})
	}
}

// Verify AgentIdentity implements the Identity interface at compile time.
var _ Identity = (*AgentIdentity)(nil)

func TestNewAgentIdentity(t *testing.T) {
	t.Parallel()
	claims := map[string]any{"sub": "agent-7", "capabilities": []any{"codegen"}}
	identity, err := NewAgentIdentity("agent-7", claims)
	require.NoError(t, err)

	assert.Equal(t, "agent-7", identity.ID())
	assert.Equal(t, IdentityTypeAgent, identity.Type())
	assert.Len(t, identity.Claims(), 2)
	assert.Equal(t, "agent-7", identity.Claims()["sub"])
}

func TestNewAgentIdentity_EmptyID(t *testing.T) {
	t.Parallel()
	_, err := NewAgentIdentity("", map[string]any{"sub": ""})
	require.Error(t, err, "NewAgentIdentity with empty id should return an error")
}

func TestNewAgentIdentity_NilClaims(t *testing.T) {
	t.Parallel()
	identity, err := NewAgentIdentity("agent-1", nil)
	require.NoError(t, err)

	assert.NotNil(t, identity.Claims(), "Claims() returned nil, expected empty map")
	assert.Len(t, identity.Claims(), 0)
}

func TestNewAgentIdentity_ClaimsAreCopiedOnConstruction(t *testing.T) {
	t.Parallel()
	claims := map[string]any{"key": "original"}
	identity, err := NewAgentIdentity("agent-1", claims)
	require.NoError(t, err)

	// Mutating the input map after construction should not affect the identity.
	claims["key"] = "mutated"
	claims["injected"] = "value"

	assert.Equal(t, "original", identity.Claims()["key"], "input claims mutation leaked into AgentIdentity")
	_, exists := identity.Claims()["injected"]
	assert.False(t, exists, "injected claim key leaked into AgentIdentity")
}

func TestAgentIdentity_ClaimsReturnsDefensiveCopy(t *testing.T) {
	t.Parallel()
	identity, err := NewAgentIdentity("agent-1", map[string]any{"key": "original"})
	require.NoError(t, err)

	first := identity.Claims()
	first["key"] = "mutated"
	first["injected"] = "attack"

	second := identity.Claims()
	assert.Equal(t, "original", second["key"], "Claims() mutation leaked")
	_, exists := second["injected"]
	assert.False(t, exists, "Claims() mutation leaked: injected key should not exist")
}
