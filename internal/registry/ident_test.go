package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIdentifierRoundTrip(t *testing.T) {
	for _, kind := range []NodeKind{KindProxy, KindBackend} {
		id := NewNodeIdentifier(kind, 7)
		require.NoError(t, id.Validate())

		parsed, err := ParseNodeIdentifier(id.String())
		require.NoError(t, err)
		assert.True(t, id.Equal(parsed))
		assert.Equal(t, kind, parsed.Kind)
		assert.Equal(t, 7, parsed.Instance)
	}
}

func TestNodeIdentifierValidate(t *testing.T) {
	valid := NewNodeIdentifier(KindProxy, 0)

	cases := []struct {
		name   string
		mutate func(*NodeIdentifier)
	}{
		{"nil uuid", func(id *NodeIdentifier) { id.UUID = uuid.Nil }},
		{"unknown kind", func(id *NodeIdentifier) { id.Kind = "router" }},
		{"negative instance", func(id *NodeIdentifier) { id.Instance = -1 }},
		{"instance above max", func(id *NodeIdentifier) { id.Instance = MaxInstance + 1 }},
		{"zero epoch", func(id *NodeIdentifier) { id.Epoch = 0 }},
		{"epoch too far in future", func(id *NodeIdentifier) {
			id.Epoch = time.Now().AddDate(1, 0, 1).UnixMilli()
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := valid
			tc.mutate(&id)
			require.ErrorIs(t, id.Validate(), ErrInvariantViolation)
		})
	}

	// Boundary values remain valid.
	id := valid
	id.Instance = MaxInstance
	assert.NoError(t, id.Validate())
}

func TestParseNodeIdentifierRejectsMalformed(t *testing.T) {
	u := uuid.New().String()
	cases := []string{
		"",
		"router-" + u + "-0-1700000000000",
		"proxy-not-a-uuid-0-1700000000000",
		"proxy-" + u,
		"proxy-" + u + "-x-1700000000000",
		"proxy-" + u + "X0-1700000000000",
		"proxy-" + u + "-0-notanepoch",
		"proxy-" + u + "-500-1700000000000",
	}
	for _, s := range cases {
		_, err := ParseNodeIdentifier(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestNodeIdentifierOrdering(t *testing.T) {
	a := NewNodeIdentifier(KindProxy, 1)
	b := a
	b.Epoch = a.Epoch + 1

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))

	// Same epoch and uuid: instance breaks the tie.
	c := a
	c.Instance = 2
	assert.True(t, a.Less(c))
	assert.False(t, a.Equal(c))
}
