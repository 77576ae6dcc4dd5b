package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONSerdeRoundTrip(t *testing.T) {
	RegisterType(&testPayload{})

	in := &testPayload{Name: "hello", Count: 42}
	typeName, data, err := serialize(in)
	require.NoError(t, err)
	assert.Equal(t, "remote.testPayload", typeName)

	out, err := deserialize(typeName, data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDeserializeUnregisteredTypeFails(t *testing.T) {
	_, err := deserialize("remote.unknownType", []byte("{}"))
	assert.Error(t, err)
}

func TestClusterMessagesAreRegistered(t *testing.T) {
	// The transport registers its own envelope payloads in init; a
	// fresh receiver must be able to decode them without further setup.
	for _, name := range []string{
		"cluster.ActivationRequest",
		"cluster.ActivationResponse",
		"cluster.GrainRequest",
		"cluster.GrainResponse",
		"gossip.Exchange",
		"gossip.Delta",
	} {
		_, err := lookupType(name)
		assert.NoError(t, err, name)
	}
}
