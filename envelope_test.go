package procflip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Generation: 7,
		Entries: []EnvelopeEntry{
			{Role: "admin", Kind: fdKindListener, Network: "tcp", Addr: "127.0.0.1:9000"},
			{Role: "main", Kind: fdKindListener, Network: "tcp", Addr: "127.0.0.1:8080"},
			{Role: "statefile", Kind: fdKindFile},
		},
		ReadinessSlot:   3,
		DataSlot:        4,
		ControlSlot:     noSlot,
		ControlLockSlot: noSlot,
	}

	marker, err := encodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := decodeEnvelope(marker)
	require.NoError(t, err)
	assert.Equal(t, env, decoded, "envelope must survive the environment unchanged")
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := decodeEnvelope("{not json"); err == nil {
		t.Error("expected a decode error")
	}
	// an envelope without a readiness endpoint is useless to a successor
	if _, err := decodeEnvelope(`{"generation":1,"readinessSlot":-1}`); err == nil {
		t.Error("expected an envelope without a readiness slot to be rejected")
	}
}

func TestIsSuccessor(t *testing.T) {
	if IsSuccessor() {
		t.Fatal("test process should not start out as a successor")
	}
	t.Setenv(handoffEnv, `{"generation":3,"readinessSlot":0}`)
	if !IsSuccessor() {
		t.Error("expected the handoff marker to be detected")
	}
}

func TestScrubEnv(t *testing.T) {
	environ := []string{
		"PATH=/bin",
		handoffEnv + `={"generation":1}`,
		"HOME=/root",
	}
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, scrubEnv(environ))
	assert.Equal(t, []string{"PATH=/bin"}, scrubEnv([]string{"PATH=/bin"}))
}
