package wire

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	raw := []byte(`{"event":"app:pair","data":{"pairingCode":"ABC-123-XYZ"}}`)

	m, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, EventAppPair, m.Event)

	var p AppPair
	require.NoError(t, m.DecodeData(&p))
	assert.Equal(t, "ABC-123-XYZ", p.PairingCode)
}

func TestParseMessageRejectsMissingEvent(t *testing.T) {
	_, err := ParseMessage([]byte(`{"data":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing event")
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	_, err := ParseMessage([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeDataEmptyPayload(t *testing.T) {
	m := &Message{Event: EventAppPair}
	var p AppPair
	require.Error(t, m.DecodeData(&p))
}

func TestNewMessageRoundTrip(t *testing.T) {
	m, err := NewMessage(EventAppPairSuccess, AppPairSuccess{RunnerID: "runner-1", PairedAt: 1700000000000})
	require.NoError(t, err)

	raw, err := json.Marshal(m)
	require.NoError(t, err)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)

	var p AppPairSuccess
	require.NoError(t, parsed.DecodeData(&p))
	assert.Equal(t, "runner-1", p.RunnerID)
	assert.Equal(t, int64(1700000000000), p.PairedAt)
}

func TestNewMessageNilPayloadOmitsData(t *testing.T) {
	m, err := NewMessage(EventAppUnpair, nil)
	require.NoError(t, err)

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "data"))
}

func TestNewErrorShape(t *testing.T) {
	m := NewError(EventAppPairError, ErrCodeNotFound, "no active registration")
	assert.Equal(t, EventAppPairError, m.Event)

	var p ErrorPayload
	require.NoError(t, m.DecodeData(&p))
	assert.Equal(t, ErrCodeNotFound, p.Code)
	assert.NotEmpty(t, p.Message)

	// Only RATE_LIMITED carries a ban window.
	assert.False(t, strings.Contains(string(m.Data), "remainingBanSeconds"))
}

func TestNewRateLimitedCarriesBanWindow(t *testing.T) {
	m := NewRateLimited(EventAppPairError, 287)

	var p ErrorPayload
	require.NoError(t, m.DecodeData(&p))
	assert.Equal(t, ErrRateLimited, p.Code)
	assert.Equal(t, int64(287), p.RemainingBanSeconds)
}

func TestSessionRefExtractsRoutingKey(t *testing.T) {
	raw := []byte(`{"event":"terminal_input","data":{"sessionId":"sess-9","data":"bHM="}}`)
	m, err := ParseMessage(raw)
	require.NoError(t, err)

	var ref SessionRef
	require.NoError(t, m.DecodeData(&ref))
	assert.Equal(t, "sess-9", ref.SessionID)

	// Forwarding re-marshals the untouched envelope; terminal bytes pass
	// through opaque.
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"bHM="`)
}
