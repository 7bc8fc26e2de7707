package electrum

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCapability(t *testing.T) {
	tests := []struct {
		serverName     string
		implementation string
		batching       bool
	}{
		{"ElectrumX 1.16.0", "ElectrumX", true},
		{"Fulcrum 1.9.1", "Fulcrum", true},
		{"Fulcrum 1.9.0", "Fulcrum", true},
		{"Fulcrum 1.8.2", "Fulcrum", false},
		{"electrs 0.9.0", "electrs", true},
		{"electrs/0.9.4", "electrs", true},
		{"electrs 0.8.10", "electrs", false},
		{"electrs-esplora 0.4.1", "electrs-esplora", false},
		{"ElectrumPersonalServer 0.2.4", "ElectrumPersonalServer", false},
		{"MysteryServer 9.9.9", "MysteryServer", false},
		{"Fulcrum", "Fulcrum", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.serverName, func(t *testing.T) {
			capability := ResolveCapability(tt.serverName)
			assert.Equal(t, tt.implementation, capability.Implementation)
			assert.Equal(t, tt.batching, capability.Batching)
		})
	}
}

func TestSemVerToInt(t *testing.T) {
	assert.Equal(t, 1009001, semVerToInt("1.9.1"))
	assert.Equal(t, 9000, semVerToInt("0.9.0"))
	assert.Greater(t, semVerToInt("0.10.0"), semVerToInt("0.9.9"))
	assert.Equal(t, 0, semVerToInt("1.9"))
	assert.Equal(t, 0, semVerToInt("1.x.0"))
	assert.Equal(t, 0, semVerToInt(""))
}

func TestPeerDirectory(t *testing.T) {
	peers := []Peer{
		{Host: "a", SSL: 50002},
		{Host: "b", SSL: 50002},
		{Host: "c", TCP: 50001},
		{Host: "d", SSL: 443},
	}
	d := NewPeerDirectory(peers)
	d.index = 0

	// the rotation wraps one slot early, so the last peer is only used as
	// a random starting point
	var seen []string
	for i := 0; i < 6; i++ {
		seen = append(seen, d.Next().Host)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, seen)
	assert.Equal(t, peers, d.Peers())

	d.index = 3
	assert.Equal(t, "d", d.Next().Host)
	assert.Equal(t, "a", d.Current().Host)
}

func TestPeer(t *testing.T) {
	p := Peer{Host: "h", TCP: 50001, SSL: 50002}
	assert.Equal(t, 50002, p.Port())
	assert.True(t, p.UseTLS())
	assert.Equal(t, "h:50002", p.String())
	assert.True(t, p.Valid())

	p.SSL = 0
	assert.Equal(t, 50001, p.Port())
	assert.False(t, p.UseTLS())

	assert.False(t, Peer{Host: "h"}.Valid())
	assert.True(t, Peer{Host: "x.onion", TCP: 1}.IsOnion())
}

func TestLoadPreferredPeer(t *testing.T) {
	prefs := newMemPrefs()
	assert.Nil(t, loadPreferredPeer(prefs))
	assert.Nil(t, loadPreferredPeer(nil))

	require.NoError(t, prefs.SetPreference(PrefElectrumHost, "my.node"))
	assert.Nil(t, loadPreferredPeer(prefs), "host without ports")

	require.NoError(t, prefs.SetPreference(PrefElectrumTCPPort, "50001"))
	assert.Equal(t, &Peer{Host: "my.node", TCP: 50001}, loadPreferredPeer(prefs))

	require.NoError(t, prefs.SetPreference(PrefElectrumSSLPort, "50002"))
	assert.Equal(t, &Peer{Host: "my.node", SSL: 50002}, loadPreferredPeer(prefs))

	require.NoError(t, clearPreferredPeer(prefs))
	assert.Nil(t, loadPreferredPeer(prefs))
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, KindResponseTooLarge, classifyServerError(-32600, "").Kind)
	assert.Equal(t, KindResponseTooLarge, classifyServerError(1, "Response too large").Kind)
	assert.Equal(t, KindVerboseUnsupported, classifyServerError(-32603, "verbose transactions are currently unsupported").Kind)
	assert.Equal(t, KindProtocol, classifyServerError(2, "daemon error").Kind)

	assert.Equal(t, KindTransport, KindOf(ErrNotConnected))
	assert.Equal(t, KindTransport, KindOf(fmt.Errorf("wrapped: %w", transportError(errors.New("eof")))))
	assert.Equal(t, KindProtocol, KindOf(errors.New("decode failed")))

	inner := transportError(errors.New("eof"))
	assert.Same(t, inner, transportError(fmt.Errorf("again: %w", inner)))
	assert.Equal(t, "transport", KindTransport.String())
}

func TestRPCErrorForms(t *testing.T) {
	var e rpcError
	require.NoError(t, json.Unmarshal([]byte(`"plain message"`), &e))
	assert.Equal(t, "plain message", e.Message)

	e = rpcError{}
	require.NoError(t, json.Unmarshal([]byte(`{"code":-32600,"message":"too big"}`), &e))
	assert.Equal(t, -32600, e.Code)
	assert.Equal(t, "too big", e.Message)
}
