package electrum

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
)

// Peer is a candidate Electrum server. A non-zero SSL port takes precedence
// over TCP.
type Peer struct {
	Host string `json:"host"`
	TCP  int    `json:"tcp,omitempty"`
	SSL  int    `json:"ssl,omitempty"`
}

// HardcodedPeers is the default rotation
var HardcodedPeers = []Peer{
	{Host: "mainnet.foundationdevices.com", SSL: 50002},
	{Host: "electrum1.bluewallet.io", SSL: 443},
	{Host: "electrum.acinq.co", SSL: 50002},
	{Host: "electrum.bitaroo.net", SSL: 50002},
}

// Port returns the port the peer is dialed on
func (p Peer) Port() int {
	if p.SSL != 0 {
		return p.SSL
	}
	return p.TCP
}

// UseTLS reports whether the peer is dialed over TLS
func (p Peer) UseTLS() bool {
	return p.SSL != 0
}

// IsOnion reports whether the peer is a Tor hidden service
func (p Peer) IsOnion() bool {
	return strings.HasSuffix(p.Host, ".onion")
}

// Valid reports whether the peer has a host and at least one port
func (p Peer) Valid() bool {
	return p.Host != "" && (p.TCP != 0 || p.SSL != 0)
}

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port())
}

// PeerDirectory is the rotation over candidate servers
type PeerDirectory struct {
	mu    sync.Mutex
	peers []Peer
	index int
}

// NewPeerDirectory creates a directory starting at a random position
func NewPeerDirectory(peers []Peer) *PeerDirectory {
	if len(peers) == 0 {
		peers = HardcodedPeers
	}
	return &PeerDirectory{
		peers: append([]Peer(nil), peers...),
		index: rand.Intn(len(peers)),
	}
}

// Current returns the peer at the rotation index
func (d *PeerDirectory) Current() Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[d.index]
}

// Next returns the current peer and advances the rotation. The index wraps
// to the start once the following step would reach the final slot.
func (d *PeerDirectory) Next() Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer := d.peers[d.index]
	d.index++
	if d.index+1 >= len(d.peers) {
		d.index = 0
	}
	return peer
}

// Peers returns a copy of the rotation
func (d *PeerDirectory) Peers() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Peer(nil), d.peers...)
}

// Preference keys for the user-preferred server and the disabled flag
const (
	PrefElectrumHost     = "electrum_host"
	PrefElectrumTCPPort  = "electrum_tcp_port"
	PrefElectrumSSLPort  = "electrum_ssl_port"
	PrefElectrumDisabled = "electrum_disabled"
)

// Preferences is the persisted key-value store for connection settings.
// GetPreference returns an error for missing keys.
type Preferences interface {
	GetPreference(key string) (string, error)
	SetPreference(key, value string) error
	DeletePreference(key string) error
}

func getPreference(prefs Preferences, key string) string {
	if prefs == nil {
		return ""
	}
	value, err := prefs.GetPreference(key)
	if err != nil {
		return ""
	}
	return value
}

// loadPreferredPeer returns the saved peer. SSL wins when both ports are
// stored. Returns nil when nothing usable is saved.
func loadPreferredPeer(prefs Preferences) *Peer {
	host := getPreference(prefs, PrefElectrumHost)
	if host == "" {
		return nil
	}
	peer := &Peer{Host: host}
	if ssl, err := strconv.Atoi(getPreference(prefs, PrefElectrumSSLPort)); err == nil && ssl > 0 {
		peer.SSL = ssl
		return peer
	}
	if tcp, err := strconv.Atoi(getPreference(prefs, PrefElectrumTCPPort)); err == nil && tcp > 0 {
		peer.TCP = tcp
		return peer
	}
	return nil
}

func portString(port int) string {
	if port == 0 {
		return ""
	}
	return strconv.Itoa(port)
}

func savePreferredPeer(prefs Preferences, peer Peer) error {
	if prefs == nil {
		return nil
	}
	if err := prefs.SetPreference(PrefElectrumHost, peer.Host); err != nil {
		return err
	}
	if err := prefs.SetPreference(PrefElectrumTCPPort, portString(peer.TCP)); err != nil {
		return err
	}
	return prefs.SetPreference(PrefElectrumSSLPort, portString(peer.SSL))
}

func clearPreferredPeer(prefs Preferences) error {
	if prefs == nil {
		return nil
	}
	for _, key := range []string{PrefElectrumHost, PrefElectrumTCPPort, PrefElectrumSSLPort} {
		if err := prefs.DeletePreference(key); err != nil {
			return err
		}
	}
	return nil
}
