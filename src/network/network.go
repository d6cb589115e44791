package network

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/types"
)

// Status of a joined network.
type Status int

const (
	StatusRequestingConfiguration Status = iota
	StatusOK
	StatusAccessDenied
	StatusNotFound
	StatusPortError
	StatusClientTooOld
)

func (s Status) String() string {
	switch s {
	case StatusRequestingConfiguration:
		return "REQUESTING_CONFIGURATION"
	case StatusOK:
		return "OK"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusPortError:
		return "PORT_ERROR"
	case StatusClientTooOld:
		return "CLIENT_TOO_OLD"
	}
	return "UNKNOWN"
}

// Timing constants, in milliseconds.
const (
	ConfigRequestInterval = 60000
	minCertificatePush    = 5000
)

type membership struct {
	com            *CertificateOfMembership
	lastReceived   int64
	lastPushedOurs int64
}

// Network is the local node's view of one virtual network: the most
// recent accepted configuration, its multicast subscriptions, and the
// membership certificates received from other members. A private
// network without a current certificate treats every frame as
// unauthorised.
type Network struct {
	mu     sync.Mutex
	id     uint64
	logger *logrus.Entry

	config *Config
	status Status

	groups      []types.MulticastGroup // sorted, explicit subscriptions
	memberships map[types.Address]*membership

	lastConfigRequest int64
	lastConfigAccept  int64
}

// NewNetwork creates a network in the requesting-configuration state.
func NewNetwork(id uint64, logger *logrus.Entry) *Network {
	return &Network{
		id:          id,
		logger:      logger.WithField("nwid", fmt.Sprintf("%.16x", id)),
		status:      StatusRequestingConfiguration,
		memberships: make(map[types.Address]*membership),
	}
}

// ID returns the 64-bit network ID.
func (n *Network) ID() uint64 { return n.id }

// Controller returns the address of this network's controller.
func (n *Network) Controller() types.Address { return ControllerFor(n.id) }

// Status returns the current lifecycle status.
func (n *Network) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// SetStatus records a terminal status from a controller ERROR response.
func (n *Network) SetStatus(s Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != s {
		n.logger.WithField("status", s.String()).Info("network status changed")
	}
	n.status = s
}

// HasConfig reports whether a configuration has been accepted.
func (n *Network) HasConfig() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.config != nil
}

// Config returns the most recent accepted configuration, or nil.
func (n *Network) Config() *Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.config
}

// AcceptConfig validates and installs a configuration pushed by the
// controller. The dictionary signature must verify against the
// controller's identity, the config must be issued to this node, and
// its revision must be newer than what we have. Returns true when the
// config was installed.
func (n *Network) AcceptConfig(d *common.Dictionary, controller *identity.Identity, self types.Address, now int64) (bool, error) {
	if err := VerifyConfigSignature(d, controller); err != nil {
		return false, err
	}
	c, err := ParseConfig(d)
	if err != nil {
		return false, err
	}
	if c.NetworkID != n.id {
		return false, ErrBadConfig
	}
	if c.IssuedTo != self {
		return false, ErrBadConfig
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.config != nil && c.Revision <= n.config.Revision {
		return false, nil
	}

	n.config = c
	n.status = StatusOK
	n.lastConfigAccept = now
	n.logger.WithFields(logrus.Fields{
		"revision": c.Revision,
		"name":     c.Name,
		"private":  c.Private,
	}).Info("network config updated")
	return true, nil
}

// InstallCachedConfig installs a config parsed from the local cache on
// warm start. The signature is not re-checked: the blob was verified
// when it was stored.
func (n *Network) InstallCachedConfig(d *common.Dictionary, self types.Address, now int64) (bool, error) {
	c, err := ParseConfig(d)
	if err != nil {
		return false, err
	}
	if c.NetworkID != n.id || c.IssuedTo != self {
		return false, ErrBadConfig
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.config != nil && c.Revision <= n.config.Revision {
		return false, nil
	}
	n.config = c
	n.status = StatusOK
	n.lastConfigAccept = now
	return true, nil
}

// ConfigRequestDue reports whether it is time to (re)request a config
// from the controller.
func (n *Network) ConfigRequestDue(now int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return now-n.lastConfigRequest >= ConfigRequestInterval
}

// RecordConfigRequest stamps an outgoing config request.
func (n *Network) RecordConfigRequest(now int64) {
	n.mu.Lock()
	n.lastConfigRequest = now
	n.mu.Unlock()
}

// SubscribeMulticast adds a local multicast subscription. Returns true
// if it was not already present.
func (n *Network) SubscribeMulticast(mg types.MulticastGroup) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	i := sort.Search(len(n.groups), func(i int) bool { return !n.groups[i].Less(mg) })
	if i < len(n.groups) && n.groups[i] == mg {
		return false
	}
	n.groups = append(n.groups, types.MulticastGroup{})
	copy(n.groups[i+1:], n.groups[i:])
	n.groups[i] = mg
	return true
}

// UnsubscribeMulticast removes a local subscription.
func (n *Network) UnsubscribeMulticast(mg types.MulticastGroup) {
	n.mu.Lock()
	defer n.mu.Unlock()
	i := sort.Search(len(n.groups), func(i int) bool { return !n.groups[i].Less(mg) })
	if i < len(n.groups) && n.groups[i] == mg {
		n.groups = append(n.groups[:i], n.groups[i+1:]...)
	}
}

// SubscribedTo reports whether the local node subscribes to mg,
// including the address-resolution groups derived from assigned IPs.
func (n *Network) SubscribedTo(mg types.MulticastGroup) bool {
	for _, g := range n.MulticastGroups() {
		if g == mg {
			return true
		}
	}
	return false
}

// MulticastGroups returns all groups the local node belongs to on this
// network: explicit subscriptions plus the ARP groups derived from
// each assigned IPv4 address.
func (n *Network) MulticastGroups() []types.MulticastGroup {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]types.MulticastGroup, len(n.groups))
	copy(out, n.groups)
	if n.config != nil {
		for _, p := range n.config.StaticIPs {
			if p.Addr().Is4() {
				out = append(out, types.NewMulticastGroupForAddressResolution(p.Addr()))
			}
		}
	}
	return out
}

// AddCredential stores a membership certificate received from another
// member. When the controller's identity is known the signature is
// checked first; certificates for other networks are rejected.
func (n *Network) AddCredential(com *CertificateOfMembership, controller *identity.Identity, now int64) error {
	if com.NetworkID() != n.id {
		return ErrBadCertificate
	}
	if controller != nil && !com.Verify(controller) {
		return ErrBadCertificate
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	addr := com.IssuedTo()
	m := n.memberships[addr]
	if m == nil {
		m = &membership{}
		n.memberships[addr] = m
	}
	if m.com == nil || com.Timestamp() >= m.com.Timestamp() {
		m.com = com
	}
	m.lastReceived = now
	return nil
}

// MayCommunicateWith decides whether any frame may be exchanged with a
// peer on this network. Public networks admit every member once we have
// a config; private networks require our certificate to agree with the
// peer's most recent one.
func (n *Network) MayCommunicateWith(peer types.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.config == nil {
		return false
	}
	if !n.config.Private {
		return true
	}
	if n.config.COM == nil {
		return false
	}
	m := n.memberships[peer]
	if m == nil || m.com == nil {
		return false
	}
	return n.config.COM.AgreesWith(m.com)
}

// NeedsOurCertificate reports whether we should (re)attach our
// membership certificate when sending to a peer. Pushes repeat at half
// the certificate's agreement window so the peer never holds an expired
// view of us.
func (n *Network) NeedsOurCertificate(peer types.Address, now int64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.config == nil || !n.config.Private || n.config.COM == nil {
		return false
	}
	interval := int64(n.config.COM.timestampMaxDelta() / 2)
	if interval < minCertificatePush {
		interval = minCertificatePush
	}
	m := n.memberships[peer]
	if m == nil {
		m = &membership{}
		n.memberships[peer] = m
	}
	return now-m.lastPushedOurs >= interval
}

// RecordCertificatePush stamps an outgoing certificate push to a peer.
func (n *Network) RecordCertificatePush(peer types.Address, now int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m := n.memberships[peer]
	if m == nil {
		m = &membership{}
		n.memberships[peer] = m
	}
	m.lastPushedOurs = now
}

// FilterFrame runs the network's rule vector over a frame. A network
// without rules accepts everything.
func (n *Network) FilterFrame(f FrameInfo) Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.config == nil {
		return ActionDrop
	}
	if len(n.config.Rules) == 0 {
		return ActionAccept
	}
	return n.config.Rules.Evaluate(f)
}

// Clean drops membership records whose certificates have fallen out of
// their agreement window by a wide margin.
func (n *Network) Clean(now int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for addr, m := range n.memberships {
		if m.com != nil {
			window := m.com.timestampMaxDelta()
			if window > 0 && uint64(now) > m.com.Timestamp()+2*window {
				delete(n.memberships, addr)
			}
		} else if now-m.lastPushedOurs > ConfigRequestInterval*30 {
			delete(n.memberships, addr)
		}
	}
}

func (c *CertificateOfMembership) timestampMaxDelta() uint64 {
	for _, q := range c.qualifiers {
		if q.id == QualifierTimestamp {
			return q.maxDelta
		}
	}
	return 0
}
