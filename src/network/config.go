package network

import (
	"bytes"
	"encoding/hex"
	"errors"
	"net/netip"
	"strconv"
	"strings"

	"github.com/NAStools/zerotierone/src/common"
	"github.com/NAStools/zerotierone/src/crypto"
	"github.com/NAStools/zerotierone/src/identity"
	"github.com/NAStools/zerotierone/src/types"
)

// Dictionary capacity for a serialised network config.
const ConfigDictionaryCapacity = 8192

// Dictionary keys. Short keys keep configs small on the wire; readers
// ignore keys they do not know, so new fields can be added freely.
const (
	configKeyNetworkID      = "nwid"
	configKeyTimestamp      = "ts"
	configKeyRevision       = "r"
	configKeyIssuedTo       = "id"
	configKeyName           = "n"
	configKeyPrivate        = "p"
	configKeyMTU            = "mtu"
	configKeyMulticastLimit = "ml"
	configKeyBroadcast      = "eb"
	configKeyBridging       = "pb"
	configKeyCOM            = "C"
	configKeyStaticIPs      = "si"
	configKeyRoutes         = "rt"
	configKeyRules          = "rl"
	configKeySpecialists    = "sp"
	configKeySignature      = "sig" // always the last entry
)

// Specialist role flags.
const (
	SpecialistActiveBridge = 1 << 0
	SpecialistRelay        = 1 << 1
)

// Defaults applied when a config omits a field.
const (
	DefaultMTU            = 2800
	DefaultMulticastLimit = 32
)

var (
	ErrBadConfig          = errors.New("malformed network config")
	ErrConfigBadSignature = errors.New("network config signature check failed")
)

// Specialist is a member with a special role on the network.
type Specialist struct {
	Address types.Address
	Flags   uint64
}

// Route is an operator-pushed route.
type Route struct {
	Target netip.Prefix
	Via    netip.Addr // zero value means direct
}

// Config is a network configuration as issued by the controller.
type Config struct {
	NetworkID      uint64
	Timestamp      uint64
	Revision       uint64
	IssuedTo       types.Address
	Name           string
	Private        bool
	MTU            int
	MulticastLimit int
	Broadcast      bool
	Bridging       bool
	COM            *CertificateOfMembership
	StaticIPs      []netip.Prefix
	Routes         []Route
	Rules          Rules
	Specialists    []Specialist
}

// IsPublic reports whether the network requires no membership
// certificate.
func (c *Config) IsPublic() bool { return !c.Private }

// ActiveBridges returns the addresses flagged as active bridges.
func (c *Config) ActiveBridges() []types.Address {
	var out []types.Address
	for _, s := range c.Specialists {
		if s.Flags&SpecialistActiveBridge != 0 {
			out = append(out, s.Address)
		}
	}
	return out
}

// Relays returns the addresses flagged as preferred relays.
func (c *Config) Relays() []types.Address {
	var out []types.Address
	for _, s := range c.Specialists {
		if s.Flags&SpecialistRelay != 0 {
			out = append(out, s.Address)
		}
	}
	return out
}

// Dictionary serialises the config, unsigned.
func (c *Config) Dictionary() (*common.Dictionary, error) {
	d := common.NewDictionary(ConfigDictionaryCapacity)

	d.AddUint64(configKeyNetworkID, c.NetworkID)
	d.AddUint64(configKeyTimestamp, c.Timestamp)
	d.AddUint64(configKeyRevision, c.Revision)
	d.AddString(configKeyIssuedTo, c.IssuedTo.String())
	if c.Name != "" {
		d.AddString(configKeyName, c.Name)
	}
	d.AddBool(configKeyPrivate, c.Private)
	d.AddUint64(configKeyMTU, uint64(c.MTU))
	d.AddUint64(configKeyMulticastLimit, uint64(c.MulticastLimit))
	d.AddBool(configKeyBroadcast, c.Broadcast)
	d.AddBool(configKeyBridging, c.Bridging)
	if c.COM != nil {
		d.AddString(configKeyCOM, c.COM.MarshalString())
	}
	if len(c.StaticIPs) > 0 {
		ips := make([]string, len(c.StaticIPs))
		for i, p := range c.StaticIPs {
			ips[i] = p.String()
		}
		d.AddString(configKeyStaticIPs, strings.Join(ips, ","))
	}
	if len(c.Routes) > 0 {
		routes := make([]string, len(c.Routes))
		for i, r := range c.Routes {
			if r.Via.IsValid() {
				routes[i] = r.Target.String() + ">" + r.Via.String()
			} else {
				routes[i] = r.Target.String()
			}
		}
		d.AddString(configKeyRoutes, strings.Join(routes, ","))
	}
	if len(c.Rules) > 0 {
		d.AddString(configKeyRules, c.Rules.marshal())
	}
	if len(c.Specialists) > 0 {
		sp := make([]string, len(c.Specialists))
		for i, s := range c.Specialists {
			sp[i] = s.Address.String() + "/" + strconv.FormatUint(s.Flags, 16)
		}
		if err := d.AddString(configKeySpecialists, strings.Join(sp, ",")); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// SignedDictionary serialises the config and appends the controller's
// signature over all preceding bytes.
func (c *Config) SignedDictionary(controller *identity.Identity) (*common.Dictionary, error) {
	d, err := c.Dictionary()
	if err != nil {
		return nil, err
	}
	sig, err := controller.Sign(d.Bytes())
	if err != nil {
		return nil, err
	}
	if err := d.AddString(configKeySignature, hex.EncodeToString(sig[:])); err != nil {
		return nil, err
	}
	return d, nil
}

// VerifyConfigSignature checks the trailing signature entry of a config
// dictionary against the controller's identity. The signature covers
// every byte before its own entry.
func VerifyConfigSignature(d *common.Dictionary, controller *identity.Identity) error {
	sigHex, ok := d.GetString(configKeySignature)
	if !ok {
		return ErrConfigBadSignature
	}
	raw, err := hex.DecodeString(sigHex)
	if err != nil || len(raw) != crypto.SignatureLength {
		return ErrConfigBadSignature
	}
	var sig crypto.Signature
	copy(sig[:], raw)

	blob := d.Bytes()
	marker := []byte("\n" + configKeySignature + "=")
	at := bytes.LastIndex(blob, marker)
	if at < 0 {
		return ErrConfigBadSignature
	}
	if !controller.Verify(blob[:at], &sig) {
		return ErrConfigBadSignature
	}
	return nil
}

// ParseConfig reads a config dictionary. Unknown keys are ignored.
func ParseConfig(d *common.Dictionary) (*Config, error) {
	c := &Config{
		MTU:            DefaultMTU,
		MulticastLimit: DefaultMulticastLimit,
	}

	c.NetworkID = d.GetUint64(configKeyNetworkID, 0)
	if c.NetworkID == 0 {
		return nil, ErrBadConfig
	}
	c.Timestamp = d.GetUint64(configKeyTimestamp, 0)
	c.Revision = d.GetUint64(configKeyRevision, 0)

	idStr, ok := d.GetString(configKeyIssuedTo)
	if !ok {
		return nil, ErrBadConfig
	}
	issuedTo, err := types.NewAddressFromString(idStr)
	if err != nil {
		return nil, ErrBadConfig
	}
	c.IssuedTo = issuedTo

	c.Name, _ = d.GetString(configKeyName)
	c.Private = d.GetBool(configKeyPrivate, true)
	if v := d.GetUint64(configKeyMTU, 0); v > 0 {
		c.MTU = int(v)
	}
	if v := d.GetUint64(configKeyMulticastLimit, 0); v > 0 {
		c.MulticastLimit = int(v)
	}
	c.Broadcast = d.GetBool(configKeyBroadcast, true)
	c.Bridging = d.GetBool(configKeyBridging, false)

	if comStr, ok := d.GetString(configKeyCOM); ok {
		com, err := ParseCertificateString(comStr)
		if err != nil {
			return nil, err
		}
		c.COM = com
	}

	if s, ok := d.GetString(configKeyStaticIPs); ok && s != "" {
		for _, tok := range strings.Split(s, ",") {
			p, err := netip.ParsePrefix(tok)
			if err == nil {
				c.StaticIPs = append(c.StaticIPs, p)
			}
		}
	}
	if s, ok := d.GetString(configKeyRoutes); ok && s != "" {
		for _, tok := range strings.Split(s, ",") {
			var r Route
			if i := strings.IndexByte(tok, '>'); i >= 0 {
				via, err := netip.ParseAddr(tok[i+1:])
				if err != nil {
					continue
				}
				r.Via = via
				tok = tok[:i]
			}
			p, err := netip.ParsePrefix(tok)
			if err != nil {
				continue
			}
			r.Target = p
			c.Routes = append(c.Routes, r)
		}
	}
	if s, ok := d.GetString(configKeyRules); ok {
		c.Rules = parseRules(s)
	}
	if s, ok := d.GetString(configKeySpecialists); ok && s != "" {
		for _, tok := range strings.Split(s, ",") {
			// Each token is "<address>/<flags hex>"; the address part
			// is always the 10 hex digits of a 40-bit address.
			i := strings.IndexByte(tok, '/')
			if i != types.AddressLength*2 {
				continue
			}
			addr, err := types.NewAddressFromString(tok[:i])
			if err != nil {
				continue
			}
			flags, err := strconv.ParseUint(tok[i+1:], 16, 64)
			if err != nil {
				continue
			}
			c.Specialists = append(c.Specialists, Specialist{addr, flags})
		}
	}

	return c, nil
}

// ControllerFor returns the controller address embedded in a network
// ID: its most significant 40 bits.
func ControllerFor(nwid uint64) types.Address {
	return types.Address(nwid >> 24)
}
