package network

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/NAStools/zerotierone/src/types"
)

// Rule type bytes. The low 7 bits select the action or match field;
// bit 7 negates a match. Actions terminate a run of matches.
const (
	ruleNotFlag = 0x80

	RuleActionDrop     = 0x00
	RuleActionAccept   = 0x01
	RuleActionTee      = 0x02
	RuleActionRedirect = 0x03

	RuleMatchEtherType       = 0x10
	RuleMatchSourceMAC       = 0x11
	RuleMatchDestMAC         = 0x12
	RuleMatchIPv4Source      = 0x13
	RuleMatchIPv4Dest        = 0x14
	RuleMatchIPv6Source      = 0x15
	RuleMatchIPv6Dest        = 0x16
	RuleMatchPortRange       = 0x17
	RuleMatchTCPSeqRange     = 0x18
	RuleMatchCharacteristics = 0x19
	RuleMatchCOMField        = 0x1a
)

// Action is the outcome of rule evaluation.
type Action int

const (
	ActionDrop Action = iota
	ActionAccept
	ActionTee
	ActionRedirect
)

// Rule is one entry in a network's flat rule vector. Only the fields
// relevant to its type are meaningful.
type Rule struct {
	Type byte

	EtherType       uint16
	MAC             types.MAC
	IP              netip.Prefix
	PortStart       uint16
	PortEnd         uint16
	SeqStart        uint32
	SeqEnd          uint32
	Characteristics uint64
	COMID           uint64
	COMValue        uint64

	// Tee and redirect targets.
	Target types.Address
}

func (r Rule) isAction() bool { return r.Type&0x7f < 0x10 }
func (r Rule) not() bool      { return r.Type&ruleNotFlag != 0 }

// FrameInfo carries the fields a rule set can match on.
type FrameInfo struct {
	EtherType uint16
	SourceMAC types.MAC
	DestMAC   types.MAC
}

// Rules is a network's flat rule vector, evaluated left to right: a run
// of match entries ANDs together and the next action entry decides the
// outcome; an action with no preceding matches applies unconditionally;
// falling off the end drops the frame.
type Rules []Rule

// Evaluate runs the rule vector over a frame. Only etherType is
// actually evaluated; every other match field counts as matched. Full
// field evaluation is a planned extension of the rules engine, not a
// silent upgrade.
func (rs Rules) Evaluate(f FrameInfo) Action {
	matched := true
	sawMatch := false

	for _, r := range rs {
		if r.isAction() {
			if matched || !sawMatch {
				switch r.Type & 0x7f {
				case RuleActionAccept:
					return ActionAccept
				case RuleActionTee:
					return ActionTee
				case RuleActionRedirect:
					return ActionRedirect
				default:
					return ActionDrop
				}
			}
			matched = true
			sawMatch = false
			continue
		}

		m := true
		if r.Type&0x7f == RuleMatchEtherType {
			m = f.EtherType == r.EtherType
		}
		if r.not() {
			m = !m
		}
		matched = matched && m
		sawMatch = true
	}
	return ActionDrop
}

// String form used inside network config dictionaries: comma-separated
// "<type hex>" or "<type hex>-<value hex>" tokens.
func (rs Rules) marshal() string {
	var b strings.Builder
	for i, r := range rs {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%x", r.Type)
		if r.Type&0x7f == RuleMatchEtherType {
			fmt.Fprintf(&b, "-%x", r.EtherType)
		}
	}
	return b.String()
}

func parseRules(s string) Rules {
	if s == "" {
		return nil
	}
	var rs Rules
	for _, tok := range strings.Split(s, ",") {
		parts := strings.SplitN(tok, "-", 2)
		t, err := strconv.ParseUint(parts[0], 16, 8)
		if err != nil {
			continue
		}
		r := Rule{Type: byte(t)}
		if len(parts) == 2 {
			if v, err := strconv.ParseUint(parts[1], 16, 64); err == nil {
				if r.Type&0x7f == RuleMatchEtherType {
					r.EtherType = uint16(v)
				}
			}
		}
		rs = append(rs, r)
	}
	return rs
}
