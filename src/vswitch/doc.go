/*
Package vswitch is the virtual Ethernet switch at the heart of the
engine. Wire packets enter on one side and tap frames on the other;
the switch authenticates, reassembles, dispatches by verb, relays
traffic for third parties, parks work behind WHOIS when identities are
unknown, and brokers rendezvous between peers it relays for.

The switch holds no reference to the node that owns it: everything it
needs arrives through a RuntimeEnvironment.
*/
package vswitch
