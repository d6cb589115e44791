/*
Package packet implements the wire packet format: the 28-byte header,
Salsa20/12 + Poly1305 armoring keyed per packet from the long-term
session key, LZ4 payload compression, and fragmentation of packets
exceeding the physical MTU with a bounded reassembly table on the
receiving side.

Packets are carried in fixed-capacity buffers and never exceed
MaxLength. The hop count is the only header field a third party may
modify: it lives outside the authenticated region so relays can
decrement the budget without the key.
*/
package packet
