package packet

// Verb identifies the operation a packet carries. The high bit of the
// verb byte on the wire flags LZ4 compression and is not part of the
// verb itself.
type Verb byte

const (
	VerbNop                  Verb = 0x00
	VerbHello                Verb = 0x01
	VerbOK                   Verb = 0x02
	VerbError                Verb = 0x03
	VerbWhois                Verb = 0x04
	VerbRendezvous           Verb = 0x05
	VerbFrame                Verb = 0x06
	VerbExtFrame             Verb = 0x07
	VerbEcho                 Verb = 0x08
	VerbMulticastLike        Verb = 0x09
	VerbNetworkConfigRequest Verb = 0x0b
	VerbNetworkConfigRefresh Verb = 0x0c
	VerbMulticastGather      Verb = 0x0d
	VerbMulticastFrame       Verb = 0x0e
	VerbCircuitTest          Verb = 0x11
	VerbCircuitTestReport    Verb = 0x12
)

func (v Verb) String() string {
	switch v {
	case VerbNop:
		return "NOP"
	case VerbHello:
		return "HELLO"
	case VerbOK:
		return "OK"
	case VerbError:
		return "ERROR"
	case VerbWhois:
		return "WHOIS"
	case VerbRendezvous:
		return "RENDEZVOUS"
	case VerbFrame:
		return "FRAME"
	case VerbExtFrame:
		return "EXT_FRAME"
	case VerbEcho:
		return "ECHO"
	case VerbMulticastLike:
		return "MULTICAST_LIKE"
	case VerbNetworkConfigRequest:
		return "NETWORK_CONFIG_REQUEST"
	case VerbNetworkConfigRefresh:
		return "NETWORK_CONFIG_REFRESH"
	case VerbMulticastGather:
		return "MULTICAST_GATHER"
	case VerbMulticastFrame:
		return "MULTICAST_FRAME"
	case VerbCircuitTest:
		return "CIRCUIT_TEST"
	case VerbCircuitTestReport:
		return "CIRCUIT_TEST_REPORT"
	}
	return "UNKNOWN"
}

// ErrorCode is carried in ERROR packets after the in-re verb and packet
// ID.
type ErrorCode byte

const (
	ErrorNone                  ErrorCode = 0x00
	ErrorInvalidRequest        ErrorCode = 0x01
	ErrorBadProtocolVersion    ErrorCode = 0x02
	ErrorObjectNotFound        ErrorCode = 0x03
	ErrorIdentityCollision     ErrorCode = 0x04
	ErrorUnsupportedOperation  ErrorCode = 0x05
	ErrorNeedMembershipCert    ErrorCode = 0x06
	ErrorNetworkAccessDenied   ErrorCode = 0x07
	ErrorUnwantedMulticast     ErrorCode = 0x08
)
