package auth

import "github.com/opennetty/opennetty-core/internal/opnerr"

// LegacyObfuscate implements the legacy OPEN authentication scheme's
// 9-case bit-rotation/byte-swap scramble table. It is not cryptographically
// meaningful and is preserved bit-exact for interoperability with older
// gateways: compatibility-only, unsafe on untrusted networks.
func LegacyObfuscate(password uint32, serverNonceDigits string) (uint32, error) {
	p := password
	for _, r := range serverNonceDigits {
		switch r {
		case '1':
			p = rotr32(p, 7)
		case '2':
			p = rotr32(p, 4)
		case '3':
			p = rotr32(p, 3)
		case '4':
			p = rotl32(p, 1)
		case '5':
			p = rotl32(p, 5)
		case '6':
			p = rotl32(p, 12)
		case '7':
			p = (p & 0x0000FF00) | (p << 24) | ((p & 0x00FF0000) >> 16) | ((p & 0xFF000000) >> 8)
		case '8':
			p = (p << 16) | (p >> 24) | ((p & 0x00FF0000) >> 8)
		case '9':
			p = ^p
		case '0':
			// No transformation is defined for digit 0.
		default:
			return 0, opnerr.New(opnerr.AuthenticationInvalid, "server nonce contains a non-digit byte")
		}
	}
	return p, nil
}

func rotr32(x uint32, n uint) uint32 { return (x >> n) | (x << (32 - n)) }
func rotl32(x uint32, n uint) uint32 { return (x << n) | (x >> (32 - n)) }

// MaxLegacyPassword is the largest password legacy OPEN authentication
// accepts: an unsigned 32-bit integer expressed in at most 9 decimal
// digits.
const MaxLegacyPassword = 999999999
