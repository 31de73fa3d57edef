// Package auth implements the two OpenWebNet session authentication
// handshakes (spec C5 sub-part): a bespoke HMAC-like digest scheme and a
// legacy reversible-scramble scheme kept for interoperability with older
// gateways.
package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/opennetty/opennetty-core/internal/opnerr"
)

// Method identifies which digest algorithm the gateway requested in its
// `*98*M##` challenge.
type Method int

const (
	MethodSHA1   Method = 1
	MethodSHA256 Method = 2
)

func (m Method) hash(data []byte) []byte {
	switch m {
	case MethodSHA1:
		sum := sha1.Sum(data)
		return sum[:]
	case MethodSHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	default:
		return nil
	}
}

// Supported reports whether m is a method this runtime implements.
func (m Method) Supported() bool {
	return m == MethodSHA1 || m == MethodSHA256
}

// DigitsToHex decodes the wire encoding used for nonces and digests: s
// must have a length that is a multiple of 4, each group of 4 decimal
// characters encoding one byte as two nibbles (each nibble itself a
// two-digit decimal 00..15).
func DigitsToHex(s string) ([]byte, error) {
	if len(s)%4 != 0 {
		return nil, opnerr.New(opnerr.AuthenticationInvalid, "digit string length must be a multiple of 4")
	}
	out := make([]byte, len(s)/4)
	for i := 0; i < len(s); i += 4 {
		hi, err := strconv.Atoi(s[i : i+2])
		if err != nil || hi > 15 {
			return nil, opnerr.New(opnerr.AuthenticationInvalid, "invalid nibble digits")
		}
		lo, err := strconv.Atoi(s[i+2 : i+4])
		if err != nil || lo > 15 {
			return nil, opnerr.New(opnerr.AuthenticationInvalid, "invalid nibble digits")
		}
		out[i/4] = byte(hi<<4 | lo)
	}
	return out, nil
}

// HexToDigits is DigitsToHex's inverse: each byte of data becomes two
// nibbles, each nibble a two-digit decimal string.
func HexToDigits(data []byte) string {
	var b strings.Builder
	b.Grow(len(data) * 4)
	for _, by := range data {
		fmt.Fprintf(&b, "%02d%02d", by>>4, by&0x0F)
	}
	return b.String()
}

func randomNonce(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// magic constants from spec.md §4.5's digest formula, kept as the literal
// lowercase hex fragments the reference gateways expect.
const (
	digestMagicA = "736f70653e"
	digestMagicB = "636f70653e"
)

// ComputeClientResponse generates a fresh client nonce (the same length
// as serverNonce) and computes the client digest per spec.md §4.5:
// H(Ns_hex || Nc_hex || magicA || magicB || hex(H(password))).
func ComputeClientResponse(method Method, serverNonce []byte, password string) (clientNonce []byte, clientDigestDigits string, err error) {
	clientNonce, err = randomNonce(len(serverNonce))
	if err != nil {
		return nil, "", opnerr.Wrap(opnerr.AuthenticationInvalid, "generate client nonce", err)
	}
	p := strings.ToLower(hex.EncodeToString(method.hash([]byte(password))))
	nsHex := strings.ToLower(hex.EncodeToString(serverNonce))
	ncHex := strings.ToLower(hex.EncodeToString(clientNonce))
	input := nsHex + ncHex + digestMagicA + digestMagicB + p
	digest := method.hash([]byte(input))
	return clientNonce, HexToDigits(digest), nil
}

// VerifyServerResponse checks the server's response digest in constant
// time against H(Ns_hex || Nc_hex || hex(H(password))).
func VerifyServerResponse(method Method, serverNonce, clientNonce []byte, password string, serverResponse []byte) bool {
	p := strings.ToLower(hex.EncodeToString(method.hash([]byte(password))))
	nsHex := strings.ToLower(hex.EncodeToString(serverNonce))
	ncHex := strings.ToLower(hex.EncodeToString(clientNonce))
	expected := method.hash([]byte(nsHex + ncHex + p))
	return subtle.ConstantTimeCompare(expected, serverResponse) == 1
}
