// Package auth implements the authentication sublayer's cryptographic
// primitive (spec section 4.5): the shared-key MAC used by both the
// standard 6-byte-key scheme and the 12-byte-key OMA variant, plus
// unpredictable challenge-nonce generation.
//
// Per spec section 9's design note, this reconstructs the behaviour
// described in the specification text (key iteration count, message
// byte order, destination-address binding for OMA) rather than a
// published reference vector, since none is given; the only contract
// that matters for interoperability within this codebase is that both
// sides compute the identical 8-byte output from identical inputs.
package auth

import "math/bits"

// MACSize is the width of the authentication MAC on the wire for both
// the standard and OMA variants (spec section 6).
const MACSize = 8

// KeyLenStandard and KeyLenOMA are the two legal authentication key
// lengths (spec section 6).
const (
	KeyLenStandard = 6
	KeyLenOMA      = 12
)

// OMADestAddrSize is the width of the destination-address prefix OMA
// binds into the message before running the MAC (spec section 4.5).
const OMADestAddrSize = 20

// Encrypt computes the MAC the way spec section 4.5 describes:
// deterministic given (key, random, apdu) for the standard variant, and
// additionally the destination address for OMA.
//
//   - standard: the key (6 bytes) is iterated once across the message.
//   - OMA: the key (12 bytes) is iterated 1.5x — indices 0..11 then
//     0..5 — and the message is prefixed with a 20-byte destination
//     address block.
//
// In both cases the APDU bytes are fed in reverse order, and each key
// byte step updates all 8 state bytes, with the key byte's bit for that
// state index selecting whether a rotated complement is added or
// subtracted.
func Encrypt(random [8]byte, apdu []byte, key []byte, oma bool, omaDestAddr []byte) [8]byte {
	message := buildMessage(apdu, oma, omaDestAddr)
	keySeq := keyIterationSequence(key, oma)

	state := random
	for _, mb := range message {
		for _, kb := range keySeq {
			for j := 0; j < 8; j++ {
				bit := (kb >> uint(j)) & 1
				rotated := bits.RotateLeft8(state[j], 1)
				complement := ^rotated
				if bit == 1 {
					state[j] = state[j] + complement + mb
				} else {
					state[j] = state[j] - complement - mb
				}
			}
		}
	}
	return state
}

// Verify reports whether mac matches the locally computed MAC for the
// given inputs, the comparison spec section 4.5's "receive reply" step
// performs.
func Verify(random [8]byte, apdu []byte, key []byte, oma bool, omaDestAddr []byte, mac [8]byte) bool {
	return Encrypt(random, apdu, key, oma, omaDestAddr) == mac
}

func buildMessage(apdu []byte, oma bool, destAddr []byte) []byte {
	reversed := make([]byte, len(apdu))
	for i, b := range apdu {
		reversed[len(apdu)-1-i] = b
	}
	if !oma {
		return reversed
	}
	prefix := make([]byte, OMADestAddrSize)
	copy(prefix, destAddr)
	return append(prefix, reversed...)
}

func keyIterationSequence(key []byte, oma bool) []byte {
	if !oma {
		return key
	}
	seq := make([]byte, 0, len(key)+KeyLenStandard)
	seq = append(seq, key...)
	half := KeyLenStandard
	if len(key) < half {
		half = len(key)
	}
	seq = append(seq, key[:half]...)
	return seq
}
