package tokens

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only supported code_challenge_method.
const PKCEMethodS256 = "S256"

const (
	pkceMinLen = 43
	pkceMaxLen = 128
)

// validPKCEValue checks the RFC 7636 length and unreserved character set,
// which applies to both verifiers and S256 challenges.
func validPKCEValue(s string) bool {
	if len(s) < pkceMinLen || len(s) > pkceMaxLen {
		return false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}

	return true
}

func verifyPKCE(verifier, challenge string) bool {
	if !validPKCEValue(verifier) {
		return false
	}

	computed := oauth2.S256ChallengeFromVerifier(verifier)

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
