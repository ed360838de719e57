package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TokenShape is the structural class of a bearer token.
type TokenShape int

const (
	// TokenMalformed is anything that is neither opaque nor a JWS: blank,
	// oversized, two segments, four or more, or any empty segment.
	TokenMalformed TokenShape = iota

	// TokenOpaque is a single segment with no dots. Its validity can only
	// be confirmed by the identity provider.
	TokenOpaque

	// TokenJWS is exactly three non-empty dot-separated segments.
	TokenJWS
)

// String returns the shape name used in logs and metric labels.
func (s TokenShape) String() string {
	switch s {
	case TokenOpaque:
		return "opaque"
	case TokenJWS:
		return "jws"
	default:
		return "malformed"
	}
}

// maxTokenSize is the largest bearer token accepted (8 KiB).
const maxTokenSize = 8192

// Classify returns the shape of a bearer token that has already had its
// "Bearer " prefix removed. It does not decode anything and has no side
// effects.
func Classify(token string) TokenShape {
	if strings.TrimSpace(token) == "" || len(token) > maxTokenSize {
		return TokenMalformed
	}

	segments := strings.Split(token, ".")
	switch len(segments) {
	case 1:
		return TokenOpaque
	case 3:
		for _, s := range segments {
			if s == "" {
				return TokenMalformed
			}
		}
		return TokenJWS
	default:
		return TokenMalformed
	}
}

// SegmentLengths returns the length of each dot-separated segment. It is
// the only token-derived detail written to logs besides [TokenPreview].
func SegmentLengths(token string) []int {
	segments := strings.Split(token, ".")
	lengths := make([]int, len(segments))
	for i, s := range segments {
		lengths[i] = len(s)
	}
	return lengths
}

// previewPrefixLen is how many leading characters TokenPreview reveals.
// A JWS always begins with its base64url header, so the prefix exposes
// nothing secret.
const previewPrefixLen = 6

// TokenPreview returns a short non-reversible rendering of token for
// debugging: a few leading characters and a truncated SHA-256. Tokens too
// short to be worth abbreviating get the hash only.
func TokenPreview(token string) string {
	sum := tokenHash(token)[:12]
	if len(token) < 4*previewPrefixLen {
		return "sha256:" + sum
	}
	return token[:previewPrefixLen] + "...sha256:" + sum
}

// tokenHash returns the hex SHA-256 of token. Used as the cache and
// singleflight key so raw tokens are never stored.
func tokenHash(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
