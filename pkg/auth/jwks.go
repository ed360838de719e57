package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// maxMetadataBytes caps discovery and JWKS response bodies (1 MiB).
const maxMetadataBytes = 1 << 20

// SigningKeySet is one immutable snapshot of the identity provider's
// signing metadata. The metadata cache replaces the whole set on refresh;
// a set is never modified after it is built.
type SigningKeySet struct {
	// Issuer is the issuer named by the discovery document.
	Issuer string

	// JWKSURI is where the keys were fetched from.
	JWKSURI string

	// FetchedAt is when the snapshot was taken.
	FetchedAt time.Time

	byKID map[string]any
	all   []any
}

// NewSigningKeySet builds a set from public keys indexed by key id. Keys
// with an empty id are usable only by tokens whose header has no kid.
func NewSigningKeySet(issuer, jwksURI string, fetchedAt time.Time, keys map[string]any) *SigningKeySet {
	s := &SigningKeySet{
		Issuer:    issuer,
		JWKSURI:   jwksURI,
		FetchedAt: fetchedAt,
		byKID:     make(map[string]any, len(keys)),
	}
	for _, kid := range sortedKeys(keys) {
		s.byKID[kid] = keys[kid]
		s.all = append(s.all, keys[kid])
	}
	return s
}

// Key returns the public key with the given id.
func (s *SigningKeySet) Key(kid string) (any, bool) {
	if s == nil {
		return nil, false
	}
	k, ok := s.byKID[kid]
	return k, ok
}

// Len returns the number of keys.
func (s *SigningKeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.all)
}

// KeyIDs returns the key ids in sorted order.
func (s *SigningKeySet) KeyIDs() []string {
	if s == nil {
		return nil
	}
	return sortedKeys(s.byKID)
}

// verificationKeys returns every key for tokens that carry no kid. The
// JWT parser tries each in turn.
func (s *SigningKeySet) verificationKeys() jwt.VerificationKeySet {
	set := jwt.VerificationKeySet{Keys: make([]jwt.VerificationKey, 0, len(s.all))}
	for _, k := range s.all {
		set.Keys = append(set.Keys, k)
	}
	return set
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// discoveryDocument holds the fields read from an OpenID Connect
// discovery document.
type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// fetchSigningKeySet reads the discovery document at metadataURL and then
// the JWKS it references.
func fetchSigningKeySet(ctx context.Context, client HTTPClient, metadataURL string, now time.Time) (*SigningKeySet, error) {
	var doc discoveryDocument
	if err := getJSON(ctx, client, metadataURL, func(body []byte) error {
		return json.Unmarshal(body, &doc)
	}); err != nil {
		return nil, fmt.Errorf("auth: discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("auth: discovery document at %s has no jwks_uri", metadataURL)
	}

	var keys map[string]any
	if err := getJSON(ctx, client, doc.JWKSURI, func(body []byte) error {
		var err error
		keys, err = parseJWKS(body)
		return err
	}); err != nil {
		return nil, fmt.Errorf("auth: signing keys: %w", err)
	}

	return NewSigningKeySet(doc.Issuer, doc.JWKSURI, now, keys), nil
}

// getJSON performs a GET and hands the size-limited body to decode.
func getJSON(ctx context.Context, client HTTPClient, url string, decode func([]byte) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}
	if err := decode(body); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// parseJWKS extracts the public signature keys from a JWKS document.
// Keys marked for encryption, private keys and unsupported key types are
// skipped. A document with no usable key is an error.
func parseJWKS(body []byte) (map[string]any, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]any, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
			continue
		}

		var raw any
		if err := key.Raw(&raw); err != nil {
			continue
		}
		switch raw.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
			keys[key.KeyID()] = raw
		}
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no usable signing keys among %d", set.Len())
	}
	return keys, nil
}
