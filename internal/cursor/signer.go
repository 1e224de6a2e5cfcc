package cursor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"slices"
	"strings"
)

// ErrInvalidToken is returned for tokens that are malformed or whose
// signature does not match. Callers resume such clients from the earliest
// available messages.
var ErrInvalidToken = errors.New("cursor: invalid token")

const macSize = 16

// Token domains keep a cursor token from being accepted as a groups token
// and the other way round.
const (
	domainCursor = 'c'
	domainGroups = 'g'
)

var b64 = base64.RawURLEncoding

// Signer produces and verifies tamper-evident tokens with HMAC-SHA256.
// Tokens are "<payload>.<mac>", both base64url without padding, so they can
// be written into JSON without escaping. Encoding is deterministic: the same
// cursor always yields the same token.
type Signer struct {
	key []byte
}

// NewSigner uses key, or a random key when key is empty. A random key makes
// tokens valid for the lifetime of the process only.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	return &Signer{key: slices.Clone(key)}, nil
}

// Encode serializes the cursor as, per topic in sorted order, the uvarint
// length of the topic, the topic, and the uvarint sequence.
func (s *Signer) Encode(c Cursor) string {
	var payload []byte
	for _, topic := range c.Topics() {
		payload = binary.AppendUvarint(payload, uint64(len(topic)))
		payload = append(payload, topic...)
		payload = binary.AppendUvarint(payload, c.pos[topic])
	}
	return s.seal(domainCursor, payload)
}

// Decode verifies token and returns the cursor it carries. The empty token
// is the empty cursor of a fresh client.
func (s *Signer) Decode(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	payload, err := s.open(domainCursor, token)
	if err != nil {
		return Cursor{}, err
	}
	pos := make(map[string]uint64)
	for len(payload) > 0 {
		n, k := binary.Uvarint(payload)
		if k <= 0 || uint64(len(payload)-k) < n {
			return Cursor{}, ErrInvalidToken
		}
		payload = payload[k:]
		topic := string(payload[:n])
		payload = payload[n:]

		seq, k := binary.Uvarint(payload)
		if k <= 0 {
			return Cursor{}, ErrInvalidToken
		}
		payload = payload[k:]
		pos[topic] = seq
	}
	if len(pos) == 0 {
		return Cursor{}, nil
	}
	return Cursor{pos: pos}, nil
}

// EncodeGroups signs a set of group names.
func (s *Signer) EncodeGroups(groups []string) string {
	sorted := slices.Clone(groups)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var payload []byte
	for _, g := range sorted {
		payload = binary.AppendUvarint(payload, uint64(len(g)))
		payload = append(payload, g...)
	}
	return s.seal(domainGroups, payload)
}

// DecodeGroups verifies a groups token. The empty token means no groups.
func (s *Signer) DecodeGroups(token string) ([]string, error) {
	if token == "" {
		return nil, nil
	}
	payload, err := s.open(domainGroups, token)
	if err != nil {
		return nil, err
	}
	var groups []string
	for len(payload) > 0 {
		n, k := binary.Uvarint(payload)
		if k <= 0 || uint64(len(payload)-k) < n {
			return nil, ErrInvalidToken
		}
		payload = payload[k:]
		groups = append(groups, string(payload[:n]))
		payload = payload[n:]
	}
	return groups, nil
}

func (s *Signer) mac(domain byte, payload []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte{domain})
	h.Write(payload)
	return h.Sum(nil)[:macSize]
}

func (s *Signer) seal(domain byte, payload []byte) string {
	var sb strings.Builder
	sb.Grow(b64.EncodedLen(len(payload)) + 1 + b64.EncodedLen(macSize))
	sb.WriteString(b64.EncodeToString(payload))
	sb.WriteByte('.')
	sb.WriteString(b64.EncodeToString(s.mac(domain, payload)))
	return sb.String()
}

func (s *Signer) open(domain byte, token string) ([]byte, error) {
	enc, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	payload, err := b64.DecodeString(enc)
	if err != nil {
		return nil, ErrInvalidToken
	}
	mac, err := b64.DecodeString(sig)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(mac, s.mac(domain, payload)) {
		return nil, ErrInvalidToken
	}
	return payload, nil
}
