// Package session implements SessionRegistry (spec section 4.2): opaque
// token issuance, lookup, invalidation, and a background sweeper.
//
// Token format is adapted directly from the teacher's
// server/auth/token/auth_token.go binary layout:
//
//	[8:random session id][4:expires unix][2:reserved][2:serial][32:HMAC-SHA256]
//
// The teacher's 8-byte field carries a numeric Uid; here it carries a
// random session identifier since this spec's users are keyed by username,
// not a numeric id, and the token must not let a client derive the room or
// user it belongs to (opaque per spec section 4.2).
package session

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"
)

const (
	idLength        = 8
	tokenDecodedLen = 8 + 4 + 2 + 2 + 32
)

var (
	errMalformedToken = errors.New("session: malformed token")
	errBadSignature   = errors.New("session: invalid token signature")
)

type tokenCodec struct {
	hmacKey []byte
	serial  uint16
}

func newTokenCodec(key []byte, serial uint16) *tokenCodec {
	return &tokenCodec{hmacKey: key, serial: serial}
}

// generate mints a fresh token encoding a random 8-byte session id and the
// given expiry, returning the opaque stringified token.
func (c *tokenCodec) generate(expires time.Time) (token string, id [idLength]byte, err error) {
	if _, err = rand.Read(id[:]); err != nil {
		return "", id, err
	}

	buf := new(bytes.Buffer)
	buf.Write(id[:])
	binary.Write(buf, binary.LittleEndian, uint32(expires.Unix()))
	binary.Write(buf, binary.LittleEndian, uint16(0)) // reserved
	binary.Write(buf, binary.LittleEndian, c.serial)

	sig := c.sign(buf.Bytes())
	buf.Write(sig)

	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), id, nil
}

// parse validates a token's signature and serial number and extracts the
// session id and expiry. It does not check expiry against "now"; callers
// compare the returned time themselves.
func (c *tokenCodec) parse(token string) (id [idLength]byte, expires time.Time, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenDecodedLen {
		return id, time.Time{}, errMalformedToken
	}

	copy(id[:], raw[0:idLength])
	expUnix := binary.LittleEndian.Uint32(raw[idLength : idLength+4])
	serial := binary.LittleEndian.Uint16(raw[idLength+6 : idLength+8])
	if serial != c.serial {
		return id, time.Time{}, errMalformedToken
	}

	sigStart := idLength + 8
	sig := c.sign(raw[:sigStart])
	if !hmac.Equal(sig, raw[sigStart:]) {
		return id, time.Time{}, errBadSignature
	}

	return id, time.Unix(int64(expUnix), 0).UTC(), nil
}

func (c *tokenCodec) sign(data []byte) []byte {
	h := hmac.New(sha256.New, c.hmacKey)
	h.Write(data)
	return h.Sum(nil)
}
