// Package pagination implements keyset cursors over (created_at, id).
package pagination

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500

	// one version byte, 8 bytes of unix nanos, 16 bytes of id
	cursorLen     = 1 + 8 + 16
	cursorVersion = 1
)

var errMalformedCursor = errors.New("malformed cursor")

// Cursor marks the first row of the next page.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// NormalizeLimit clamps limit into [1, MaxLimit], defaulting non-positive values.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// LimitWithBuffer asks for one extra row so the caller can tell whether a
// next page exists.
func LimitWithBuffer(limit int) int {
	return NormalizeLimit(limit) + 1
}

// EncodeCursor packs c into an opaque URL-safe token.
func EncodeCursor(c Cursor) string {
	buf := make([]byte, cursorLen)
	buf[0] = cursorVersion
	binary.BigEndian.PutUint64(buf[1:9], uint64(c.CreatedAt.UTC().UnixNano()))
	copy(buf[9:], c.ID[:])
	return base64.RawURLEncoding.EncodeToString(buf)
}

// ParseCursor decodes a token produced by EncodeCursor. A blank token means
// the first page and yields nil.
func ParseCursor(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	buf, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedCursor, err)
	}
	if len(buf) != cursorLen || buf[0] != cursorVersion {
		return nil, errMalformedCursor
	}
	id, err := uuid.FromBytes(buf[9:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedCursor, err)
	}
	nanos := int64(binary.BigEndian.Uint64(buf[1:9]))
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}
