// Package pagination converts the storage layer's last evaluated key into an
// opaque continuation token and back.
//
// A token is the base64url form of the key as a BSON document with its fields
// in name order, followed by a CRC-32 of that document. The encoding does not
// depend on process state, so tokens stay valid across restarts.
package pagination

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ukydev/fleet-assistance/internal/apperr"
)

// Key is the attribute name to value map marking where a range scan stopped.
type Key map[string]any

const checksumLen = 4

// Encode returns the token for key, or "" when there is nothing left to read.
func Encode(key Key) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	raw, err := marshal(key)
	if err != nil {
		return "", errors.Wrap(err, "encode cursor")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode is the inverse of Encode. An empty token decodes to a nil key; any
// token Encode could not have produced fails with apperr.ErrInvalidCursor.
func Decode(token string) (Key, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperr.ErrInvalidCursor.Wrap(err)
	}
	if len(raw) <= checksumLen {
		return nil, apperr.ErrInvalidCursor.Wrap(errors.New("cursor too short"))
	}
	body, sum := raw[:len(raw)-checksumLen], raw[len(raw)-checksumLen:]
	if binary.BigEndian.Uint32(sum) != crc32.ChecksumIEEE(body) {
		return nil, apperr.ErrInvalidCursor.Wrap(errors.New("cursor checksum mismatch"))
	}

	var doc bson.D
	if err := bson.Unmarshal(body, &doc); err != nil {
		return nil, apperr.ErrInvalidCursor.Wrap(err)
	}
	if len(doc) == 0 {
		return nil, apperr.ErrInvalidCursor.Wrap(errors.New("empty cursor"))
	}
	key := make(Key, len(doc))
	for _, e := range doc {
		if _, dup := key[e.Key]; dup {
			return nil, apperr.ErrInvalidCursor.Wrap(errors.Errorf("duplicate cursor field %q", e.Key))
		}
		key[e.Key] = e.Value
	}

	canonical, err := marshal(key)
	if err != nil || !bytes.Equal(canonical, raw) {
		return nil, apperr.ErrInvalidCursor.Wrap(errors.New("cursor is not canonical"))
	}
	return key, nil
}

func marshal(key Key) ([]byte, error) {
	names := make([]string, 0, len(key))
	for name := range key {
		names = append(names, name)
	}
	sort.Strings(names)
	doc := make(bson.D, 0, len(names))
	for _, name := range names {
		doc = append(doc, bson.E{Key: name, Value: key[name]})
	}
	body, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint32(body, crc32.ChecksumIEEE(body)), nil
}
