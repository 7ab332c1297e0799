// Package codec provides the stable, versioned encoding of the protocol's
// immutable value types. Encoding is canonical CBOR behind a one byte
// version prefix, so persisted values and hashes stay reproducible across
// releases that keep the version.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version is the current encoding version.
const Version = 0x01

// ErrUnsupportedVersion is thrown when decoding data written with an
// unknown encoding version.
var ErrUnsupportedVersion = errors.New("codec: unsupported encoding version")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeUnixMicro
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building enc mode: %s", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building dec mode: %s", err))
	}
}

// Marshal encodes v canonically, prefixed with the encoding version.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshalling %T: %w", v, err)
	}
	return append([]byte{Version}, data...), nil
}

// Unmarshal decodes data produced by [Marshal] into v.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("codec: empty data")
	}
	if data[0] != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[0])
	}
	if err := decMode.Unmarshal(data[1:], v); err != nil {
		return fmt.Errorf("codec: unmarshalling %T: %w", v, err)
	}
	return nil
}
