// Package artifact serializes compiled behavior models into the ABMC
// container: a fixed header with a SHA-256 payload checksum followed by the
// canonical CBOR encoding of the model. Canonical encoding plus the
// compiler's sorted tables make artifacts byte-for-byte reproducible.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/arcadia/abml/internal/compiler"
)

// Magic identifies an ABMC container.
var Magic = [4]byte{'A', 'B', 'M', 'C'}

// ContainerVersion is the container layout revision, independent of the
// model format version carried inside.
const ContainerVersion uint16 = 1

// headerSize = magic + version + checksum
const headerSize = 4 + 2 + sha256.Size

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Encode serializes a model into an ABMC container.
func Encode(m *compiler.Model) ([]byte, error) {
	payload, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	sum := sha256.Sum256(payload)

	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, Magic[:]...)
	out = binary.BigEndian.AppendUint16(out, ContainerVersion)
	out = append(out, sum[:]...)
	out = append(out, payload...)
	return out, nil
}

// Decode parses and verifies an ABMC container, returning the validated
// model.
func Decode(data []byte) (*compiler.Model, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("artifact truncated: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, fmt.Errorf("not an ABMC artifact")
	}
	version := binary.BigEndian.Uint16(data[4:6])
	if version > ContainerVersion {
		return nil, fmt.Errorf("container version %d is newer than supported %d", version, ContainerVersion)
	}
	payload := data[headerSize:]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], data[6:headerSize]) {
		return nil, fmt.Errorf("artifact checksum mismatch")
	}

	var m compiler.Model
	if err := decMode.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	return &m, nil
}

// WriteFile encodes m and writes it to path.
func WriteFile(path string, m *compiler.Model) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads and decodes the artifact at path.
func ReadFile(path string) (*compiler.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
