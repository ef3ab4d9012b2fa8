package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arcadia/abml/internal/compiler"
	"github.com/arcadia/abml/internal/diagnostics"
	"github.com/arcadia/abml/internal/document"
)

const sampleDoc = `
version: "1.0"
metadata:
  name: forge
context:
  heat:
    type: int
    default: 20
errors:
  overheated:
    - vent: {}
flows:
  stoke:
    actions:
      - set: { heat: "${heat + 5}" }
channels:
  bellows:
    - call: stoke
    - emit: stoked
  hammer:
    - wait_for: stoked
    - strike: { force: 3 }
    - halt
`

func compileSample(t *testing.T) *compiler.Model {
	t.Helper()
	p := &document.Parser{}
	doc, diags := p.Parse("forge.abml", []byte(sampleDoc))
	if diagnostics.HasErrors(diags) {
		t.Fatalf("parse: %v", diagnostics.FirstError(diags))
	}
	model, diags := compiler.Compile(doc)
	if diagnostics.HasErrors(diags) {
		t.Fatalf("compile: %v", diagnostics.FirstError(diags))
	}
	return model
}

func TestRoundtrip(t *testing.T) {
	model := compileSample(t)
	data, err := Encode(model)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Name != model.Name || decoded.FormatVersion != model.FormatVersion {
		t.Errorf("header changed: %q v%d", decoded.Name, decoded.FormatVersion)
	}
	if !bytes.Equal(decoded.Code, model.Code) {
		t.Error("code changed across roundtrip")
	}
	// re-encoding the decoded model must reproduce the exact container
	again, err := Encode(decoded)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("roundtrip is not stable")
	}
}

func TestDeterministicArtifacts(t *testing.T) {
	a, err := Encode(compileSample(t))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(compileSample(t))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two compilations of the same source produced different artifacts")
	}
}

func TestCorruptionDetected(t *testing.T) {
	data, err := Encode(compileSample(t))
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0x01
	if _, err := Decode(data); err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Errorf("corrupted payload: err = %v, want checksum mismatch", err)
	}
}

func TestBadMagic(t *testing.T) {
	data, err := Encode(compileSample(t))
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'
	if _, err := Decode(data); err == nil || !strings.Contains(err.Error(), "not an ABMC") {
		t.Errorf("bad magic: err = %v", err)
	}
}

func TestTruncated(t *testing.T) {
	if _, err := Decode([]byte("ABMC")); err == nil || !strings.Contains(err.Error(), "truncated") {
		t.Errorf("short input: err = %v", err)
	}
}

func TestUnsupportedContainerVersion(t *testing.T) {
	data, err := Encode(compileSample(t))
	if err != nil {
		t.Fatal(err)
	}
	data[4], data[5] = 0xFF, 0xFF
	if _, err := Decode(data); err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("future version: err = %v", err)
	}
}

func TestFileRoundtrip(t *testing.T) {
	model := compileSample(t)
	path := filepath.Join(t.TempDir(), "forge.abmc")
	if err := WriteFile(path, model); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if loaded.Name != "forge" {
		t.Errorf("name = %q", loaded.Name)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw[:4], Magic[:]) {
		t.Error("file does not start with the ABMC magic")
	}
}
