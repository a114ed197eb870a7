package startup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	s := &Sequence{LenNs: 123_456_789, TTLMask: 0xdeadbeef, Code: []byte{1, 2, 3, 4}}
	parsed, err := Parse(Encode(s))
	require.NoError(t, err)
	require.Equal(t, s, parsed)
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	raw := Encode(&Sequence{LenNs: 1, TTLMask: 0})
	raw[0] = 9
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestLoadMissingFileReturnsNilWithoutError(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "startup.cmdbin"))
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestSaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "startup.cmdbin")
	want := &Sequence{LenNs: 42, TTLMask: 0xff, Code: []byte{9, 9}}
	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, headerLen+2)
}
