package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSubsetFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		segment int
		want    []string
	}{
		{
			name: "text lines",
			file: "subset.txt",
			body: "r2\n\n r1 \nr2\n",
			want: []string{"r2", "r1"},
		},
		{
			name: "json array",
			file: "subset.json",
			body: `["a", "b", "a"]`,
			want: []string{"a", "b"},
		},
		{
			name: "yaml list",
			file: "subset.YAML",
			body: "- a\n- c\n",
			want: []string{"a", "c"},
		},
		{
			name:    "image paths",
			file:    "paths.txt",
			body:    "/data1/lpf/augmented/ab12/ladybirds/0.png\n/data1/lpf/augmented/cd34/ladybirds/0.png\n",
			segment: 4,
			want:    []string{"ab12", "cd34"},
		},
		{
			name: "empty yaml",
			file: "empty.yml",
			body: "",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := readSubset(strings.NewReader(tt.body), tt.file, tt.segment)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestReadSubsetSegmentOutOfRange(t *testing.T) {
	_, err := readSubset(strings.NewReader("a/b\n"), "x.txt", 4)
	assert.ErrorContains(t, err, "no path segment 4")
}

func TestReadSubsetInvalidJSON(t *testing.T) {
	_, err := readSubset(strings.NewReader("{"), "x.json", 0)
	assert.ErrorContains(t, err, "failed to parse json subset")
}

func TestLoadSubsetFileCompressed(t *testing.T) {
	dir := t.TempDir()

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write([]byte(`["r1", "r2"]`))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	gzPath := filepath.Join(dir, "subset.json.gz")
	require.NoError(t, os.WriteFile(gzPath, gz.Bytes(), 0o600))

	ids, err := loadSubsetFile(gzPath, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids)

	var zs bytes.Buffer
	zw, err := zstd.NewWriter(&zs)
	require.NoError(t, err)
	_, err = zw.Write([]byte("x/y/z/r3/img.png\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	zstPath := filepath.Join(dir, "paths.txt.zst")
	require.NoError(t, os.WriteFile(zstPath, zs.Bytes(), 0o600))

	ids, err = loadSubsetFile(zstPath, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, ids)

	_, err = loadSubsetFile(filepath.Join(dir, "missing.txt"), 0)
	assert.Error(t, err)
}

// npyStrings encodes equal-length values as a one-dimensional '<U' array in
// the .npy v1.0 layout.
func npyStrings(t *testing.T, shape string, values ...string) []byte {
	t.Helper()
	width := len([]rune(values[0]))
	header := fmt.Sprintf("{'descr': '<U%d', 'fortran_order': False, 'shape': %s, }", width, shape)
	if pad := (10 + len(header) + 1) % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	for _, v := range values {
		runes := []rune(v)
		require.Len(t, runes, width)
		for _, r := range runes {
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(r)))
		}
	}
	return buf.Bytes()
}

func TestReadSubsetNPY(t *testing.T) {
	data := npyStrings(t, "(3,)",
		"/data1/lpf/augmented/ab12/ladybirds/0.png",
		"/data1/lpf/augmented/cd34/ladybirds/0.png",
		"/data1/lpf/augmented/ab12/ladybirds/1.png",
	)

	ids, err := readSubset(bytes.NewReader(data), "subset.npy", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab12", "cd34"}, ids)

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err = gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	path := filepath.Join(t.TempDir(), "subset.npy.gz")
	require.NoError(t, os.WriteFile(path, gz.Bytes(), 0o600))

	ids, err = loadSubsetFile(path, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"ab12", "cd34"}, ids)
}

func TestReadSubsetNPYRejectsMatrix(t *testing.T) {
	data := npyStrings(t, "(1, 2)", "r1", "r2")
	_, err := readSubset(bytes.NewReader(data), "subset.npy", 0)
	assert.ErrorContains(t, err, "one-dimensional")

	_, err = readSubset(strings.NewReader("not numpy"), "subset.npy", 0)
	assert.ErrorContains(t, err, "npy")
}
