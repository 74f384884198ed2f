package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sbinet/npyio"
	"gopkg.in/yaml.v3"
)

// loadSubsetFile reads record ids from a subset file.
//
// Supported formats are plain text with one entry per line, a JSON array of
// strings, a YAML list and a NumPy .npy string array, each optionally
// compressed with gzip (.gz) or zstd (.zst). With segment > 0 every entry is treated as a path and the id
// is its segment-th "/"-separated element, so "/data/set/run/<id>/img.png"
// with segment 4 yields <id>. Order is kept and duplicates are dropped.
func loadSubsetFile(path string, segment int) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open subset file: %w", err)
	}
	defer f.Close()

	return readSubset(f, filepath.Base(path), segment)
}

// readSubset decodes a subset stream. name selects the format by extension.
func readSubset(r io.Reader, name string, segment int) ([]string, error) {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".gz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		return readSubset(gz, strings.TrimSuffix(name, ".gz"), segment)
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		return readSubset(zr, strings.TrimSuffix(name, ".zst"), segment)
	}

	var entries []string
	switch filepath.Ext(name) {
	case ".npy":
		var err error
		if entries, err = readNPY(r); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.NewDecoder(r).Decode(&entries); err != nil {
			return nil, fmt.Errorf("failed to parse json subset: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(r).Decode(&entries); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to parse yaml subset: %w", err)
		}
	default:
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			entries = append(entries, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("failed to read subset: %w", err)
		}
	}

	return subsetIDs(entries, segment)
}

const maxNPYEntries = 1 << 24

// readNPY decodes a one-dimensional NumPy string array, the format the
// labelling tool saved its subsets in.
func readNPY(r io.Reader) ([]string, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse npy header: %w", err)
	}
	shape := nr.Header.Descr.Shape
	if len(shape) != 1 {
		return nil, fmt.Errorf("npy subset must be one-dimensional, got shape %v", shape)
	}
	if shape[0] < 0 || shape[0] > maxNPYEntries {
		return nil, fmt.Errorf("npy subset has %d entries, limit is %d", shape[0], maxNPYEntries)
	}
	entries := make([]string, shape[0])
	if err := nr.Read(&entries); err != nil {
		return nil, fmt.Errorf("failed to read npy subset of dtype %q (save it with arr.astype(str)): %w",
			nr.Header.Descr.Type, err)
	}
	return entries, nil
}

// subsetIDs trims entries, extracts ids and removes blanks and duplicates.
func subsetIDs(entries []string, segment int) ([]string, error) {
	seen := make(map[string]struct{}, len(entries))
	ids := make([]string, 0, len(entries))
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id := entry
		if segment > 0 {
			parts := strings.Split(entry, "/")
			if segment >= len(parts) {
				return nil, fmt.Errorf("entry %d %q has no path segment %d", i+1, entry, segment)
			}
			id = parts[segment]
		}
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
