package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
)

const chunkMarker = "downloading"

// urlHash returns the sha256 hex digest used as the stable name for a URL's
// chunk files and final target.
func urlHash(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// extFromURL returns the path-derived extension of a URL, including the
// leading dot, or "" if the URL's path has none.
func extFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return path.Ext(u.Path)
}

// chunkFileName formats the on-disk name of the chunk holding bytes starting
// at offset, for a download identified by name/ext. Offsets are embedded so
// a buffer directory scan alone can reconstruct the segment table on resume.
func chunkFileName(name, ext string, offset int64) string {
	return fmt.Sprintf("%s.%d%s.%s", name, offset, ext, chunkMarker)
}

// targetFileName formats the final, merged file's name.
func targetFileName(name, ext string) string {
	return name + ext
}

// parseChunkFileName reports whether fileName is a chunk file belonging to
// (name, ext), and if so, the offset it starts at. This is the inverse of
// chunkFileName: strip the name prefix and marker suffix, then what's left
// between them is offset+ext. Stripping prefix/suffix (rather than blindly
// splitting on ".") keeps this correct when ext is empty, which a naive
// four-cell split would mishandle.
func parseChunkFileName(fileName, name, ext string) (offset int64, ok bool) {
	prefix := name + "."
	suffix := "." + chunkMarker
	if !strings.HasPrefix(fileName, prefix) || !strings.HasSuffix(fileName, suffix) {
		return 0, false
	}
	middle := fileName[len(prefix) : len(fileName)-len(suffix)]
	if !strings.HasSuffix(middle, ext) {
		return 0, false
	}
	offsetText := middle[:len(middle)-len(ext)]
	n, err := strconv.ParseInt(offsetText, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// scanChunkOffsets lists the offsets of every chunk file in bufferPath that
// belongs to (name, ext).
func scanChunkOffsets(bufferPath, name, ext string) ([]int64, error) {
	entries, err := os.ReadDir(bufferPath)
	if err != nil {
		return nil, filesystemErrorf("reading buffer directory %q: %v", bufferPath, err)
	}
	var offsets []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if offset, ok := parseChunkFileName(entry.Name(), name, ext); ok {
			offsets = append(offsets, offset)
		}
	}
	return offsets, nil
}
