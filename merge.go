package downloader

import (
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/cognusion/go-timings"
)

const mergeStepSize = 8192

// Merge assembles a Serial's segment table into targetPath, in offset
// order. A single-segment table is a rename; more than one segment requires
// a sequential byte-exact copy, validated against each chunk's declared
// length. If sum is non-nil, it is fed every byte written to targetPath.
func Merge(s *Serial, targetPath string, sum hash.Hash) error {
	defer timings.Track(fmt.Sprintf("[%s] merge", s.dlid), time.Now(), s.timingsOut)

	offsets := s.FileOffsets()
	if len(offsets) == 0 {
		return integrityErrorf("no segments to merge")
	}

	if len(offsets) == 1 {
		chunkPath := s.ChunkFilePath(offsets[0])
		if err := os.Rename(chunkPath, targetPath); err != nil {
			return filesystemErrorf("moving sole chunk into place: %w", err)
		}
		if sum != nil {
			if err := hashFile(targetPath, sum); err != nil {
				return err
			}
		}
		return nil
	}

	out, err := os.Create(targetPath)
	if err != nil {
		return filesystemErrorf("creating target file: %w", err)
	}
	defer out.Close()

	contentLength := s.ContentLength()
	buf := make([]byte, mergeStepSize)

	for i, offset := range offsets {
		var nextOffset int64
		if i < len(offsets)-1 {
			nextOffset = offsets[i+1]
		} else {
			nextOffset = contentLength
		}
		wanted := nextOffset - offset

		if err := copyChunk(out, s.ChunkFilePath(offset), wanted, buf, sum); err != nil {
			out.Close()
			os.Remove(targetPath)
			return err
		}
	}

	if err := out.Sync(); err != nil {
		return filesystemErrorf("flushing target file: %w", err)
	}
	return nil
}

func copyChunk(out *os.File, chunkPath string, wanted int64, buf []byte, sum hash.Hash) error {
	in, err := os.Open(chunkPath)
	if err != nil {
		return filesystemErrorf("opening chunk file %q: %w", chunkPath, err)
	}
	defer in.Close()

	var written int64
	for written < wanted {
		step := int64(len(buf))
		if remain := wanted - written; remain < step {
			step = remain
		}
		n, err := in.Read(buf[:step])
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return filesystemErrorf("writing merged bytes from %q: %w", chunkPath, werr)
			}
			if sum != nil {
				sum.Write(buf[:n])
			}
			written += int64(n)
		}
		if err != nil {
			if err == io.EOF && written < wanted {
				return integrityErrorf("chunk file %q is shorter than its declared segment (%d of %d bytes)", chunkPath, written, wanted)
			}
			if err != io.EOF {
				return filesystemErrorf("reading chunk file %q: %w", chunkPath, err)
			}
			break
		}
	}
	if written < wanted {
		return integrityErrorf("chunk file %q is shorter than its declared segment (%d of %d bytes)", chunkPath, written, wanted)
	}
	return nil
}

func hashFile(path string, sum hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return filesystemErrorf("opening target file for hashing: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(sum, f); err != nil {
		return filesystemErrorf("hashing target file: %w", err)
	}
	return nil
}

// SweepChunkFiles deletes every chunk file in the buffer directory belonging
// to s's download — the live table's chunks after a multi-segment merge, and
// any strays orphaned by a full-file transform along the way. A chunk the
// merge consumed by rename no longer matches the pattern and is untouched.
func SweepChunkFiles(s *Serial) error {
	offsets, err := scanChunkOffsets(s.bufferPath, s.name, s.ext)
	if err != nil {
		return err
	}
	for _, offset := range offsets {
		path := s.ChunkFilePath(offset)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return filesystemErrorf("sweeping chunk file %q: %w", path, err)
		}
	}
	return nil
}
