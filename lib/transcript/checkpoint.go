// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ipybridge/ipybridge/lib/codec"
)

// Checkpoint is a point-in-time snapshot of session state: the scope
// snapshots the session currently holds plus transcript counters. It
// is written as CBOR, compressed, and integrity-checked so a partially
// written or bit-rotted file is detected on read rather than silently
// restoring garbage.
type Checkpoint struct {
	// Time is when the checkpoint was taken.
	Time time.Time `cbor:"time"`

	// RecordCount is the transcript record count at checkpoint time.
	RecordCount int64 `cbor:"record_count"`

	// PreferLocals is the scope preference in effect.
	PreferLocals bool `cbor:"prefer_locals"`

	// Scopes maps scope kind names ("locals", "globals", "raw_locals",
	// "raw_globals") to variable bindings. Binding values are the JSON
	// fragments the kernel sent, carried opaquely.
	Scopes map[string]map[string]json.RawMessage `cbor:"scopes"`
}

// Checkpoint file framing:
//
//	[0]     format version (currently 1)
//	[1]     compression tag
//	[2:10]  uncompressed payload length, big-endian uint64
//	[10:42] keyed BLAKE3 digest of the uncompressed payload
//	[42:]   compressed payload
const (
	checkpointVersion    = 1
	checkpointHeaderSize = 42
)

// checkpointDomainKey is the BLAKE3 key for checkpoint digests. The
// bytes are the ASCII domain name zero-padded to 32 bytes, which keeps
// the key readable in hex dumps.
var checkpointDomainKey = [32]byte{
	'i', 'p', 'y', 'b', 'r', 'i', 'd', 'g', 'e', '.',
	'c', 'h', 'e', 'c', 'k', 'p', 'o', 'i', 'n', 't',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

func checkpointDigest(payload []byte) [32]byte {
	hasher, err := blake3.NewKeyed(checkpointDomainKey[:])
	if err != nil {
		panic("transcript: blake3 keyed hasher initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	var digest [32]byte
	hasher.Sum(digest[:0])
	return digest
}

// WriteCheckpoint serializes the checkpoint and writes it to path
// atomically (temp file in the same directory, then rename). If the
// payload turns out incompressible under the requested algorithm, the
// file is written uncompressed instead.
func WriteCheckpoint(path string, checkpoint Checkpoint, tag CompressionTag) error {
	payload, err := codec.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	compressed, err := Compress(payload, tag)
	if IsIncompressible(err) {
		compressed, tag = payload, CompressionNone
	} else if err != nil {
		return fmt.Errorf("compressing checkpoint: %w", err)
	}

	header := make([]byte, checkpointHeaderSize)
	header[0] = checkpointVersion
	header[1] = byte(tag)
	binary.BigEndian.PutUint64(header[2:10], uint64(len(payload)))
	digest := checkpointDigest(payload)
	copy(header[10:42], digest[:])

	temp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("creating checkpoint temp file: %w", err)
	}
	defer os.Remove(temp.Name())

	if _, err := temp.Write(header); err != nil {
		temp.Close()
		return fmt.Errorf("writing checkpoint header: %w", err)
	}
	if _, err := temp.Write(compressed); err != nil {
		temp.Close()
		return fmt.Errorf("writing checkpoint payload: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint temp file: %w", err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		return fmt.Errorf("renaming checkpoint into place: %w", err)
	}
	return nil
}

// ReadCheckpoint reads and verifies a checkpoint file. Truncation,
// corruption, and version or tag mismatches all return errors.
func ReadCheckpoint(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("reading checkpoint %q: %w", path, err)
	}
	if len(data) < checkpointHeaderSize {
		return Checkpoint{}, fmt.Errorf("checkpoint %q: truncated header (%d bytes)", path, len(data))
	}
	if data[0] != checkpointVersion {
		return Checkpoint{}, fmt.Errorf("checkpoint %q: unsupported version %d", path, data[0])
	}

	tag := CompressionTag(data[1])
	uncompressedSize := binary.BigEndian.Uint64(data[2:10])
	var expected [32]byte
	copy(expected[:], data[10:42])

	payload, err := Decompress(data[checkpointHeaderSize:], tag, int(uncompressedSize))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %q: %w", path, err)
	}
	if digest := checkpointDigest(payload); !bytes.Equal(digest[:], expected[:]) {
		return Checkpoint{}, fmt.Errorf("checkpoint %q: digest mismatch", path)
	}

	var checkpoint Checkpoint
	if err := codec.Unmarshal(payload, &checkpoint); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %q: decoding: %w", path, err)
	}
	return checkpoint, nil
}
