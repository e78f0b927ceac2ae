// Package persistence serializes index snapshots to durable artifact files
// and loads them back. An artifact is a small uncompressed file header
// followed by a zstd-compressed stream of CRC-framed records, written to a
// temporary file and renamed into place so readers only ever observe
// complete artifacts.
package persistence

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/annexdb/annex/pkg/core/distance"
	"github.com/annexdb/annex/pkg/core/hnsw"
)

// File header: [Magic(4)][Version(2)][Flags(2)], uncompressed. Everything
// after it is the frame stream, zstd-compressed when FlagZstd is set.
var fileMagic = [4]byte{'A', 'N', 'X', 'I'}

const (
	formatVersion = uint16(1)
	fileHeaderLen = 8

	// FlagZstd marks a zstd-compressed body. Always set by this writer;
	// the reader honors its absence for forward compatibility.
	FlagZstd = uint16(1 << 0)
)

// ErrCorruptArtifact is wrapped by every load failure caused by the file
// contents rather than the filesystem.
var ErrCorruptArtifact = errors.New("corrupt index artifact")

// artifactHeader is the payload of the OpCodeHeader frame.
type artifactHeader struct {
	Metric         string `msgpack:"metric"`
	Dim            int    `msgpack:"dim"`
	M              int    `msgpack:"m"`
	EfConstruction int    `msgpack:"ef_construction"`
	EntryID        uint64 `msgpack:"entry_id"`
	NodeCount      int    `msgpack:"node_count"`
}

// nodeRecord is the payload of one OpCodeNode frame.
type nodeRecord struct {
	ID        uint64     `msgpack:"id"`
	Vector    []float32  `msgpack:"vector"`
	Neighbors [][]uint64 `msgpack:"neighbors"`
}

// WriteSnapshot persists a snapshot at path. The artifact is assembled in a
// sibling temp file, fsynced, then renamed over path, so a crash at any
// point leaves either the previous artifact or a stray temp file, never a
// half-written one.
func WriteSnapshot(path string, snap *hnsw.Snapshot) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp artifact: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	buffered := bufio.NewWriterSize(tmp, 1<<20)

	header := make([]byte, fileHeaderLen)
	copy(header, fileMagic[:])
	binary.LittleEndian.PutUint16(header[4:6], formatVersion)
	binary.LittleEndian.PutUint16(header[6:8], FlagZstd)
	if _, err = buffered.Write(header); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(buffered)
	if err != nil {
		return err
	}
	if err = writeBody(zw, snap); err != nil {
		zw.Close()
		return err
	}
	if err = zw.Close(); err != nil {
		return err
	}
	if err = buffered.Flush(); err != nil {
		return err
	}

	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

func writeBody(w io.Writer, snap *hnsw.Snapshot) error {
	fw := NewFrameWriter(w)

	hdr, err := msgpack.Marshal(artifactHeader{
		Metric:         string(snap.Metric),
		Dim:            snap.Dim,
		M:              snap.M,
		EfConstruction: snap.EfConstruction,
		EntryID:        snap.EntryID,
		NodeCount:      len(snap.Nodes),
	})
	if err != nil {
		return err
	}
	if err := fw.WriteFrame(OpCodeHeader, hdr); err != nil {
		return err
	}

	for _, n := range snap.Nodes {
		payload, err := msgpack.Marshal(nodeRecord{
			ID:        n.ID,
			Vector:    n.Vector,
			Neighbors: n.Neighbors,
		})
		if err != nil {
			return err
		}
		if err := fw.WriteFrame(OpCodeNode, payload); err != nil {
			return err
		}
	}

	return fw.WriteFrame(OpCodeEnd, nil)
}

// ReadSnapshot loads and validates the artifact at path. Structural damage
// of any kind (bad magic, checksum failures, truncation, node count drift)
// is reported as ErrCorruptArtifact; the caller decides whether to fall
// back to a rebuild.
func ReadSnapshot(path string) (*hnsw.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, fileHeaderLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("%w: short file header: %v", ErrCorruptArtifact, err)
	}
	if [4]byte(header[:4]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptArtifact)
	}
	version := binary.LittleEndian.Uint16(header[4:6])
	if version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptArtifact, version)
	}
	flags := binary.LittleEndian.Uint16(header[6:8])

	var body io.Reader = bufio.NewReaderSize(f, 1<<20)
	if flags&FlagZstd != 0 {
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
		}
		defer zr.Close()
		body = zr
	}

	return readBody(body)
}

func readBody(r io.Reader) (*hnsw.Snapshot, error) {
	opcode, payload, err := ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading header frame: %v", ErrCorruptArtifact, err)
	}
	if opcode != OpCodeHeader {
		return nil, fmt.Errorf("%w: first frame has opcode 0x%02x", ErrCorruptArtifact, opcode)
	}

	var hdr artifactHeader
	if err := msgpack.Unmarshal(payload, &hdr); err != nil {
		return nil, fmt.Errorf("%w: decoding header: %v", ErrCorruptArtifact, err)
	}
	metric, err := distance.Parse(hdr.Metric)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}

	snap := &hnsw.Snapshot{
		Metric:         metric,
		Dim:            hdr.Dim,
		M:              hdr.M,
		EfConstruction: hdr.EfConstruction,
		EntryID:        hdr.EntryID,
		Nodes:          make([]hnsw.NodeSnapshot, 0, hdr.NodeCount),
	}

	for {
		opcode, payload, err := ReadFrame(r)
		if err != nil {
			// io.EOF before the end frame means the tail was cut off.
			return nil, fmt.Errorf("%w: reading node frames: %v", ErrCorruptArtifact, err)
		}
		if opcode == OpCodeEnd {
			break
		}
		if opcode != OpCodeNode {
			return nil, fmt.Errorf("%w: unexpected opcode 0x%02x", ErrCorruptArtifact, opcode)
		}

		var rec nodeRecord
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("%w: decoding node: %v", ErrCorruptArtifact, err)
		}
		if hdr.Dim > 0 && len(rec.Vector) != hdr.Dim {
			return nil, fmt.Errorf("%w: node %d has dimension %d, header declares %d",
				ErrCorruptArtifact, rec.ID, len(rec.Vector), hdr.Dim)
		}
		snap.Nodes = append(snap.Nodes, hnsw.NodeSnapshot{
			ID:        rec.ID,
			Vector:    rec.Vector,
			Neighbors: rec.Neighbors,
		})
	}

	if len(snap.Nodes) != hdr.NodeCount {
		return nil, fmt.Errorf("%w: header declares %d nodes, body has %d",
			ErrCorruptArtifact, hdr.NodeCount, len(snap.Nodes))
	}
	return snap, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
