package writer

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
)

// StagingMagicBegin / StagingMagicEnd bracket the PartitionMetadata
// block written to swifota erase-block 0 (spec §3).
const (
	StagingMagicBegin uint32 = 0x53574653 // "SWFS"
	StagingMagicEnd   uint32 = 0x53574645 // "SWFE"
)

// PartitionMetadata is the staging header placed in swifota's erase
// block 0 (spec §3). Reserved padding brings the struct to one clean
// multiple of 4 bytes; its exact size is not otherwise meaningful.
type PartitionMetadata struct {
	CweHeaderRaw [cwe.HeaderSize]byte
	MagicBegin   uint32
	Version      uint32
	Offset       uint32
	LogicalBlock uint32
	PhyBlock     uint32
	ImageSize    uint32
	DldSource    uint32
	NbComponents uint32
	Reserved     [108]byte
	MagicEnd     uint32
	CRC32        uint32
}

// Encode renders the metadata block (CRC32 computed over every
// preceding field) as exactly the bytes written to swifota PEB 0.
func (m *PartitionMetadata) Encode() ([]byte, error) {
	var buf bytes.Buffer
	m.MagicBegin = StagingMagicBegin
	m.MagicEnd = StagingMagicEnd
	if err := binary.Write(&buf, binary.BigEndian, struct {
		CweHeaderRaw [cwe.HeaderSize]byte
		MagicBegin   uint32
		Version      uint32
		Offset       uint32
		LogicalBlock uint32
		PhyBlock     uint32
		ImageSize    uint32
		DldSource    uint32
		NbComponents uint32
		Reserved     [108]byte
		MagicEnd     uint32
	}{
		m.CweHeaderRaw, m.MagicBegin, m.Version, m.Offset, m.LogicalBlock,
		m.PhyBlock, m.ImageSize, m.DldSource, m.NbComponents, m.Reserved, m.MagicEnd,
	}); err != nil {
		return nil, err
	}
	m.CRC32 = crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(&buf, binary.BigEndian, m.CRC32)
	return buf.Bytes(), nil
}

// DecodeMetadata parses and CRC-validates a PartitionMetadata block.
func DecodeMetadata(raw []byte) (*PartitionMetadata, error) {
	if len(raw) < 4 {
		return nil, ferrors.New(ferrors.ParseError, "writer: metadata block too short")
	}
	body, wantCRC := raw[:len(raw)-4], binary.BigEndian.Uint32(raw[len(raw)-4:])
	if got := crc32.ChecksumIEEE(body); got != wantCRC {
		return nil, ferrors.Newf(ferrors.ParseError, "writer: metadata crc mismatch: got=0x%08x want=0x%08x", got, wantCRC)
	}
	var m PartitionMetadata
	r := bytes.NewReader(body)
	if err := binary.Read(r, binary.BigEndian, &m.CweHeaderRaw); err != nil {
		return nil, err
	}
	fields := []interface{}{
		&m.MagicBegin, &m.Version, &m.Offset, &m.LogicalBlock, &m.PhyBlock,
		&m.ImageSize, &m.DldSource, &m.NbComponents, &m.Reserved,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	if err := binary.Read(r, binary.BigEndian, &m.MagicEnd); err != nil {
		return nil, err
	}
	if m.MagicBegin != StagingMagicBegin || m.MagicEnd != StagingMagicEnd {
		return nil, ferrors.New(ferrors.ParseError, "writer: bad metadata magic")
	}
	m.CRC32 = wantCRC
	return &m, nil
}

// SwifotaWriter sequences every component of a single-system update
// into the shared swifota staging partition: PEB 0 holds
// PartitionMetadata, the rest holds the raw CWE stream plus any UBI
// image carved out for delta-patched components (spec §4.4, §6).
type SwifotaWriter struct {
	dev    flash.UBIDevice
	offset uint64 // next free byte offset, starting after PEB 0
	hash   uint32
}

// OpenSwifota wraps dev (already opened on the swifota MTD) for
// sequential staging writes, reserving its first erase block for
// PartitionMetadata.
func OpenSwifota(dev flash.UBIDevice) (*SwifotaWriter, error) {
	info, err := dev.Info()
	if err != nil {
		return nil, err
	}
	if err := dev.Erase(0); err != nil {
		return nil, err
	}
	return &SwifotaWriter{dev: dev, offset: uint64(info.EraseSize)}, nil
}

// WriteMetadata writes the PartitionMetadata block to PEB 0.
func (s *SwifotaWriter) WriteMetadata(m *PartitionMetadata) error {
	raw, err := m.Encode()
	if err != nil {
		return err
	}
	info, err := s.dev.Info()
	if err != nil {
		return err
	}
	padded := make([]byte, info.EraseSize)
	copy(padded, raw)
	for i := len(raw); i < len(padded); i++ {
		padded[i] = 0xFF
	}
	_, err = s.dev.WriteAt(0, padded)
	return err
}

// WriteChunk writes b at offset, moves GetOffset past its end, and
// folds the bytes into the writer's running CRC32 over everything it
// has written. ComputeDataCRC re-reads flash and does not use it.
func (s *SwifotaWriter) WriteChunk(offset uint64, b []byte) (int, error) {
	res, err := s.dev.WriteAt(offset, b)
	if err != nil {
		return res.N, ferrors.Wrap(ferrors.IoWriteFailed, err, "writer: swifota write")
	}
	s.hash = crc32.Update(s.hash, crc32.IEEETable, b[:res.N])
	if offset+uint64(res.N) > s.offset {
		s.offset = offset + uint64(res.N)
	}
	return res.N, nil
}

// GetOffset returns the next free byte offset in the staging partition
// (spec §4.4 get_offset).
func (s *SwifotaWriter) GetOffset() uint64 { return s.offset }

// ComputeDataCRC returns the CRC32 of [start,end) as currently staged,
// independent of the running WriteChunk accumulator (spec §4.4
// compute_data_crc).
func (s *SwifotaWriter) ComputeDataCRC(start, end uint64) (uint32, error) {
	buf := make([]byte, end-start)
	if _, err := s.dev.ReadAt(start, buf); err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(buf), nil
}

// OpenUBIVolume creates (or reuses) a UBI volume inside the swifota
// staging partition (spec §4.4 open_ubi_volume_swifota) and returns a
// writer for it.
func (s *SwifotaWriter) OpenUBIVolume(volID int, name string, volType flash.VolType, size uint64, create bool) (*UbiWriter, error) {
	return BeginUBIWrite(s.dev, volID, name, volType, size, create)
}

// ComputeUBIVolumeCRC returns the CRC32 of the UBI volume's DataSize
// bytes (Size bytes when DataSize is zero) as currently staged.
func (s *SwifotaWriter) ComputeUBIVolumeCRC(volID int) (uint32, error) {
	info, err := s.dev.ScanUBI(volID)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, info.DataSize)
	if info.DataSize == 0 {
		buf = make([]byte, info.Size)
	}
	leb := uint32(0)
	total := uint64(0)
	for total < uint64(len(buf)) {
		n, err := s.dev.ReadUBIBlock(leb, buf[total:min64(uint64(len(buf))-total, uint64(info.LEBSize))+total])
		if err != nil {
			return 0, err
		}
		total += uint64(n)
		leb++
	}
	return crc32.ChecksumIEEE(buf), nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Close finalizes the staging partition writer.
func (s *SwifotaWriter) Close() error { return s.dev.Close() }
