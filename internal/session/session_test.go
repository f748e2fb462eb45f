package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/flash"
	"github.com/tinkerator/fwupdate/internal/flash/sim"
	"github.com/tinkerator/fwupdate/internal/system"
)

// simOpener backs DeviceOpener with named in-memory sim devices, so a
// session test can address the same partition the production code
// would reach through partmap without touching any real MTD node.
type simOpener struct {
	devices map[string]*sim.Device
}

func newSimOpener() *simOpener { return &simOpener{devices: map[string]*sim.Device{}} }

func (o *simOpener) device(name string) *sim.Device {
	d, ok := o.devices[name]
	if !ok {
		d = sim.New(8, 4096, 512)
		o.devices[name] = d
	}
	return d
}

func (o *simOpener) OpenRaw(mtdNum int, name string, mode flash.Mode) (flash.Device, error) {
	return o.device(name), nil
}

func (o *simOpener) OpenUBI(mtdNum int, name string, mode flash.Mode, force bool) (flash.UBIDevice, error) {
	return o.device(name), nil
}

func buildLeafHeader(t *testing.T, typ cwe.ImageType, size, crc uint32) []byte {
	t.Helper()
	h := cwe.Header{
		HdrRev:      cwe.MinHeaderRevision,
		ImageType:   typ,
		ProductType: cwe.ExpectedProductType,
		ImageSize:   size,
		ImageCRC32:  crc,
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, h))
	raw := buf.Bytes()
	psbCRC := crc32.ChecksumIEEE(raw[:cwe.PSBSize])
	binary.BigEndian.PutUint32(raw[cwe.PSBSize:cwe.PSBSize+4], psbCRC)
	return raw
}

type fakePlatformForSession struct{}

func (fakePlatformForSession) Synced() (bool, error)                    { return true, nil }
func (fakePlatformForSession) RequestSwap(bool) error                   { return nil }
func (fakePlatformForSession) Reboot() error                            { return nil }
func (fakePlatformForSession) EccStats() (flash.EccStats, error)        { return flash.EccStats{}, nil }

func TestDownloadSingleLeafDualSystem(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 4096*2)
	crc := crc32.ChecksumIEEE(payload)
	header := buildLeafHeader(t, cwe.TypeUSER, uint32(len(payload)), crc)

	var stream bytes.Buffer
	stream.Write(header)
	stream.Write(payload)

	opener := newSimOpener()
	ssdata := system.New()
	dir := t.TempDir()
	s := New(Deployment{DualSystem: true}, opener, ssdata, dir, dir)

	require.NoError(t, ssdata.InitDownload(false, fakePlatformForSession{}, func() error { return nil }))
	err := s.Download(context.Background(), &stream)
	require.NoError(t, err)

	status, _ := ssdata.GetUpdateStatus()
	assert.Equal(t, system.Ok, status)

	got := opener.device("lefwkro2").PEBBytes(0)
	assert.True(t, bytes.Equal(got, payload[:4096]))
}

func TestDownloadBadCrcMarksFailed(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 4096)
	header := buildLeafHeader(t, cwe.TypeUSER, uint32(len(payload)), 0xdeadbeef)

	var stream bytes.Buffer
	stream.Write(header)
	stream.Write(payload)

	opener := newSimOpener()
	ssdata := system.New()
	dir := t.TempDir()
	s := New(Deployment{DualSystem: true}, opener, ssdata, dir, dir)

	err := s.Download(context.Background(), &stream)
	require.Error(t, err)
	assert.Equal(t, ferrors.CrcMismatch, ferrors.KindOf(err))

	status, _ := ssdata.GetUpdateStatus()
	assert.Equal(t, system.DwlFailed, status)
}

func TestResumeCompletesInterruptedLeaf(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 4096*4)
	crc := crc32.ChecksumIEEE(payload)
	header := buildLeafHeader(t, cwe.TypeUSER, uint32(len(payload)), crc)

	r, w := io.Pipe()
	go func() {
		w.Write(header)
		w.Write(payload[:4096])
		<-make(chan struct{})
	}()

	opener := newSimOpener()
	ssdata := system.New()
	dir := t.TempDir()
	s := New(Deployment{DualSystem: true}, opener, ssdata, dir, dir)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	err := s.Download(ctx, r)
	require.Error(t, err)
	assert.Equal(t, ferrors.Terminated, ferrors.KindOf(err))

	pos, err := s.ResumePosition()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), pos, "resume must continue from the exact byte the body stopped at")

	rest := bytes.NewReader(payload[4096:])
	err = s.Resume(context.Background(), rest)
	require.NoError(t, err)

	status, _ := ssdata.GetUpdateStatus()
	assert.Equal(t, system.Ok, status)

	dev := opener.device("lefwkro2")
	var got []byte
	for peb := uint32(0); peb < 4; peb++ {
		got = append(got, dev.PEBBytes(peb)...)
	}
	assert.True(t, bytes.Equal(got, payload))
}

func TestResumeRejectsSingleSystemDeployment(t *testing.T) {
	opener := newSimOpener()
	ssdata := system.New()
	dir := t.TempDir()
	s := New(Deployment{DualSystem: false}, opener, ssdata, dir, dir)

	err := s.Resume(context.Background(), bytes.NewReader(nil))
	require.Error(t, err)
	assert.Equal(t, ferrors.Unsupported, ferrors.KindOf(err))
}

func TestDownloadCancellationReturnsTerminated(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5A}, 4096*4)
	crc := crc32.ChecksumIEEE(payload)
	header := buildLeafHeader(t, cwe.TypeUSER, uint32(len(payload)), crc)

	r, w := io.Pipe()
	go func() {
		w.Write(header)
		w.Write(payload[:4096])
		<-make(chan struct{}) // never sends the rest; cancellation fires first
	}()

	opener := newSimOpener()
	ssdata := system.New()
	dir := t.TempDir()
	s := New(Deployment{DualSystem: true}, opener, ssdata, dir, dir)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	err := s.Download(ctx, r)
	require.Error(t, err)
	assert.Equal(t, ferrors.Terminated, ferrors.KindOf(err))
}
