package stream

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/ferrors"
	"github.com/tinkerator/fwupdate/internal/patch"
)

// memSink is a trivial in-memory Sink for parser-level tests; the
// writer package's own tests cover real flash semantics.
type memSink struct {
	buf      bytes.Buffer
	finished bool
	wantCRC  uint32
	wantSize uint32
}

func (s *memSink) WriteChunk(b []byte) (int, error) { return s.buf.Write(b) }
func (s *memSink) Finish(crc, size uint32) error {
	s.finished = true
	s.wantCRC, s.wantSize = crc, size
	return nil
}

type testRouter struct {
	sink      *memSink
	openErr   error
	lastLeaf  *cwe.Header
	patchCtxF func(h *cwe.Header, m *patch.Meta) (*patch.Context, error)
}

func (r *testRouter) OpenLeaf(h *cwe.Header) (Sink, error) {
	r.lastLeaf = h
	if r.openErr != nil {
		return nil, r.openErr
	}
	return r.sink, nil
}

func (r *testRouter) OpenPatch(h *cwe.Header, m *patch.Meta) (*patch.Context, error) {
	return r.patchCtxF(h, m)
}

func buildHeader(t *testing.T, h cwe.Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, h))
	raw := buf.Bytes()
	_, crc := crc32CheckedPSB(raw[:cwe.PSBSize])
	binary.BigEndian.PutUint32(raw[cwe.PSBSize:], crc)
	return raw
}

func crc32CheckedPSB(b []byte) (int, uint32) { return len(b), crc32.ChecksumIEEE(b) }

func leafHeader(t *testing.T, typ cwe.ImageType, size uint32, crc uint32) cwe.Header {
	t.Helper()
	return cwe.Header{
		HdrRev:      cwe.MinHeaderRevision,
		ImageType:   typ,
		ProductType: cwe.ExpectedProductType,
		ImageSize:   size,
		ImageCRC32:  crc,
	}
}

func TestSingleLeafHappyPath(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 4096)
	crc := crc32.ChecksumIEEE(payload)
	h := buildHeader(t, leafHeader(t, cwe.TypeUSER, uint32(len(payload)), crc))

	sink := &memSink{}
	router := &testRouter{sink: sink}
	p := New(router)

	require.Equal(t, cwe.HeaderSize, int(p.LengthToRead(4096)))
	require.NoError(t, p.Step(bytes.NewReader(h), 4096))
	assert.Equal(t, AwaitBody, p.State())

	require.NoError(t, p.Step(bytes.NewReader(payload), 4096))
	assert.True(t, p.Done())
	assert.True(t, sink.finished)
	assert.Equal(t, crc, p.CurrentGlobalCRC())
}

func TestBadBodyCRCFails(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 128)
	badCRC := crc32.ChecksumIEEE(payload) ^ 0xFF
	h := buildHeader(t, leafHeader(t, cwe.TypeUSER, uint32(len(payload)), badCRC))

	router := &testRouter{sink: &memSink{}}
	p := New(router)
	require.NoError(t, p.Step(bytes.NewReader(h), 128))
	err := p.Step(bytes.NewReader(payload), 128)
	require.Error(t, err)
	assert.Equal(t, ferrors.CrcMismatch, ferrors.KindOf(err))
}

func TestSuspendMidBodyReportsResumePosition(t *testing.T) {
	full := bytes.Repeat([]byte{0x7A}, 131072)
	crc := crc32.ChecksumIEEE(full)
	h := buildHeader(t, leafHeader(t, cwe.TypeUSER, uint32(len(full)), crc))

	router := &testRouter{sink: &memSink{}}
	p := New(router)
	require.NoError(t, p.Step(bytes.NewReader(h), 4096))

	// pipe delivers only the first 65536 bytes then closes.
	pr, pw := io.Pipe()
	go func() {
		pw.Write(full[:65536])
		pw.Close()
	}()

	var readErr error
	for i := 0; i < 65536/4096; i++ {
		if err := p.Step(pr, 4096); err != nil {
			readErr = err
			break
		}
	}
	require.NoError(t, readErr)

	err := p.Step(pr, 4096)
	require.Error(t, err)
	assert.Equal(t, ferrors.Terminated, ferrors.KindOf(err))
	assert.Equal(t, uint64(65536), p.TotalRead())
}

func TestCompositeTwoChildren(t *testing.T) {
	childA := bytes.Repeat([]byte{0x01}, 1024)
	childB := bytes.Repeat([]byte{0x02}, 2048)
	crcA := crc32.ChecksumIEEE(childA)
	crcB := crc32.ChecksumIEEE(childB)
	globalCRC := crc32.ChecksumIEEE(append(append([]byte{}, childA...), childB...))

	topSize := uint32(len(childA) + len(childB))
	top := buildHeader(t, cwe.Header{
		HdrRev:      cwe.MinHeaderRevision,
		ImageType:   cwe.TypeAPPL,
		ProductType: cwe.ExpectedProductType,
		ImageSize:   topSize,
		ImageCRC32:  globalCRC,
		Signature:   cwe.Appsign(),
	})
	hA := buildHeader(t, leafHeader(t, cwe.TypeAPPS, uint32(len(childA)), crcA))
	hB := buildHeader(t, leafHeader(t, cwe.TypeAPBL, uint32(len(childB)), crcB))

	sinkA, sinkB := &memSink{}, &memSink{}
	routerImpl := &multiLeafRouter{sinks: []*memSink{sinkA, sinkB}}
	p := New(routerImpl)

	stream := io.MultiReader(bytes.NewReader(top), bytes.NewReader(hA), bytes.NewReader(childA), bytes.NewReader(hB), bytes.NewReader(childB))

	require.NoError(t, p.Step(stream, 4096)) // top header
	assert.Equal(t, AwaitChildHeader, p.State())
	require.NoError(t, p.Step(stream, 4096)) // child A header
	assert.Equal(t, AwaitBody, p.State())
	require.NoError(t, p.Step(stream, 4096)) // child A body
	assert.Equal(t, AwaitChildHeader, p.State())
	require.NoError(t, p.Step(stream, 4096)) // child B header
	require.NoError(t, p.Step(stream, 4096)) // child B body
	assert.True(t, p.Done())
	assert.True(t, sinkA.finished)
	assert.True(t, sinkB.finished)
	assert.Equal(t, 2, len(routerImpl.opened))
}

type multiLeafRouter struct {
	sinks  []*memSink
	opened []cwe.ImageType
}

func (r *multiLeafRouter) OpenLeaf(h *cwe.Header) (Sink, error) {
	r.opened = append(r.opened, h.ImageType)
	s := r.sinks[len(r.opened)-1]
	return s, nil
}

func (r *multiLeafRouter) OpenPatch(h *cwe.Header, m *patch.Meta) (*patch.Context, error) {
	return nil, ferrors.New(ferrors.Unsupported, "not used in this test")
}
