package patch

import (
	"encoding/binary"
	"fmt"
)

// IMGDIFF2 operation opcodes. The encoding is a simple op-stream: each
// operation is a one-byte opcode followed by its operands, terminated
// by opEnd. It is not Android's on-disk imgdiff format; it is this
// project's own chunked copy/literal scheme, grounded in the same
// "chunk-aware image diff" idea but implemented from scratch because no
// library in the retrieval pack nor a well-known ecosystem module
// implements IMGDIFF2 (see DESIGN.md).
const (
	opCopy byte = 'C' // length(4) srcOffset(4): copy length bytes from source
	opData byte = 'D' // length(4) then length literal bytes
	opEnd  byte = 'E' // no operands: end of stream
)

// applyImgdiff2 reconstructs a destination image by replaying an
// IMGDIFF2 op-stream (payload) against a source image.
func applyImgdiff2(src, payload []byte) ([]byte, error) {
	var out []byte
	i := 0
	for i < len(payload) {
		op := payload[i]
		i++
		switch op {
		case opCopy:
			if i+8 > len(payload) {
				return nil, fmt.Errorf("imgdiff2: truncated copy operand")
			}
			length := binary.BigEndian.Uint32(payload[i : i+4])
			offset := binary.BigEndian.Uint32(payload[i+4 : i+8])
			i += 8
			if uint64(offset)+uint64(length) > uint64(len(src)) {
				return nil, fmt.Errorf("imgdiff2: copy range [%d,%d) exceeds source length %d", offset, uint64(offset)+uint64(length), len(src))
			}
			out = append(out, src[offset:offset+length]...)
		case opData:
			if i+4 > len(payload) {
				return nil, fmt.Errorf("imgdiff2: truncated data length")
			}
			length := binary.BigEndian.Uint32(payload[i : i+4])
			i += 4
			if i+int(length) > len(payload) {
				return nil, fmt.Errorf("imgdiff2: truncated data payload")
			}
			out = append(out, payload[i:i+int(length)]...)
			i += int(length)
		case opEnd:
			return out, nil
		default:
			return nil, fmt.Errorf("imgdiff2: unknown opcode 0x%02x at offset %d", op, i-1)
		}
	}
	return out, nil
}
