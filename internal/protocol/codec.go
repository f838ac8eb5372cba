// ControlCodec: every control-plane socket in this tree (coordination RPC,
// discovery register/lookup, broker-to-discovery, etc.) speaks the same
// wire shape, modeled on jocko's own hand-rolled length-prefixed protocol
// rather than a code-generated one: a 4-byte big-endian length followed by
// a JSON body. There is no protoc in this environment to regenerate typed
// stubs from, so JSON plays the role protobuf plays in the teacher.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"io"
)

const maxFrameSize = 16 << 20 // guards against a corrupt length prefix wedging a reader open forever

func WriteFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return WrapProtocol(err, "marshal frame")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return WrapNetwork(err, "write frame length")
	}
	if _, err := w.Write(body); err != nil {
		return WrapNetwork(err, "write frame body")
	}
	return nil
}

func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return WrapNetwork(err, "read frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return ProtocolErrorf("frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return WrapNetwork(err, "read frame body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return WrapProtocol(err, "unmarshal frame")
	}
	return nil
}
