package api

import (
	"bytes"
	"encoding/json"
)

// frameTerminator delimits frames on the wire. 0x03 never appears in
// valid UTF-8 JSON text, so no escaping or length prefix is needed.
const frameTerminator = 0x03

// encodeFrame serializes a value to one wire frame: JSON text followed
// by the terminator byte.
func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, frameTerminator), nil
}

// splitFrames appends newly received bytes to the retained partial
// segment and splits out every complete frame. The trailing incomplete
// segment is returned for the caller to retain until the next read.
func splitFrames(partial, data []byte) (frames [][]byte, rest []byte) {
	buf := append(partial, data...)
	for {
		i := bytes.IndexByte(buf, frameTerminator)
		if i < 0 {
			break
		}
		frames = append(frames, buf[:i])
		buf = buf[i+1:]
	}
	rest = append([]byte(nil), buf...)
	return frames, rest
}

// decodeFrame parses one frame's JSON payload.
func decodeFrame(frame []byte) (any, error) {
	var v any
	err := json.Unmarshal(frame, &v)
	return v, err
}
