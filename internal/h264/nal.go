package h264

import (
	"bytes"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var (
	StartCode3 = []byte{0x00, 0x00, 0x01}
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// Type returns the type of a NAL unit without start code.
func Type(nalu []byte) mch264.NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return mch264.NALUType(nalu[0] & 0x1F)
}

// FindStartCode locates the first start code in data, or -1.
func FindStartCode(data []byte) int {
	pos3 := bytes.Index(data, StartCode3)
	if pos3 > 0 && data[pos3-1] == 0x00 {
		return pos3 - 1
	}
	return pos3
}

// HasStartCode reports whether data begins with a start code.
func HasStartCode(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// StripStartCode removes a leading start code. Data without one is returned
// unchanged.
func StripStartCode(data []byte) []byte {
	switch {
	case bytes.HasPrefix(data, StartCode4):
		return data[4:]
	case bytes.HasPrefix(data, StartCode3):
		return data[3:]
	}
	return data
}

// SplitNALUs splits Annex-B data into NAL units without start codes. Data
// that does not start with a start code is treated as a single NAL unit.
func SplitNALUs(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if !HasStartCode(data) {
		return [][]byte{data}
	}

	var annexB mch264.AnnexB
	if err := annexB.Unmarshal(data); err == nil {
		return annexB
	}

	// Fall back to a plain scan for streams mediacommon rejects, such as
	// ones with empty NAL units between start codes.
	var nalus [][]byte
	for len(data) > 0 {
		data = StripStartCode(data)
		next := FindStartCode(data)
		if next < 0 {
			next = len(data)
		}
		if next > 0 {
			nalus = append(nalus, data[:next])
		}
		data = data[next:]
	}
	return nalus
}

// IsKeyFrame reports whether an Annex-B access unit contains an IDR slice.
func IsKeyFrame(data []byte) bool {
	for _, nalu := range SplitNALUs(data) {
		if Type(nalu) == mch264.NALUTypeIDR {
			return true
		}
	}
	return false
}

// JoinAnnexB frames NAL units with 4-byte start codes.
func JoinAnnexB(nalus ...[]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += len(StartCode4) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, StartCode4...)
		out = append(out, n...)
	}
	return out
}

// EscapeRBSP inserts emulation prevention bytes so the payload can never
// contain a start code.
func EscapeRBSP(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}
