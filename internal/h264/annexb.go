package h264

import (
	"encoding/binary"
	"fmt"
)

// AVCConverter rewrites Annex-B access units into 4-byte length prefixed
// AVCC form. It reuses its output buffer between calls, so the returned slice
// is only valid until the next Convert.
type AVCConverter struct {
	buffer []byte
}

func NewAVCConverter() *AVCConverter {
	return &AVCConverter{buffer: make([]byte, 0, 256*1024)}
}

// Convert converts one access unit.
func (c *AVCConverter) Convert(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	c.buffer = c.buffer[:0]
	for _, nalu := range SplitNALUs(data) {
		c.buffer = binary.BigEndian.AppendUint32(c.buffer, uint32(len(nalu)))
		c.buffer = append(c.buffer, nalu...)
	}
	return c.buffer, nil
}

// ConvertAnnexBToAVC converts one access unit into a fresh buffer.
func ConvertAnnexBToAVC(data []byte) ([]byte, error) {
	out, err := NewAVCConverter().Convert(data)
	if err != nil || out == nil {
		return nil, err
	}
	return append([]byte(nil), out...), nil
}

// ConvertAVCToAnnexB converts a length prefixed access unit back to Annex-B.
func ConvertAVCToAnnexB(data []byte) ([]byte, error) {
	var out []byte
	for offset := 0; offset < len(data); {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("truncated length prefix at offset %d", offset)
		}
		length := int(binary.BigEndian.Uint32(data[offset:]))
		offset += 4
		if length > len(data)-offset {
			return nil, fmt.Errorf("invalid length prefix: %d", length)
		}
		out = append(out, StartCode4...)
		out = append(out, data[offset:offset+length]...)
		offset += length
	}
	return out, nil
}

// PrependParameterSetsAVCC puts length prefixed SPS and PPS NAL units in front
// of an AVCC access unit. Without both parameter sets avcc is returned as is.
func PrependParameterSetsAVCC(avcc, sps, pps []byte) []byte {
	if len(avcc) == 0 || len(sps) == 0 || len(pps) == 0 {
		return avcc
	}
	out := make([]byte, 0, 8+len(sps)+len(pps)+len(avcc))
	out = binary.BigEndian.AppendUint32(out, uint32(len(sps)))
	out = append(out, sps...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(pps)))
	out = append(out, pps...)
	return append(out, avcc...)
}
