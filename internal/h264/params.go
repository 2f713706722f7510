package h264

import (
	"encoding/binary"
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ParameterSets extracts SPS and PPS from codec specific data. Each argument
// may hold bare NAL units, Annex-B framed ones, or an avcC record, and a
// single buffer may carry both sets.
func ParameterSets(csd ...[]byte) (sps, pps []byte) {
	for _, data := range csd {
		if len(data) == 0 {
			continue
		}
		if data[0] == 0x01 {
			if s, p, ok := ParseAVCC(data); ok {
				return s, p
			}
		}
		for _, nalu := range SplitNALUs(data) {
			switch Type(nalu) {
			case mch264.NALUTypeSPS:
				if sps == nil {
					sps = nalu
				}
			case mch264.NALUTypePPS:
				if pps == nil {
					pps = nalu
				}
			}
		}
	}
	return sps, pps
}

// DecoderConfigurationRecord builds an avcC payload with 4-byte NAL lengths.
func DecoderConfigurationRecord(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 {
		return nil, fmt.Errorf("SPS too short: %d bytes", len(sps))
	}
	if len(pps) == 0 {
		return nil, fmt.Errorf("empty PPS")
	}
	if len(sps) > 0xFFFF || len(pps) > 0xFFFF {
		return nil, fmt.Errorf("parameter set too large")
	}

	out := make([]byte, 0, 11+len(sps)+len(pps))
	out = append(out,
		0x01,   // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // lengthSizeMinusOne = 3
		0xE1,   // one SPS
	)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 0x01) // one PPS
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	out = append(out, pps...)
	return out, nil
}

// ParseAVCC returns the first SPS and PPS of an avcC payload.
func ParseAVCC(avcc []byte) (sps, pps []byte, ok bool) {
	if len(avcc) < 7 || avcc[0] != 0x01 {
		return nil, nil, false
	}

	i := 5
	numSPS := int(avcc[i] & 0x1F)
	i++
	for n := 0; n < numSPS; n++ {
		if i+2 > len(avcc) {
			return nil, nil, false
		}
		l := int(binary.BigEndian.Uint16(avcc[i:]))
		i += 2
		if i+l > len(avcc) {
			return nil, nil, false
		}
		if sps == nil && l > 0 {
			sps = append([]byte(nil), avcc[i:i+l]...)
		}
		i += l
	}

	if i >= len(avcc) {
		return sps, nil, false
	}
	numPPS := int(avcc[i])
	i++
	for n := 0; n < numPPS; n++ {
		if i+2 > len(avcc) {
			break
		}
		l := int(binary.BigEndian.Uint16(avcc[i:]))
		i += 2
		if i+l > len(avcc) {
			break
		}
		if pps == nil && l > 0 {
			pps = append([]byte(nil), avcc[i:i+l]...)
		}
		i += l
	}
	return sps, pps, sps != nil && pps != nil
}

// Resolution parses an SPS and returns the cropped picture size.
func Resolution(sps []byte) (width, height int, err error) {
	var s mch264.SPS
	if err := s.Unmarshal(sps); err != nil {
		return 0, 0, fmt.Errorf("parse SPS: %w", err)
	}
	return s.Width(), s.Height(), nil
}
