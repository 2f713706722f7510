package flv

import (
	"encoding/binary"
	"math"
	"sort"
)

// AMF0 type markers used by onMetaData.
const (
	amfNumber    = 0x00
	amfBoolean   = 0x01
	amfString    = 0x02
	amfECMAArray = 0x08
	amfObjectEnd = 0x09
)

func appendAMFString(b []byte, s string) []byte {
	b = append(b, amfString)
	return appendAMFKey(b, s)
}

func appendAMFKey(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendAMFValue(b []byte, v any) []byte {
	switch v := v.(type) {
	case float64:
		b = append(b, amfNumber)
		return binary.BigEndian.AppendUint64(b, math.Float64bits(v))
	case int:
		return appendAMFValue(b, float64(v))
	case bool:
		b = append(b, amfBoolean)
		if v {
			return append(b, 1)
		}
		return append(b, 0)
	case string:
		return appendAMFString(b, v)
	default:
		panic("flv: unsupported AMF0 value")
	}
}

// appendAMFECMAArray writes props with sorted keys so the output is stable.
func appendAMFECMAArray(b []byte, props map[string]any) []byte {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b = append(b, amfECMAArray)
	b = binary.BigEndian.AppendUint32(b, uint32(len(props)))
	for _, k := range keys {
		b = appendAMFKey(b, k)
		b = appendAMFValue(b, props[k])
	}
	return append(b, 0x00, 0x00, amfObjectEnd)
}
