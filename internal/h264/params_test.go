package h264

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParameterSets(t *testing.T) {
	tests := []struct {
		name string
		csd  [][]byte
	}{
		{"separate annex-b", [][]byte{JoinAnnexB(testSPS), JoinAnnexB(testPPS)}},
		{"bare nal units", [][]byte{testSPS, testPPS}},
		{"combined annex-b", [][]byte{JoinAnnexB(testSPS, testPPS), nil}},
		{"three byte start codes", [][]byte{append([]byte{0, 0, 1}, testSPS...), append([]byte{0, 0, 1}, testPPS...)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sps, pps := ParameterSets(tt.csd...)
			assert.Equal(t, testSPS, sps)
			assert.Equal(t, testPPS, pps)
		})
	}
}

func TestParameterSetsFromAVCC(t *testing.T) {
	record, err := DecoderConfigurationRecord(testSPS, testPPS)
	require.NoError(t, err)

	sps, pps := ParameterSets(record)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
}

func TestDecoderConfigurationRecord(t *testing.T) {
	record, err := DecoderConfigurationRecord(testSPS, testPPS)
	require.NoError(t, err)

	assert.Equal(t, byte(0x01), record[0])
	assert.Equal(t, byte(0x42), record[1])
	assert.Equal(t, byte(0x00), record[2])
	assert.Equal(t, byte(0x1e), record[3])
	assert.Equal(t, byte(0xFF), record[4])
	assert.Equal(t, byte(0xE1), record[5])
	assert.Len(t, record, 11+len(testSPS)+len(testPPS))

	sps, pps, ok := ParseAVCC(record)
	require.True(t, ok)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)

	_, err = DecoderConfigurationRecord([]byte{0x67}, testPPS)
	assert.Error(t, err)
	_, err = DecoderConfigurationRecord(testSPS, nil)
	assert.Error(t, err)
}

func TestParseAVCCRejectsGarbage(t *testing.T) {
	_, _, ok := ParseAVCC([]byte{0x00, 0x01, 0x02})
	assert.False(t, ok)

	_, _, ok = ParseAVCC([]byte{0x01, 0x42, 0x00, 0x1e, 0xFF, 0xE1, 0x00, 0x20, 0x67})
	assert.False(t, ok)
}

func TestNALHelpers(t *testing.T) {
	idr := []byte{0x65, 0x88, 0x84}
	p := []byte{0x41, 0x9a}

	assert.True(t, IsKeyFrame(JoinAnnexB(testSPS, testPPS, idr)))
	assert.False(t, IsKeyFrame(JoinAnnexB(p)))

	assert.Equal(t, testSPS, StripStartCode(JoinAnnexB(testSPS)))
	assert.Equal(t, testSPS, StripStartCode(append([]byte{0, 0, 1}, testSPS...)))
	assert.Equal(t, testSPS, StripStartCode(testSPS))

	assert.Equal(t, 0, FindStartCode(JoinAnnexB(idr)))
	assert.Equal(t, 2, FindStartCode(append([]byte{0x41, 0x9a, 0, 0, 1}, idr...)))
	assert.Equal(t, -1, FindStartCode(idr))

	assert.Equal(t, [][]byte{idr}, SplitNALUs(idr))
	assert.Equal(t, [][]byte{testSPS, testPPS, idr}, SplitNALUs(JoinAnnexB(testSPS, testPPS, idr)))
}

func TestEscapeRBSP(t *testing.T) {
	tests := []struct {
		in, want []byte
	}{
		{[]byte{0x00, 0x00, 0x01}, []byte{0x00, 0x00, 0x03, 0x01}},
		{[]byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00, 0x03, 0x00, 0x00}},
		{[]byte{0x00, 0x00, 0x04}, []byte{0x00, 0x00, 0x04}},
		{[]byte{0x12, 0x00, 0x03}, []byte{0x12, 0x00, 0x03}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EscapeRBSP(tt.in))
	}
}
