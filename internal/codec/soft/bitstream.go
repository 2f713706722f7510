package soft

import (
	"fmt"

	mch264 "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/babelcloud/gbox-streamer/internal/h264"
)

const (
	profileBaseline = 66
	// constraint_set0 and constraint_set1: constrained baseline.
	constrainedBaseline = 0xC0

	// log2_max_frame_num_minus4 is 0, so frame_num is 4 bits wide.
	frameNumBits = 4
	maxFrameNum  = 1 << frameNumBits

	// I_16x16 macroblock, DC prediction, no coded coefficients.
	mbTypeI16x16DC = 3
)

// bitstream generates a constrained baseline H.264 stream of flat grey
// pictures. IDR pictures code every macroblock as intra 16x16 DC with no
// residual, P pictures skip every macroblock.
type bitstream struct {
	width, height     int
	mbWidth, mbHeight int

	frameNum uint32
	idrPicID uint32
}

func newBitstream(width, height int) (*bitstream, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("unsupported picture size %dx%d", width, height)
	}
	return &bitstream{
		width:    width,
		height:   height,
		mbWidth:  (width + 15) / 16,
		mbHeight: (height + 15) / 16,
	}, nil
}

func (b *bitstream) macroblocks() int {
	return b.mbWidth * b.mbHeight
}

// level picks the lowest level whose frame size limit fits the picture.
func (b *bitstream) level() uint32 {
	switch mbs := b.macroblocks(); {
	case mbs <= 3600:
		return 31
	case mbs <= 8192:
		return 40
	default:
		return 51
	}
}

// sps returns the sequence parameter set NAL unit without start code.
func (b *bitstream) sps() []byte {
	var w bitWriter
	w.writeBits(profileBaseline, 8)
	w.writeBits(constrainedBaseline, 8)
	w.writeBits(b.level(), 8)
	w.writeUE(0) // seq_parameter_set_id
	w.writeUE(frameNumBits - 4)
	w.writeUE(2) // pic_order_cnt_type: output order follows decoding order
	w.writeUE(1) // max_num_ref_frames
	w.writeFlag(false)
	w.writeUE(uint32(b.mbWidth - 1))
	w.writeUE(uint32(b.mbHeight - 1))
	w.writeFlag(true) // frame_mbs_only_flag
	w.writeFlag(true) // direct_8x8_inference_flag

	cropRight := uint32(b.mbWidth*16-b.width) / 2
	cropBottom := uint32(b.mbHeight*16-b.height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.writeFlag(true)
		w.writeUE(0)
		w.writeUE(cropRight)
		w.writeUE(0)
		w.writeUE(cropBottom)
	} else {
		w.writeFlag(false)
	}
	w.writeFlag(false) // vui_parameters_present_flag
	w.trailingBits()

	return nalu(3, mch264.NALUTypeSPS, w.bytes())
}

// pps returns the picture parameter set NAL unit without start code.
func (b *bitstream) pps() []byte {
	var w bitWriter
	w.writeUE(0)       // pic_parameter_set_id
	w.writeUE(0)       // seq_parameter_set_id
	w.writeFlag(false) // CAVLC
	w.writeFlag(false) // bottom_field_pic_order_in_frame_present_flag
	w.writeUE(0)       // num_slice_groups_minus1
	w.writeUE(0)       // num_ref_idx_l0_default_active_minus1
	w.writeUE(0)       // num_ref_idx_l1_default_active_minus1
	w.writeFlag(false) // weighted_pred_flag
	w.writeBits(0, 2)  // weighted_bipred_idc
	w.writeSE(0)       // pic_init_qp_minus26
	w.writeSE(0)       // pic_init_qs_minus26
	w.writeSE(0)       // chroma_qp_index_offset
	w.writeFlag(false) // deblocking_filter_control_present_flag
	w.writeFlag(false) // constrained_intra_pred_flag
	w.writeFlag(false) // redundant_pic_cnt_present_flag
	w.trailingBits()

	return nalu(3, mch264.NALUTypePPS, w.bytes())
}

// idr returns an IDR slice covering the whole picture and restarts frame
// numbering.
func (b *bitstream) idr() []byte {
	var w bitWriter
	w.writeUE(0) // first_mb_in_slice
	w.writeUE(7) // I slice, all slices of the picture
	w.writeUE(0) // pic_parameter_set_id
	w.writeBits(0, frameNumBits)
	w.writeUE(b.idrPicID)
	w.writeFlag(false) // no_output_of_prior_pics_flag
	w.writeFlag(false) // long_term_reference_flag
	w.writeSE(0)       // slice_qp_delta

	for i := 0; i < b.macroblocks(); i++ {
		w.writeUE(mbTypeI16x16DC)
		w.writeUE(0)      // intra_chroma_pred_mode: DC
		w.writeSE(0)      // mb_qp_delta
		w.writeBits(1, 1) // coeff_token: no Intra16x16DCLevel coefficients
	}
	w.trailingBits()

	// Consecutive IDR pictures must carry different ids.
	b.idrPicID = (b.idrPicID + 1) & 0xFFFF
	b.frameNum = 1
	return nalu(3, mch264.NALUTypeIDR, w.bytes())
}

// inter returns a P slice that skips every macroblock.
func (b *bitstream) inter() []byte {
	var w bitWriter
	w.writeUE(0) // first_mb_in_slice
	w.writeUE(5) // P slice, all slices of the picture
	w.writeUE(0) // pic_parameter_set_id
	w.writeBits(b.frameNum, frameNumBits)
	w.writeFlag(false) // num_ref_idx_active_override_flag
	w.writeFlag(false) // ref_pic_list_modification_flag_l0
	w.writeFlag(false) // adaptive_ref_pic_marking_mode_flag
	w.writeSE(0)       // slice_qp_delta
	w.writeUE(uint32(b.macroblocks()))
	w.trailingBits()

	b.frameNum = (b.frameNum + 1) % maxFrameNum
	return nalu(2, mch264.NALUTypeNonIDR, w.bytes())
}

func nalu(refIdc byte, typ mch264.NALUType, rbsp []byte) []byte {
	escaped := h264.EscapeRBSP(rbsp)
	out := make([]byte, 0, 1+len(escaped))
	out = append(out, refIdc<<5|byte(typ))
	return append(out, escaped...)
}
