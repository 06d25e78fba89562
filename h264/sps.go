package h264

// SPSDimensions holds the picture geometry announced by a sequence
// parameter set.
type SPSDimensions struct {
	Width  int
	Height int
}

// ParseSPSDimensions extracts the coded picture dimensions from an SPS
// NALU (without start code). Returns ok=false when nal is not an SPS or
// the bitstream ends before the geometry fields.
//
// Parsing walks the SPS up to the frame cropping fields and no further;
// VUI and later syntax are ignored.
func ParseSPSDimensions(nal []byte) (SPSDimensions, bool) {
	var dims SPSDimensions
	if len(nal) < 4 || TypeOf(nal) != NALSPS {
		return dims, false
	}

	// Strip emulation prevention bytes (00 00 03 -> 00 00), skip the NAL header.
	rbsp := make([]byte, 0, len(nal)-1)
	for i := 1; i < len(nal); i++ {
		if i+2 < len(nal) && nal[i] == 0 && nal[i+1] == 0 && nal[i+2] == 3 {
			rbsp = append(rbsp, 0, 0)
			i += 2
			continue
		}
		rbsp = append(rbsp, nal[i])
	}
	if len(rbsp) == 0 {
		return dims, false
	}

	br := bitReader{b: rbsp}

	// profile_idc, constraint flags, level_idc
	if !br.skip(24) {
		return dims, false
	}
	// seq_parameter_set_id
	if _, ok := br.ue(); !ok {
		return dims, false
	}

	chromaFormatIDC := uint(1) // 4:2:0 unless the profile says otherwise
	profileIDC := rbsp[0]
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		v, ok := br.ue()
		if !ok {
			return dims, false
		}
		chromaFormatIDC = v
		if chromaFormatIDC == 3 {
			if !br.skip(1) { // separate_colour_plane_flag
				return dims, false
			}
		}
		// bit_depth_luma_minus8, bit_depth_chroma_minus8
		if _, ok := br.ue(); !ok {
			return dims, false
		}
		if _, ok := br.ue(); !ok {
			return dims, false
		}
		if !br.skip(1) { // qpprime_y_zero_transform_bypass_flag
			return dims, false
		}
		scaling, ok := br.u(1)
		if !ok {
			return dims, false
		}
		if scaling == 1 {
			if !br.skipScalingMatrix(chromaFormatIDC) {
				return dims, false
			}
		}
	}

	// log2_max_frame_num_minus4
	if _, ok := br.ue(); !ok {
		return dims, false
	}
	pct, ok := br.ue()
	if !ok {
		return dims, false
	}
	switch pct {
	case 0:
		if _, ok := br.ue(); !ok { // log2_max_pic_order_cnt_lsb_minus4
			return dims, false
		}
	case 1:
		if !br.skip(1) { // delta_pic_order_always_zero_flag
			return dims, false
		}
		if _, ok := br.se(); !ok {
			return dims, false
		}
		if _, ok := br.se(); !ok {
			return dims, false
		}
		n, ok := br.ue()
		if !ok {
			return dims, false
		}
		for i := uint(0); i < n; i++ {
			if _, ok := br.se(); !ok {
				return dims, false
			}
		}
	}

	// max_num_ref_frames, gaps_in_frame_num_value_allowed_flag
	if _, ok := br.ue(); !ok {
		return dims, false
	}
	if !br.skip(1) {
		return dims, false
	}

	picWidthMinus1, ok := br.ue()
	if !ok {
		return dims, false
	}
	picHeightMinus1, ok := br.ue()
	if !ok {
		return dims, false
	}
	frameMbsOnly, ok := br.u(1)
	if !ok {
		return dims, false
	}
	if frameMbsOnly == 0 {
		if !br.skip(1) { // mb_adaptive_frame_field_flag
			return dims, false
		}
	}
	if !br.skip(1) { // direct_8x8_inference_flag
		return dims, false
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	cropping, ok := br.u(1)
	if !ok {
		return dims, false
	}
	if cropping == 1 {
		if cropLeft, ok = br.ue(); !ok {
			return dims, false
		}
		if cropRight, ok = br.ue(); !ok {
			return dims, false
		}
		if cropTop, ok = br.ue(); !ok {
			return dims, false
		}
		if cropBottom, ok = br.ue(); !ok {
			return dims, false
		}
	}

	mbWidth := picWidthMinus1 + 1
	mbHeight := (picHeightMinus1 + 1) * (2 - frameMbsOnly)

	// Crop units depend on chroma subsampling (and field coding vertically).
	var subW, subH uint = 1, 1
	switch chromaFormatIDC {
	case 1:
		subW, subH = 2, 2
	case 2:
		subW, subH = 2, 1
	}
	cropUnitX := subW
	cropUnitY := subH * (2 - frameMbsOnly)

	width := int(mbWidth*16) - int((cropLeft+cropRight)*cropUnitX)
	height := int(mbHeight*16) - int((cropTop+cropBottom)*cropUnitY)
	if width <= 0 || height <= 0 || width > 0xFFFF || height > 0xFFFF {
		return dims, false
	}
	return SPSDimensions{Width: width, Height: height}, true
}

// skipScalingMatrix advances past seq_scaling_list syntax.
func (br *bitReader) skipScalingMatrix(chromaFormatIDC uint) bool {
	n := 8
	if chromaFormatIDC == 3 {
		n = 12
	}
	for i := 0; i < n; i++ {
		present, ok := br.u(1)
		if !ok {
			return false
		}
		if present != 1 {
			continue
		}
		size := 16
		if i >= 6 {
			size = 64
		}
		lastScale, nextScale := 8, 8
		for j := 0; j < size; j++ {
			if nextScale != 0 {
				delta, ok := br.se()
				if !ok {
					return false
				}
				nextScale = (lastScale + delta + 256) % 256
			}
			if nextScale != 0 {
				lastScale = nextScale
			}
		}
	}
	return true
}

// bitReader reads big-endian bit fields and Exp-Golomb codes from RBSP
// bytes.
type bitReader struct {
	b []byte
	i int // bit offset
}

func (br *bitReader) u(n int) (uint, bool) {
	if n <= 0 {
		return 0, true
	}
	var v uint
	for k := 0; k < n; k++ {
		byteIndex := br.i / 8
		if byteIndex >= len(br.b) {
			return 0, false
		}
		bitIndex := 7 - (br.i % 8)
		v = (v << 1) | uint((br.b[byteIndex]>>uint(bitIndex))&1)
		br.i++
	}
	return v, true
}

func (br *bitReader) skip(n int) bool {
	_, ok := br.u(n)
	return ok
}

// ue reads an unsigned Exp-Golomb code.
func (br *bitReader) ue() (uint, bool) {
	leadingZeros := 0
	for {
		b, ok := br.u(1)
		if !ok {
			return 0, false
		}
		if b != 0 {
			break
		}
		leadingZeros++
		if leadingZeros > 31 {
			return 0, false
		}
	}
	if leadingZeros == 0 {
		return 0, true
	}
	val, ok := br.u(leadingZeros)
	if !ok {
		return 0, false
	}
	return (1 << leadingZeros) - 1 + val, true
}

// se reads a signed Exp-Golomb code.
func (br *bitReader) se() (int, bool) {
	uev, ok := br.ue()
	if !ok {
		return 0, false
	}
	if uev%2 == 0 {
		return -int(uev / 2), true
	}
	return int(uev+1) / 2, true
}
