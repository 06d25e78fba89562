// Package h264 provides minimal Annex-B elementary stream utilities:
// NALU splitting, NAL type inspection, access unit grouping, and SPS
// geometry parsing.
//
// The parser covers exactly what a live decode path needs to describe an
// incoming stream (dimensions, keyframe boundaries). It is not a general
// H.264 syntax library.
package h264

// NAL unit types this package cares about (ITU-T H.264 table 7-1).
const (
	NALSliceNonIDR uint8 = 1
	NALSliceIDR    uint8 = 5
	NALSEI         uint8 = 6
	NALSPS         uint8 = 7
	NALPPS         uint8 = 8
	NALAUD         uint8 = 9
)

// TypeOf returns the nal_unit_type of a NALU (without start code).
// Returns 0 for empty input.
func TypeOf(nal []byte) uint8 {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// IsVCL reports whether t is a coded slice type (the picture-bearing NALUs).
func IsVCL(t uint8) bool {
	return t >= 1 && t <= 5
}

// IsKeyframe reports whether the access unit au (Annex-B, possibly several
// NALUs) contains an IDR slice.
func IsKeyframe(au []byte) bool {
	for _, nal := range SplitNALUs(au) {
		if TypeOf(nal) == NALSliceIDR {
			return true
		}
	}
	return false
}

// SplitNALUs splits an Annex-B byte stream into NALUs, stripping start
// codes. Both 3-byte and 4-byte start codes are accepted. The returned
// slices alias b.
func SplitNALUs(b []byte) [][]byte {
	var nalus [][]byte
	i := 0
	for {
		_, end := findStartCode(b, i)
		if end < 0 {
			break
		}
		next, _ := findStartCode(b, end)
		if next < 0 {
			if nal := b[end:]; len(nal) > 0 {
				nalus = append(nalus, nal)
			}
			break
		}
		if nal := b[end:next]; len(nal) > 0 {
			nalus = append(nalus, nal)
		}
		i = next
	}
	return nalus
}

// SplitAccessUnits splits an Annex-B byte stream into access units.
//
// Grouping heuristic: a new access unit begins at a VCL NALU when the
// current unit already holds one. Non-VCL NALUs (SPS, PPS, SEI, AUD)
// attach to the unit that follows them, so parameter sets travel with
// their keyframe. Each returned unit keeps its original start codes and
// aliases b.
//
// Streams with multiple slices per picture are split per slice; decoders
// fed through a parser stage reassemble them.
func SplitAccessUnits(b []byte) [][]byte {
	type mark struct {
		start int // offset of the start code opening this NALU
		vcl   bool
	}
	var marks []mark
	i := 0
	for {
		scStart, scEnd := findStartCode(b, i)
		if scStart < 0 {
			break
		}
		next, _ := findStartCode(b, scEnd)
		nalEnd := len(b)
		if next >= 0 {
			nalEnd = next
		}
		if nalEnd > scEnd {
			marks = append(marks, mark{start: scStart, vcl: IsVCL(TypeOf(b[scEnd:nalEnd]))})
		}
		if next < 0 {
			break
		}
		i = next
	}
	if len(marks) == 0 {
		return nil
	}

	var units [][]byte
	unitStart := marks[0].start
	seenVCL := false
	for _, m := range marks {
		if m.vcl && seenVCL {
			units = append(units, b[unitStart:m.start])
			unitStart = m.start
			seenVCL = false
		}
		if m.vcl {
			seenVCL = true
		}
	}
	units = append(units, b[unitStart:])
	return units
}

// findStartCode locates the next Annex-B start code at or after from.
// Returns the code's first byte offset and the offset just past it, or
// (-1, -1) when none remains. The 4-byte form is matched first so its
// leading zero is not consumed as payload.
func findStartCode(b []byte, from int) (int, int) {
	for i := from; i+3 <= len(b); i++ {
		if i+4 <= len(b) && b[i] == 0 && b[i+1] == 0 && b[i+2] == 0 && b[i+3] == 1 {
			return i, i + 4
		}
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			return i, i + 3
		}
	}
	return -1, -1
}
