package pipeline

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory represents the classification of GStreamer errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryCodec indicates bitstream/decoder failures (corrupt input, unsupported profile)
	ErrCategoryCodec ErrorCategory = iota
	// ErrCategoryNegotiation indicates caps or linking failures between elements
	ErrCategoryNegotiation
	// ErrCategoryResource indicates device, driver or memory failures
	ErrCategoryResource
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// ClassifyGStreamerError analyzes a GStreamer error and categorizes it for telemetry
//
// This enables better debugging in production by distinguishing between:
// - Negotiation issues (caps mismatch, usually a stream/pipeline config problem)
// - Codec issues (corrupt bitstream, unsupported profile)
// - Resource issues (VAAPI device, driver, memory)
// - Unknown issues (need investigation)
//
// Classification is based on error message heuristics and error codes.
// Note: go-gst's GError does not expose Domain(), so we rely on string matching.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(
		strings.ToLower(gerr.Error()),
		strings.ToLower(gerr.DebugString()),
	)
}

// classify holds the keyword heuristics; split out so the pure logic
// is testable without constructing a GError.
func classify(errMsg, debugStr string) ErrorCategory {
	// Priority 1: Check for negotiation errors (most specific)
	if containsNegotiationKeywords(errMsg, debugStr) {
		return ErrCategoryNegotiation
	}

	// Priority 2: Check for codec/bitstream errors
	if containsCodecKeywords(errMsg, debugStr) {
		return ErrCategoryCodec
	}

	// Priority 3: Check for resource errors
	if containsResourceKeywords(errMsg, debugStr) {
		return ErrCategoryResource
	}

	// Default to unknown if no classification matches
	return ErrCategoryUnknown
}

// containsNegotiationKeywords checks if error message contains caps/link-related keywords
func containsNegotiationKeywords(errMsg, debugStr string) bool {
	keywords := []string{
		"not negotiated",
		"not-negotiated",
		"negotiation",
		"caps",
		"could not link",
		"incompatible",
		"no common format",
	}

	combined := errMsg + " " + debugStr
	for _, kw := range keywords {
		if strings.Contains(combined, kw) {
			return true
		}
	}
	return false
}

// containsCodecKeywords checks if error message contains codec-related keywords
func containsCodecKeywords(errMsg, debugStr string) bool {
	keywords := []string{
		"codec",
		"decode",
		"decoding",
		"bitstream",
		"parse",
		"corrupt",
		"no valid frames",
		"profile",
		"h264",
		"no decoder",
		"missing plugin",
	}

	combined := errMsg + " " + debugStr
	for _, kw := range keywords {
		if strings.Contains(combined, kw) {
			return true
		}
	}
	return false
}

// containsResourceKeywords checks if error message contains device/memory-related keywords
func containsResourceKeywords(errMsg, debugStr string) bool {
	keywords := []string{
		"resource",
		"memory",
		"allocat",
		"device",
		"driver",
		"busy",
		"could not open",
		"vaapi",
		"va-api",
	}

	combined := errMsg + " " + debugStr
	for _, kw := range keywords {
		if strings.Contains(combined, kw) {
			return true
		}
	}
	return false
}
