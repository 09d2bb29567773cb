package validation

import (
	"encoding/binary"
	"fmt"
)

// Known binary signatures. Detection only ever looks at leading bytes;
// the declared filename and content-type are never trusted.
const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeGIF  = "image/gif"
	MimeWebP = "image/webp"
	MimeBin  = "application/octet-stream"
)

// DetectMimeType sniffs the real type from magic numbers.
func DetectMimeType(data []byte) string {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return MimeJPEG
	case len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return MimePNG
	case len(data) >= 6 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a"):
		return MimeGIF
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return MimeWebP
	default:
		return MimeBin
	}
}

// ExtractDimensions parses width/height for the detected format. Formats
// without a cheap parser return an error and are not dimension-validated.
func ExtractDimensions(data []byte, mimeType string) (int, int, error) {
	switch mimeType {
	case MimePNG:
		return pngDimensions(data)
	case MimeJPEG:
		return jpegDimensions(data)
	case MimeGIF:
		return gifDimensions(data)
	case MimeWebP:
		return webpDimensions(data)
	default:
		return 0, 0, fmt.Errorf("no dimension parser for %s", mimeType)
	}
}

// pngDimensions reads the fixed-offset IHDR width/height fields.
func pngDimensions(data []byte) (int, int, error) {
	// 8-byte signature, 4-byte length, "IHDR", then width and height.
	if len(data) < 24 {
		return 0, 0, fmt.Errorf("png: truncated header")
	}
	if string(data[12:16]) != "IHDR" {
		return 0, 0, fmt.Errorf("png: missing IHDR chunk")
	}
	w := int(binary.BigEndian.Uint32(data[16:20]))
	h := int(binary.BigEndian.Uint32(data[20:24]))
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("png: invalid dimensions %dx%d", w, h)
	}
	return w, h, nil
}

// jpegDimensions walks segment markers to the first frame header (SOF).
func jpegDimensions(data []byte) (int, int, error) {
	i := 2 // past SOI
	for i+4 <= len(data) {
		if data[i] != 0xFF {
			return 0, 0, fmt.Errorf("jpeg: bad marker at offset %d", i)
		}
		// Skip fill bytes between segments.
		for i < len(data) && data[i] == 0xFF {
			i++
		}
		if i >= len(data) {
			break
		}
		marker := data[i]
		i++

		// Standalone markers carry no length.
		if marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			continue
		}
		if i+2 > len(data) {
			break
		}
		segLen := int(binary.BigEndian.Uint16(data[i : i+2]))
		if segLen < 2 {
			return 0, 0, fmt.Errorf("jpeg: invalid segment length %d", segLen)
		}

		if isSOFMarker(marker) {
			if i+7 > len(data) {
				break
			}
			h := int(binary.BigEndian.Uint16(data[i+3 : i+5]))
			w := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			if w <= 0 || h <= 0 {
				return 0, 0, fmt.Errorf("jpeg: invalid dimensions %dx%d", w, h)
			}
			return w, h, nil
		}
		i += segLen
	}
	return 0, 0, fmt.Errorf("jpeg: no frame header found")
}

// isSOFMarker reports whether the marker starts a frame (SOF0-SOF15,
// excluding DHT, JPG and DAC which share the range).
func isSOFMarker(m byte) bool {
	if m < 0xC0 || m > 0xCF {
		return false
	}
	return m != 0xC4 && m != 0xC8 && m != 0xCC
}

// gifDimensions reads the logical screen descriptor.
func gifDimensions(data []byte) (int, int, error) {
	if len(data) < 10 {
		return 0, 0, fmt.Errorf("gif: truncated header")
	}
	w := int(binary.LittleEndian.Uint16(data[6:8]))
	h := int(binary.LittleEndian.Uint16(data[8:10]))
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("gif: invalid dimensions %dx%d", w, h)
	}
	return w, h, nil
}

// webpDimensions handles the VP8, VP8L and VP8X chunk variants.
func webpDimensions(data []byte) (int, int, error) {
	if len(data) < 30 {
		return 0, 0, fmt.Errorf("webp: truncated header")
	}
	switch string(data[12:16]) {
	case "VP8 ":
		// Lossy: key frame start code then 14-bit dimensions.
		if data[23] != 0x9D || data[24] != 0x01 || data[25] != 0x2A {
			return 0, 0, fmt.Errorf("webp: bad VP8 start code")
		}
		w := int(binary.LittleEndian.Uint16(data[26:28])) & 0x3FFF
		h := int(binary.LittleEndian.Uint16(data[28:30])) & 0x3FFF
		if w == 0 || h == 0 {
			return 0, 0, fmt.Errorf("webp: invalid dimensions")
		}
		return w, h, nil
	case "VP8L":
		// Lossless: 14-bit minus-one dimensions packed after signature.
		if data[20] != 0x2F {
			return 0, 0, fmt.Errorf("webp: bad VP8L signature")
		}
		b0, b1, b2, b3 := int(data[21]), int(data[22]), int(data[23]), int(data[24])
		w := 1 + ((b1&0x3F)<<8 | b0)
		h := 1 + ((b3&0x0F)<<10 | b2<<2 | b1>>6)
		return w, h, nil
	case "VP8X":
		// Extended: 24-bit minus-one canvas dimensions.
		w := 1 + (int(data[24]) | int(data[25])<<8 | int(data[26])<<16)
		h := 1 + (int(data[27]) | int(data[28])<<8 | int(data[29])<<16)
		return w, h, nil
	default:
		return 0, 0, fmt.Errorf("webp: unknown chunk %q", string(data[12:16]))
	}
}
