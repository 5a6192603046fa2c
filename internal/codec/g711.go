// Package codec converts between G.711 companded audio and 16-bit linear
// PCM. Both μ-law (RTP payload type 0) and A-law (payload type 8) variants
// are supported, as single-sample primitives and as bulk buffer operations.
// Linear samples are little-endian int16 at 8 kHz.
package codec

import (
	"io"

	"github.com/zaf/g711"
)

// ClipLimit is the largest linear sample magnitude G.711 can represent.
// Encode input outside ±ClipLimit saturates to it.
const ClipLimit = 32635

func clip(s int16) int16 {
	if s > ClipLimit {
		return ClipLimit
	}
	if s < -ClipLimit {
		return -ClipLimit
	}
	return s
}

// MulawDecode expands a single μ-law byte to a linear sample.
func MulawDecode(b byte) int16 {
	return g711.DecodeUlawFrame(b)
}

// MulawEncode compands a single linear sample to a μ-law byte,
// saturating outside the representable range.
func MulawEncode(s int16) byte {
	return g711.EncodeUlawFrame(clip(s))
}

// AlawDecode expands a single A-law byte to a linear sample.
func AlawDecode(b byte) int16 {
	return g711.DecodeAlawFrame(b)
}

// AlawEncode compands a single linear sample to an A-law byte,
// saturating outside the representable range.
func AlawEncode(s int16) byte {
	return g711.EncodeAlawFrame(clip(s))
}

// MulawDecodeTo expands ulaw into pcm (little-endian int16) and returns the
// number of PCM bytes written. pcm must hold at least 2*len(ulaw) bytes.
func MulawDecodeTo(pcm []byte, ulaw []byte) (int, error) {
	if len(pcm) < 2*len(ulaw) {
		return 0, io.ErrShortBuffer
	}
	n := 0
	for i, j := 0, 0; i < len(ulaw); i, j = i+1, j+2 {
		s := g711.DecodeUlawFrame(ulaw[i])
		pcm[j] = byte(s)
		pcm[j+1] = byte(s >> 8)
		n += 2
	}
	return n, nil
}

// MulawEncodeTo compands pcm (little-endian int16) into ulaw and returns the
// number of μ-law bytes written. A trailing odd byte in pcm is ignored.
func MulawEncodeTo(ulaw []byte, pcm []byte) (int, error) {
	if len(pcm)/2 > len(ulaw) {
		return 0, io.ErrShortBuffer
	}
	n := 0
	for i, j := 0, 0; j <= len(pcm)-2; i, j = i+1, j+2 {
		ulaw[i] = MulawEncode(int16(pcm[j]) | int16(pcm[j+1])<<8)
		n++
	}
	return n, nil
}

// AlawDecodeTo expands alaw into pcm (little-endian int16) and returns the
// number of PCM bytes written. pcm must hold at least 2*len(alaw) bytes.
func AlawDecodeTo(pcm []byte, alaw []byte) (int, error) {
	if len(pcm) < 2*len(alaw) {
		return 0, io.ErrShortBuffer
	}
	n := 0
	for i, j := 0, 0; i < len(alaw); i, j = i+1, j+2 {
		s := g711.DecodeAlawFrame(alaw[i])
		pcm[j] = byte(s)
		pcm[j+1] = byte(s >> 8)
		n += 2
	}
	return n, nil
}

// AlawEncodeTo compands pcm (little-endian int16) into alaw and returns the
// number of A-law bytes written. A trailing odd byte in pcm is ignored.
func AlawEncodeTo(alaw []byte, pcm []byte) (int, error) {
	if len(pcm)/2 > len(alaw) {
		return 0, io.ErrShortBuffer
	}
	n := 0
	for i, j := 0, 0; j <= len(pcm)-2; i, j = i+1, j+2 {
		alaw[i] = AlawEncode(int16(pcm[j]) | int16(pcm[j+1])<<8)
		n++
	}
	return n, nil
}

// MulawToLPCM decodes a μ-law buffer into a freshly allocated PCM buffer.
func MulawToLPCM(ulaw []byte) []byte {
	pcm := make([]byte, 2*len(ulaw))
	MulawDecodeTo(pcm, ulaw)
	return pcm
}

// LPCMToMulaw encodes a PCM buffer into a freshly allocated μ-law buffer.
func LPCMToMulaw(pcm []byte) []byte {
	ulaw := make([]byte, len(pcm)/2)
	MulawEncodeTo(ulaw, pcm)
	return ulaw
}

// AlawToLPCM decodes an A-law buffer into a freshly allocated PCM buffer.
func AlawToLPCM(alaw []byte) []byte {
	pcm := make([]byte, 2*len(alaw))
	AlawDecodeTo(pcm, alaw)
	return pcm
}

// LPCMToAlaw encodes a PCM buffer into a freshly allocated A-law buffer.
func LPCMToAlaw(pcm []byte) []byte {
	alaw := make([]byte, len(pcm)/2)
	AlawEncodeTo(alaw, pcm)
	return alaw
}
