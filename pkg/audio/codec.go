package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedPCM is returned by [PCM16ToFloat] when the byte count does not
// describe a whole number of int16 sample frames.
var ErrMalformedPCM = errors.New("audio: malformed pcm data")

// FloatToPCM16 converts normalised float samples to little-endian int16 PCM.
// Each sample is multiplied by 32768 and truncated toward zero. Input is not
// clamped: samples outside [-1, 1) wrap, so callers that cannot guarantee the
// range must clamp first.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(int32(s * 32768))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat converts interleaved little-endian int16 PCM into one float32
// slice per channel, dividing each sample by 32768.
func PCM16ToFloat(data []byte, channels int) ([][]float32, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio: pcm16 to float: invalid channel count %d", channels)
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %d channel(s)", ErrMalformedPCM, len(data), channels)
	}

	frames := len(data) / (2 * channels)
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := range frames {
		for ch := range channels {
			off := (i*channels + ch) * 2
			out[ch][i] = float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768.0
		}
	}
	return out, nil
}

// BinaryToText encodes b with the standard padded base64 alphabet.
func BinaryToText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// TextToBinary decodes standard padded base64. It is the exact inverse of
// [BinaryToText].
func TextToBinary(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// EncodeFrame converts one captured frame into its wire form.
func EncodeFrame(samples []float32, mime string) EncodedFrame {
	return EncodedFrame{Data: BinaryToText(FloatToPCM16(samples)), MIMEType: mime}
}

// DecodeFrame turns an inbound payload into a playable buffer. The sample rate
// is read from the MIME type and falls back to fallbackRate when absent.
func DecodeFrame(f EncodedFrame, channels, fallbackRate int) (*Buffer, error) {
	raw, err := TextToBinary(f.Data)
	if err != nil {
		return nil, err
	}
	samples, err := PCM16ToFloat(raw, channels)
	if err != nil {
		return nil, err
	}
	rate, ok := ParsePCMMIME(f.MIMEType)
	if !ok {
		rate = fallbackRate
	}
	return &Buffer{Channels: samples, SampleRate: rate}, nil
}

// PCMMIME returns the MIME type for raw 16-bit PCM at rate.
func PCMMIME(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMMIME extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". ok is false when no positive rate is declared.
func ParsePCMMIME(mime string) (rate int, ok bool) {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, found := strings.Cut(strings.TrimSpace(param), "=")
		if !found || !strings.EqualFold(k, "rate") {
			continue
		}
		r, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || r <= 0 {
			return 0, false
		}
		return r, true
	}
	return 0, false
}
