package audio

import (
	"encoding/binary"
	"fmt"
)

// Telephony audio constants (G.711 PCMU, 8kHz mono)
const (
	TelephonySampleRate = 8000
	FrameDurationMs     = 20

	// FrameSamples is the number of samples (and μ-law bytes) in one 20ms frame
	FrameSamples = TelephonySampleRate * FrameDurationMs / 1000

	// PCMFrameBytes is the size of one decoded frame in PCM16LE
	PCMFrameBytes = FrameSamples * 2
)

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// DecodeMulaw converts G.711 PCMU (μ-law) bytes to little-endian 16-bit PCM.
// The output is always twice the length of the input.
func DecodeMulaw(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(mulawToLinear(b)))
	}
	return pcm
}

// EncodeMulaw converts little-endian 16-bit PCM to G.711 PCMU (μ-law).
func EncodeMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMulaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

// ConvertPCMToPCMU converts linear PCM audio to G.711 PCMU (μ-law) format,
// resampling to outputSampleRate first when the rates differ.
// Input: PCM audio data (16-bit signed integers, little-endian)
func ConvertPCMToPCMU(pcmData []byte, inputSampleRate, outputSampleRate int) ([]byte, error) {
	if len(pcmData) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	if inputSampleRate <= 0 || outputSampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d -> %d", inputSampleRate, outputSampleRate)
	}

	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
	}

	if inputSampleRate != outputSampleRate {
		samples = resample(samples, inputSampleRate, outputSampleRate)
	}

	pcmuData := make([]byte, len(samples))
	for i, sample := range samples {
		pcmuData[i] = linearToMulaw(sample)
	}
	return pcmuData, nil
}

// resample performs linear interpolation resampling. The output length is
// len(samples)*outputRate/inputRate so fixed-size input blocks always map to
// fixed-size output frames.
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	outputLength := len(samples) * outputRate / inputRate
	output := make([]int16, outputLength)
	step := float64(inputRate) / float64(outputRate)

	for i := range output {
		srcPos := float64(i) * step
		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}
		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}
	return output
}

// linearToMulaw converts a 16-bit linear PCM sample to 8-bit μ-law (ITU-T G.711)
func linearToMulaw(sample int16) byte {
	magnitude := int32(sample)
	var sign byte
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	// Segment is the position of the highest set bit above bit 7
	var segment byte = 7
	for mask := int32(0x4000); segment > 0 && magnitude&mask == 0; mask >>= 1 {
		segment--
	}

	mantissa := byte(magnitude>>(segment+3)) & 0x0F
	return ^(sign | segment<<4 | mantissa)
}

// mulawToLinear converts an 8-bit μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := (mulawByte >> 4) & 0x07
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa << 3) + mulawBias) << segment
	magnitude -= mulawBias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
