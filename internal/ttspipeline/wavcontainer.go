package ttspipeline

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// growableWriterAt is the io.WriteSeeker wav.Encoder needs: it seeks back to
// patch the RIFF/data chunk sizes once the full sample count is known, then
// resumes writing further on. It owns its backing slice directly rather than
// wrapping bytes.Buffer, since a Buffer's own write head can't be rewound.
type growableWriterAt struct {
	data []byte
	pos  int64
}

func (w *growableWriterAt) Write(p []byte) (int, error) {
	end := w.pos + int64(len(p))
	if end > int64(len(w.data)) {
		grown := make([]byte, end)
		copy(grown, w.data)
		w.data = grown
	}
	copy(w.data[w.pos:end], p)
	w.pos = end
	return len(p), nil
}

func (w *growableWriterAt) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = w.pos + offset
	case io.SeekEnd:
		target = int64(len(w.data)) + offset
	default:
		return 0, fmt.Errorf("ttspipeline: unsupported seek whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("ttspipeline: seek to negative offset %d", target)
	}
	w.pos = target
	return target, nil
}

// WrapPCM16AsWAV wraps raw little-endian 16-bit mono PCM in a RIFF/WAV
// container, used for the REST /speak response when audio_format=wav (spec
// §6.2). WebSocket session audio frames are sent unwrapped.
func WrapPCM16AsWAV(pcm []byte, sampleRate int) ([]byte, error) {
	dst := &growableWriterAt{}
	enc := wav.NewEncoder(dst, sampleRate, 16, 1, 1)

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		lo, hi := pcm[2*i], pcm[2*i+1]
		samples[i] = int(int16(uint16(lo) | uint16(hi)<<8))
	}
	intBuf := &goaudio.IntBuffer{
		Data:           samples,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}
	if err := enc.Write(intBuf); err != nil {
		return nil, fmt.Errorf("ttspipeline: wav encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("ttspipeline: wav close: %w", err)
	}
	return dst.data, nil
}
