package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Normalized waveform contract: mono, 16-bit linear PCM, 48 kHz.
const (
	NormalizedChannels    = 1
	NormalizedSampleWidth = 2 // bytes
	NormalizedSampleRate  = 48000
)

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE
)

// ErrInvalidWAV is returned for files that are not readable RIFF/WAVE PCM.
var ErrInvalidWAV = errors.New("invalid WAV file")

// ErrNotNormalized is returned for valid WAV files that do not match the
// normalized contract.
var ErrNotNormalized = errors.New("WAV file is not normalized")

// Format describes a WAV file's PCM layout and where its samples live.
type Format struct {
	Channels    int
	SampleWidth int // bytes per sample per channel
	SampleRate  int
	DataOffset  int64
	DataSize    int64
}

// BytesPerSecond returns the PCM byte rate.
func (f Format) BytesPerSecond() int64 {
	return int64(f.SampleRate) * int64(f.Channels) * int64(f.SampleWidth)
}

// Duration returns the playback length of the data chunk.
func (f Format) Duration() time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(f.DataSize) * time.Second / time.Duration(bps)
}

// IsNormalized reports whether f matches the normalized contract.
func (f Format) IsNormalized() bool {
	return f.Channels == NormalizedChannels &&
		f.SampleWidth == NormalizedSampleWidth &&
		f.SampleRate == NormalizedSampleRate
}

// ReadFormat parses the RIFF chunk list of the WAV file at path.
func ReadFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Format{}, err
	}
	return parseFormat(f, info.Size())
}

// CheckNormalized verifies that path exists and matches the normalized
// contract on read-back. A malformed file is reported the same as a
// missing one: not a usable waveform.
func CheckNormalized(path string) (Format, error) {
	format, err := ReadFormat(path)
	if err != nil {
		return Format{}, err
	}
	if !format.IsNormalized() {
		return Format{}, fmt.Errorf("%w: channels=%d sampleWidth=%d sampleRate=%d",
			ErrNotNormalized, format.Channels, format.SampleWidth, format.SampleRate)
	}
	return format, nil
}

func parseFormat(r io.ReadSeeker, fileSize int64) (Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, fmt.Errorf("%w: short header", ErrInvalidWAV)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		format  Format
		haveFmt bool
		pos     int64 = 12
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Format{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
		}
		pos += 8
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrInvalidWAV, size)
			}
			var body [16]byte
			if _, err := io.ReadFull(r, body[:]); err != nil {
				return Format{}, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidWAV)
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			if audioFormat != formatPCM && audioFormat != formatExtensible {
				return Format{}, fmt.Errorf("%w: unsupported audio format %d", ErrInvalidWAV, audioFormat)
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			format.SampleWidth = int(binary.LittleEndian.Uint16(body[14:16])) / 8
			haveFmt = true
			if err := skip(r, size-16+size%2); err != nil {
				return Format{}, err
			}
		case "data":
			if !haveFmt {
				return Format{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			format.DataOffset = pos
			available := fileSize - pos
			// Streamed writers leave the size unset or oversized.
			if size == 0 || size == 0xFFFFFFFF || size > available {
				size = available
			}
			format.DataSize = size
			return format, nil
		default:
			if err := skip(r, size+size%2); err != nil {
				return Format{}, err
			}
		}
		pos += size + size%2
	}
}

func skip(r io.Seeker, n int64) error {
	if n == 0 {
		return nil
	}
	if _, err := r.Seek(n, io.SeekCurrent); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	return nil
}

// Waveform is an open normalized WAV file read window by window.
type Waveform struct {
	file   *os.File
	format Format
	data   *io.SectionReader
}

// Open opens a normalized waveform for windowed reads.
func Open(path string) (*Waveform, error) {
	format, err := CheckNormalized(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Waveform{
		file:   f,
		format: format,
		data:   io.NewSectionReader(f, format.DataOffset, format.DataSize),
	}, nil
}

// Format returns the parsed WAV layout.
func (w *Waveform) Format() Format { return w.format }

// Duration returns the playback length.
func (w *Waveform) Duration() time.Duration { return w.format.Duration() }

// windowBytes is the block-aligned byte length of one window.
func (w *Waveform) windowBytes(window time.Duration) int64 {
	block := int64(w.format.Channels * w.format.SampleWidth)
	n := w.format.BytesPerSecond() * int64(window) / int64(time.Second)
	return n - n%block
}

// WindowCount returns how many windows of the given length start before
// budget and hold audio. A budget that is not a multiple of window gets a
// final partial window.
func (w *Waveform) WindowCount(window, budget time.Duration) int {
	size := w.windowBytes(window)
	if size <= 0 || budget <= 0 {
		return 0
	}
	n := int((w.format.DataSize + size - 1) / size)
	if limit := int((budget + window - 1) / window); n > limit {
		n = limit
	}
	return n
}

// ReadWindow returns the PCM bytes of window i. The window is cut short at
// the end of the data and at budget, so bytes past budget are never read.
func (w *Waveform) ReadWindow(i int, window, budget time.Duration) ([]byte, error) {
	size := w.windowBytes(window)
	off := int64(i) * size
	end := w.format.DataSize
	if limit := w.windowBytes(budget); limit < end {
		end = limit
	}
	if off >= end {
		return nil, io.EOF
	}
	if remaining := end - off; remaining < size {
		size = remaining
	}
	buf := make([]byte, size)
	n, err := w.data.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read window %d: %w", i, err)
	}
	return buf[:n], nil
}

// Close closes the underlying file.
func (w *Waveform) Close() error {
	return w.file.Close()
}

// EncodeWAV encodes 16-bit mono samples into a canonical 44-byte-header WAV.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	return EncodePCM(samples, sampleRate, 1)
}

// EncodePCM encodes interleaved 16-bit samples with the given channel count.
func EncodePCM(samples []int16, sampleRate, channels int) []byte {
	dataSize := uint32(len(samples) * 2)
	buf := make([]byte, 44+len(samples)*2)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(s))
	}
	return buf
}
