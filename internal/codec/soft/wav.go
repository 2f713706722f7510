package soft

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox-streamer/internal/streamer"
)

const wavFormatPCM = 1

// WAVInfo is the PCM layout of a WAV file and where its samples are.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataOffset    int64
	DataSize      int64
}

// ReadWAVInfo walks the RIFF chunks of r up to the data chunk.
func ReadWAVInfo(r io.ReadSeeker) (WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAVInfo{}, errors.Wrap(err, "read RIFF header")
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("not a RIFF/WAVE file")
	}

	var info WAVInfo
	var haveFmt bool
	offset := int64(12)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return WAVInfo{}, errors.Wrap(err, "missing data chunk")
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		offset += 8

		switch id {
		case "fmt ":
			if size < 16 {
				return WAVInfo{}, errors.Errorf("fmt chunk too short: %d bytes", size)
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return WAVInfo{}, errors.Wrap(err, "read fmt chunk")
			}
			if f := binary.LittleEndian.Uint16(fmtChunk[0:2]); f != wavFormatPCM {
				return WAVInfo{}, errors.Errorf("unsupported audio format %d, only PCM is supported", f)
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			haveFmt = true
			if _, err := r.Seek(size-16+size%2, io.SeekCurrent); err != nil {
				return WAVInfo{}, err
			}
		case "data":
			if !haveFmt {
				return WAVInfo{}, errors.New("data chunk before fmt chunk")
			}
			info.DataOffset = offset
			info.DataSize = size
			return info, nil
		default:
			// Chunks are word aligned.
			if _, err := r.Seek(size+size%2, io.SeekCurrent); err != nil {
				return WAVInfo{}, err
			}
		}
		offset += size + size%2
	}
}

// WAVDriver opens capture devices that play a 16-bit PCM WAV file in real
// time. The file must match the requested rate and channel count.
type WAVDriver struct {
	Path string
	// Loop restarts the file at its end. Otherwise reading past the end
	// fails the capture.
	Loop bool
}

func (w WAVDriver) MinBufferSize(params streamer.CaptureParams) (int, error) {
	return minBufferSize(params)
}

func (w WAVDriver) Open(params streamer.CaptureParams, bufferSize int) (streamer.CaptureDevice, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	f, err := os.Open(w.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open WAV file")
	}
	info, err := ReadWAVInfo(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "parse %s", w.Path)
	}
	if info.BitsPerSample != 16 || info.SampleRate != params.SampleRate || info.Channels != params.ChannelCount {
		f.Close()
		return nil, errors.Errorf("%s is %d Hz, %d channels, %d bit; capture needs %d Hz, %d channels, 16 bit",
			w.Path, info.SampleRate, info.Channels, info.BitsPerSample, params.SampleRate, params.ChannelCount)
	}
	if info.DataSize < int64(params.FrameBytes()) {
		f.Close()
		return nil, errors.Errorf("%s has no audio data", w.Path)
	}
	return &wavDevice{
		device: device{params: params},
		file:   f,
		info:   info,
		loop:   w.Loop,
		data:   io.NewSectionReader(f, info.DataOffset, info.DataSize),
	}, nil
}

type wavDevice struct {
	device
	file *os.File
	info WAVInfo
	loop bool
	data *io.SectionReader
}

func (d *wavDevice) Read(p []byte) (int, error) {
	frames, err := d.frames(p)
	if err != nil {
		return 0, err
	}
	want := frames * d.params.FrameBytes()
	n, err := io.ReadFull(d.data, p[:want])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if !d.loop {
			if n == 0 {
				return 0, io.EOF
			}
			err = nil
		} else {
			if _, serr := d.data.Seek(0, io.SeekStart); serr != nil {
				return 0, serr
			}
			m, rerr := io.ReadFull(d.data, p[n:want])
			if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
				return 0, rerr
			}
			n += m
			err = nil
		}
	}
	if err != nil {
		return 0, err
	}
	n -= n % d.params.FrameBytes()
	d.pace.wait(n / d.params.FrameBytes())
	return n, nil
}

func (d *wavDevice) Release() error {
	d.mu.Lock()
	released := d.released
	d.mu.Unlock()
	if released {
		return nil
	}
	_ = d.device.Release()
	return d.file.Close()
}
