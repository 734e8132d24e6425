// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusClockRate  = 48000
	videoClockRate = 90000

	defaultVideoFrameDuration = time.Second / 30
)

var opusTagsSignature = []byte("OpusTags")

// FileSampleProvider plays an IVF (VP8/VP9/AV1) or Ogg (Opus) file, optionally
// starting over when it reaches the end.
type FileSampleProvider struct {
	Mime string
	Loop bool

	file io.ReadSeekCloser

	// for vp8/vp9/av1
	ivfReader     *ivfreader.IVFReader
	ivfNum        uint64
	ivfDen        uint64
	lastTimestamp uint64

	// for ogg
	oggReader   *oggreader.OggReader
	lastGranule uint64
}

type FileSampleProviderOption func(*FileSampleProvider)

func FileWithLoop(loop bool) FileSampleProviderOption {
	return func(p *FileSampleProvider) {
		p.Loop = loop
	}
}

// NewFileSampleProvider opens path and detects the codec from its extension
// and, for IVF, the header's FourCC.
func NewFileSampleProvider(path string, opts ...FileSampleProviderOption) (*FileSampleProvider, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	p := &FileSampleProvider{
		file: fp,
		Loop: true,
	}
	for _, opt := range opts {
		opt(p)
	}

	switch filepath.Ext(path) {
	case ".ivf":
		buf := make([]byte, 4)
		if _, err = fp.ReadAt(buf, 8); err != nil {
			_ = fp.Close()
			return nil, err
		}
		switch {
		case string(buf[:3]) == "VP8":
			p.Mime = webrtc.MimeTypeVP8
		case string(buf[:3]) == "VP9":
			p.Mime = webrtc.MimeTypeVP9
		case string(buf) == "AV01":
			p.Mime = webrtc.MimeTypeAV1
		default:
			_ = fp.Close()
			return nil, ErrUnsupportedFormat
		}
	case ".ogg", ".opus":
		p.Mime = webrtc.MimeTypeOpus
	default:
		_ = fp.Close()
		return nil, ErrUnsupportedFormat
	}

	if err = p.rewind(); err != nil {
		_ = fp.Close()
		return nil, err
	}
	return p, nil
}

// FileProviderFactory returns a factory that opens path on every acquisition.
func FileProviderFactory(path string, opts ...FileSampleProviderOption) SampleProviderFactory {
	return func() (SampleProvider, error) {
		return NewFileSampleProvider(path, opts...)
	}
}

func (p *FileSampleProvider) Codec() webrtc.RTPCodecCapability {
	if p.Mime == webrtc.MimeTypeOpus {
		return webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: opusClockRate,
			Channels:  2,
		}
	}
	return webrtc.RTPCodecCapability{
		MimeType:  p.Mime,
		ClockRate: videoClockRate,
	}
}

func (p *FileSampleProvider) rewind() error {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var err error
	switch p.Mime {
	case webrtc.MimeTypeOpus:
		p.oggReader, _, err = oggreader.NewWith(p.file)
		p.lastGranule = 0
	default:
		var ivfHeader *ivfreader.IVFFileHeader
		p.ivfReader, ivfHeader, err = ivfreader.NewWith(p.file)
		p.ivfNum, p.ivfDen = 0, 0
		if err == nil {
			p.ivfNum = uint64(ivfHeader.TimebaseNumerator)
			p.ivfDen = uint64(ivfHeader.TimebaseDenominator)
		}
		p.lastTimestamp = 0
	}
	return err
}

func (p *FileSampleProvider) NextSample(ctx context.Context) (media.Sample, error) {
	if err := ctx.Err(); err != nil {
		return media.Sample{}, err
	}

	sample, err := p.readSample()
	if errors.Is(err, io.EOF) && p.Loop {
		if err = p.rewind(); err != nil {
			return media.Sample{}, err
		}
		sample, err = p.readSample()
	}
	return sample, err
}

func (p *FileSampleProvider) readSample() (media.Sample, error) {
	sample := media.Sample{}

	if p.Mime != webrtc.MimeTypeOpus {
		frame, header, err := p.ivfReader.ParseNextFrame()
		if err != nil {
			return sample, err
		}
		sample.Data = frame
		sample.Duration = p.ivfDuration(header.Timestamp - p.lastTimestamp)
		if sample.Duration <= 0 {
			sample.Duration = defaultVideoFrameDuration
		}
		p.lastTimestamp = header.Timestamp
		return sample, nil
	}

	for {
		page, header, err := p.oggReader.ParseNextPage()
		if err != nil {
			return sample, err
		}
		// comment header carries no audio
		if bytes.HasPrefix(page, opusTagsSignature) {
			continue
		}

		samples := header.GranulePosition - p.lastGranule
		p.lastGranule = header.GranulePosition
		sample.Data = page
		sample.Duration = time.Duration(samples) * time.Second / opusClockRate
		return sample, nil
	}
}

// ivfDuration converts a reader timestamp delta into wall time. The reader
// reports pts*den/num, so the timebase is applied once to get back to pts and
// once more to get seconds.
func (p *FileSampleProvider) ivfDuration(delta uint64) time.Duration {
	if p.ivfDen == 0 {
		return 0
	}
	return time.Duration(delta*p.ivfNum*p.ivfNum) * time.Second / time.Duration(p.ivfDen*p.ivfDen)
}

func (p *FileSampleProvider) Close() error {
	return p.file.Close()
}
