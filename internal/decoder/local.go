package decoder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/bnelair/brainmaze-mef3-server/pkg/errors"
)

// recordingManifest is the sidecar metadata.json a recording directory must
// carry: channel names, sample rates, and the recording's time range. Actual
// MEF3 containers encode this in their own binary headers; this adapter
// targets a simplified on-disk layout since the reference MEF3 decoder
// library is not available to this module, giving the rest of the system a
// real, buildable decoder counterpart rather than a stub.
type recordingManifest struct {
	Channels []struct {
		Name       string  `json:"name"`
		SampleRate float64 `json:"sample_rate"`
	} `json:"channels"`
	StartUs int64 `json:"start_us"`
	EndUs   int64 `json:"end_us"`
}

// LocalDirectoryAdapter decodes recordings laid out as a directory holding
// a metadata.json manifest plus one little-endian float64 raw file per
// channel, sampled at that channel's declared rate starting at StartUs.
type LocalDirectoryAdapter struct{}

// NewLocalDirectoryAdapter constructs the default, real Adapter implementation.
func NewLocalDirectoryAdapter() *LocalDirectoryAdapter {
	return &LocalDirectoryAdapter{}
}

func (a *LocalDirectoryAdapter) Open(ctx context.Context, path string) (Metadata, Handle, error) {
	manifestPath := filepath.Join(path, "metadata.json")
	data, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return Metadata{}, nil, classify(errors.CodeNotFound, "decoder", "Open",
			fmt.Sprintf("recording not found at %s", path), err)
	}
	if err != nil {
		return Metadata{}, nil, classify(errors.CodeIO, "decoder", "Open",
			"failed to read recording manifest", err)
	}

	var manifest recordingManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Metadata{}, nil, classify(errors.CodeCorrupt, "decoder", "Open",
			"malformed recording manifest", err)
	}
	if len(manifest.Channels) == 0 {
		return Metadata{}, nil, classify(errors.CodeCorrupt, "decoder", "Open",
			"recording manifest declares no channels", nil)
	}
	if manifest.EndUs <= manifest.StartUs {
		return Metadata{}, nil, classify(errors.CodeCorrupt, "decoder", "Open",
			"recording manifest has non-positive duration", nil)
	}

	meta := Metadata{StartUs: manifest.StartUs, EndUs: manifest.EndUs}
	for _, c := range manifest.Channels {
		if c.SampleRate <= 0 {
			return Metadata{}, nil, classify(errors.CodeCorrupt, "decoder", "Open",
				fmt.Sprintf("channel %q has non-positive sample rate", c.Name), nil)
		}
		meta.Channels = append(meta.Channels, ChannelMetadata{Name: c.Name, SampleRate: c.SampleRate})
	}

	inner := &localHandle{dir: path, meta: meta}
	return meta, &serializedHandle{inner: inner}, nil
}

// localHandle reads one raw little-endian float64 file per channel, named
// "<channel>.raw", from the recording directory.
type localHandle struct {
	dir  string
	meta Metadata
}

func (h *localHandle) Read(ctx context.Context, channels []string, t0Us, t1Us int64) (Matrix, error) {
	if t1Us <= t0Us {
		return Matrix{}, classify(errors.CodeInvalidArgument, "decoder", "Read",
			"t1_us must be greater than t0_us", nil)
	}

	out := Matrix{Rows: make([][]float64, len(channels))}
	for i, name := range channels {
		rate := h.meta.SampleRate(name)
		if rate == 0 {
			return Matrix{}, classify(errors.CodeInvalidChannel, "decoder", "Read",
				fmt.Sprintf("unknown channel %q", name), nil)
		}

		samples, err := h.readChannel(name, rate, t0Us, t1Us)
		if err != nil {
			return Matrix{}, err
		}
		out.Rows[i] = samples
		if out.Columns == 0 {
			out.Columns = len(samples)
		}
	}
	return out, nil
}

func (h *localHandle) readChannel(name string, rate float64, t0Us, t1Us int64) ([]float64, error) {
	path := filepath.Join(h.dir, name+".raw")
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(errors.CodeIO, "decoder", "Read",
			fmt.Sprintf("failed to open channel data for %q", name), err)
	}
	defer f.Close()

	startOffsetUs := t0Us - h.meta.StartUs
	firstSample := int64(math.Floor(float64(startOffsetUs) * rate / 1_000_000))
	durationUs := t1Us - t0Us
	count := int64(math.Ceil(float64(durationUs) * rate / 1_000_000))
	if firstSample < 0 || count <= 0 {
		return nil, classify(errors.CodeOutOfRange, "decoder", "Read",
			fmt.Sprintf("time range out of bounds for channel %q", name), nil)
	}

	const sampleSize = 8
	buf := make([]byte, count*sampleSize)
	n, err := f.ReadAt(buf, firstSample*sampleSize)
	if err != nil && n == 0 {
		return nil, classify(errors.CodeIO, "decoder", "Read",
			fmt.Sprintf("failed to read channel data for %q", name), err)
	}

	samples := make([]float64, n/sampleSize)
	for i := range samples {
		bits := binary.LittleEndian.Uint64(buf[i*sampleSize : (i+1)*sampleSize])
		samples[i] = math.Float64frombits(bits)
	}
	return samples, nil
}

func (h *localHandle) Close() error {
	return nil
}
