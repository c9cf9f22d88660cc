package registry

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// runTool executes an external converter binary. A missing binary or a
// non-zero exit is permanent (the input or the deployment is wrong); a
// context timeout, cancellation, or a signal-killed process (OOM killer,
// resource pressure) is transient.
func runTool(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return nil, Transient(fmt.Errorf("%s interrupted: %w", name, ctx.Err()))
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, Permanent(fmt.Errorf("%s not installed: %w", name, err))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
		return nil, Transient(fmt.Errorf("%s killed: %v", name, err))
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}
	return nil, Permanent(fmt.Errorf("%s failed: %s", name, msg))
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType     string `json:"codec_type"`
		CodecName     string `json:"codec_name"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		Duration      string `json:"duration"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		BitRate       string `json:"bit_rate"`
		PixFmt        string `json:"pix_fmt"`
		SampleRate    string `json:"sample_rate"`
		ChannelLayout string `json:"channel_layout"`
	} `json:"streams"`
}

// HandleVideoMetadata probes stream metadata with ffprobe.
func HandleVideoMetadata(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}

	raw, err := runTool(ctx, "ffprobe", "-v", "quiet", "-print_format", "json", "-show_streams", path)
	if err != nil {
		return Output{}, err
	}
	var probe ffprobeOutput
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Output{}, Permanent(fmt.Errorf("parse ffprobe output: %w", err))
	}

	meta := map[string]string{}
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			meta["video_codec"] = stream.CodecName
			meta["width"] = strconv.Itoa(stream.Width)
			meta["height"] = strconv.Itoa(stream.Height)
			meta["duration"] = stream.Duration
			meta["pix_fmt"] = stream.PixFmt
			meta["bit_rate"] = stream.BitRate
			if fps := parseFrameRate(stream.AvgFrameRate); fps > 0 {
				meta["fps"] = strconv.FormatFloat(fps, 'f', 3, 64)
			}
		case "audio":
			meta["audio_codec"] = stream.CodecName
			meta["sample_rate"] = stream.SampleRate
			meta["channel_layout"] = stream.ChannelLayout
		}
	}
	if len(meta) == 0 {
		return Output{}, Permanent(errors.New("no media streams found"))
	}
	if info, err := os.Stat(path); err == nil {
		meta["size"] = strconv.FormatInt(info.Size(), 10)
	}
	return Output{Metadata: meta}, nil
}

func parseFrameRate(rate string) float64 {
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

type transcodeParams struct {
	Container  string `json:"container"`
	VideoCodec string `json:"video_codec"`
	AudioCodec string `json:"audio_codec"`
}

// HandleVideoTranscode re-encodes a video into the requested container.
func HandleVideoTranscode(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}
	params := transcodeParams{Container: "mp4", VideoCodec: "h264", AudioCodec: "libopus"}
	if err := decodeParams(in.Params, &params); err != nil {
		return Output{}, Permanent(err)
	}

	outPath := filepath.Join(in.WorkDir, "out."+params.Container)
	_, err = runTool(ctx, "ffmpeg",
		"-i", path,
		"-codec:v", params.VideoCodec,
		"-codec:a", params.AudioCodec,
		"-y", outPath,
	)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Paths:    []string{outPath},
		Metadata: map[string]string{"container": params.Container},
	}, nil
}

type spriteParams struct {
	Interval int `json:"interval"`
	Width    int `json:"width"`
	Height   int `json:"height"`
	Count    int `json:"count"`
}

// HandleVideoSprite extracts preview frames at a fixed interval.
func HandleVideoSprite(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}
	params := spriteParams{Interval: 5, Width: -1, Height: -1}
	if err := decodeParams(in.Params, &params); err != nil {
		return Output{}, Permanent(err)
	}
	if params.Interval <= 0 {
		params.Interval = 5
	}

	filter := fmt.Sprintf("select='isnan(prev_selected_t)+gte(t-prev_selected_t\\,%d)',scale=%d:%d",
		params.Interval, params.Width, params.Height)
	args := []string{"-i", path, "-vf", filter, "-fps_mode", "passthrough"}
	if params.Count > 0 {
		args = append(args, "-vframes", strconv.Itoa(params.Count))
	}
	pattern := filepath.Join(in.WorkDir, "frame_%03d.png")
	args = append(args, "-y", pattern)

	if _, err := runTool(ctx, "ffmpeg", args...); err != nil {
		return Output{}, err
	}

	frames, err := filepath.Glob(filepath.Join(in.WorkDir, "frame_*.png"))
	if err != nil || len(frames) == 0 {
		return Output{}, Permanent(errors.New("no frames produced"))
	}
	sort.Strings(frames)
	return Output{
		Paths:    frames,
		Metadata: map[string]string{"frames": strconv.Itoa(len(frames))},
	}, nil
}

type waveformParams struct {
	NumSamples int `json:"num_samples"`
}

// HandleAudioWaveform decodes audio to mono PCM and reports normalized
// peak amplitudes, suitable for rendering a waveform.
func HandleAudioWaveform(ctx context.Context, in Input) (Output, error) {
	path, err := singleInput(in)
	if err != nil {
		return Output{}, err
	}
	params := waveformParams{NumSamples: 100}
	if err := decodeParams(in.Params, &params); err != nil {
		return Output{}, Permanent(err)
	}
	if params.NumSamples <= 0 {
		params.NumSamples = 100
	}

	pcm, err := runTool(ctx, "ffmpeg",
		"-i", path,
		"-ac", "1",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-",
	)
	if err != nil {
		return Output{}, err
	}
	peaks, err := waveformPeaks(pcm, params.NumSamples)
	if err != nil {
		return Output{}, Permanent(err)
	}

	encoded, err := json.Marshal(peaks)
	if err != nil {
		return Output{}, Permanent(fmt.Errorf("marshal waveform: %w", err))
	}
	return Output{Metadata: map[string]string{"waveform": string(encoded)}}, nil
}

func waveformPeaks(pcm []byte, numSamples int) ([]float64, error) {
	if len(pcm) < 2 {
		return nil, errors.New("no audio samples")
	}
	sampleCount := len(pcm) / 2
	step := (sampleCount + numSamples - 1) / numSamples

	peaks := make([]float64, numSamples)
	var max float64
	for i := 0; i < sampleCount; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		abs := float64(v)
		if abs < 0 {
			abs = -abs
		}
		idx := i / step
		if idx >= numSamples {
			idx = numSamples - 1
		}
		if abs > peaks[idx] {
			peaks[idx] = abs
		}
		if abs > max {
			max = abs
		}
	}
	if max > 0 {
		for i := range peaks {
			peaks[i] /= max
		}
	}
	return peaks, nil
}
