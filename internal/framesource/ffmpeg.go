package framesource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"descaleverify/internal/plane"
)

func init() {
	Register("ffmpeg", openFFmpeg)
}

// probeResult is the subset of `ffprobe -of json` output we read.
type probeResult struct {
	Streams []struct {
		CodecName     string `json:"codec_name"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		NbReadPackets string `json:"nb_read_packets"`
		NbFrames      string `json:"nb_frames"`
	} `json:"streams"`
}

func parseProbe(out []byte) (Info, error) {
	var pr probeResult
	if err := json.Unmarshal(out, &pr); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(pr.Streams) == 0 {
		return Info{}, errors.New("no video stream")
	}
	s := pr.Streams[0]
	frames := 0
	for _, v := range []string{s.NbReadPackets, s.NbFrames} {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			frames = n
			break
		}
	}
	return Info{Width: s.Width, Height: s.Height, Frames: frames, Depth: 16, Codec: s.CodecName}, nil
}

// ffmpegDecoder streams gray16le frames out of an ffmpeg subprocess. The
// stride is pushed into the select filter so only requested frames cross the
// pipe; a request that does not continue the stream restarts it.
type ffmpegDecoder struct {
	ctx    context.Context
	path   string
	bin    string
	stride int
	info   Info

	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
	stderr *bytes.Buffer
	next   int // original index the stream will deliver next, -1 when stopped
	buf    []byte
}

func openFFmpeg(ctx context.Context, path string, opts Options) (Decoder, error) {
	probe := opts.FFprobePath
	if probe == "" {
		probe = "ffprobe"
	}
	bin := opts.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	cmd := exec.CommandContext(ctx, probe,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=codec_name,width,height,nb_read_packets,nb_frames",
		"-of", "json",
		path,
	)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: ffprobe %s: %v: %s", ErrSourceUnavailable, path, err, strings.TrimSpace(errOut.String()))
	}
	info, err := parseProbe(out.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}

	stride := opts.Stride
	if stride < 1 {
		stride = 1
	}
	return &ffmpegDecoder{
		ctx:    ctx,
		path:   path,
		bin:    bin,
		stride: stride,
		info:   info,
		next:   -1,
		buf:    make([]byte, info.Width*info.Height*2),
	}, nil
}

func (d *ffmpegDecoder) Info() Info { return d.info }

func selectFilter(start, stride int) string {
	if stride == 1 {
		return fmt.Sprintf("select=gte(n\\,%d)", start)
	}
	return fmt.Sprintf("select=gte(n\\,%d)*not(mod(n-%d\\,%d))", start, start, stride)
}

// lumaFilter selects the requested frames and takes the Y plane as stored.
// Converting to gray16le directly would make swscale expand limited-range
// luma to full range; gray to gray16le only widens the samples.
func lumaFilter(start, stride int) string {
	return selectFilter(start, stride) + ",extractplanes=y,format=gray16le"
}

func (d *ffmpegDecoder) start(from int) error {
	d.stop()
	cmd := exec.CommandContext(d.ctx, d.bin,
		"-v", "error",
		"-nostdin",
		"-i", d.path,
		"-map", "0:v:0",
		"-vf", lumaFilter(from, d.stride),
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", "gray16le",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	d.stderr = &bytes.Buffer{}
	cmd.Stderr = d.stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	d.cmd = cmd
	d.stdout = stdout
	d.reader = bufio.NewReaderSize(stdout, len(d.buf))
	d.next = from
	return nil
}

func (d *ffmpegDecoder) stop() {
	if d.cmd == nil {
		return
	}
	d.stdout.Close()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.cmd.Wait()
	d.cmd = nil
	d.stdout = nil
	d.reader = nil
	d.next = -1
}

func (d *ffmpegDecoder) Frame(n int) (plane.Plane, error) {
	if n < 0 || n >= d.info.Frames {
		return plane.Plane{}, fmt.Errorf("%w: frame %d of %d", ErrOutOfRange, n, d.info.Frames)
	}
	if d.cmd == nil || n != d.next {
		if err := d.start(n); err != nil {
			return plane.Plane{}, fmt.Errorf("%w: start ffmpeg: %v", ErrFrameDecode, err)
		}
	}
	if _, err := io.ReadFull(d.reader, d.buf); err != nil {
		msg := strings.TrimSpace(d.stderr.String())
		d.stop()
		return plane.Plane{}, fmt.Errorf("%w: frame %d: %v %s", ErrFrameDecode, n, err, msg)
	}
	d.next = n + d.stride

	samples := make([]uint16, d.info.Width*d.info.Height)
	for i := range samples {
		samples[i] = binary.LittleEndian.Uint16(d.buf[2*i:])
	}
	return plane.FromUint16(d.info.Width, d.info.Height, d.info.Depth, samples)
}

func (d *ffmpegDecoder) Close() error {
	d.stop()
	return nil
}
