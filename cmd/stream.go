package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/gbox-streamer/config"
	"github.com/babelcloud/gbox-streamer/internal/codec/soft"
	"github.com/babelcloud/gbox-streamer/internal/sink"
	"github.com/babelcloud/gbox-streamer/internal/sink/flv"
	"github.com/babelcloud/gbox-streamer/internal/sink/fmp4"
	"github.com/babelcloud/gbox-streamer/internal/sink/mkv"
	"github.com/babelcloud/gbox-streamer/internal/streamer"
	"github.com/babelcloud/gbox-streamer/internal/util"
)

var sinkFormats = map[string]sink.Format{
	flv.Format.Name:  flv.Format,
	fmp4.Format.Name: fmp4.Format,
	mkv.Format.Name:  mkv.Format,
}

func formatNames() []string {
	names := make([]string, 0, len(sinkFormats))
	for name := range sinkFormats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StreamOptions holds options for the stream command
type StreamOptions struct {
	Config        streamer.StreamConfig
	Format        string
	QueueSize     int
	PollTimeout   time.Duration
	Duration      time.Duration
	StatsInterval time.Duration
	WAV           string
	Loop          bool
	Tone          float64
}

func NewStreamCommand() *cobra.Command {
	opts := &StreamOptions{
		Config:      config.StreamConfig(),
		Format:      config.SinkFormat(),
		QueueSize:   config.SinkQueueSize(),
		PollTimeout: config.PollTimeout(),
	}

	cmd := &cobra.Command{
		Use:   "stream [destination]",
		Short: "Encode a test pattern and an audio source and stream them",
		Long: `Encode a test pattern and an audio source and stream them to destination.

Destinations:
  out.flv, file:///tmp/out.mkv      write a local file
  tcp://host:port                   send the container over TCP
  ws://user:pass@host/path          send one WebSocket message per chunk
  listen://127.0.0.1:8080           serve the stream to HTTP viewers

Examples:
  # Ten seconds of 720p FLV into a file
  gbox-streamer stream out.flv --duration 10s

  # Fragmented MP4 from a WAV file, played in a loop, to local viewers
  gbox-streamer stream listen://127.0.0.1:8080 --format fmp4 --wav music.wav --loop
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.Config.Destination = args[0]
			}
			return ExecuteStream(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.Config.VideoWidth, "width", opts.Config.VideoWidth, "Video width in pixels")
	flags.IntVar(&opts.Config.VideoHeight, "height", opts.Config.VideoHeight, "Video height in pixels")
	flags.IntVar(&opts.Config.FrameRate, "fps", opts.Config.FrameRate, "Video frame rate")
	flags.IntVar(&opts.Config.VideoBitrate, "video-bitrate", opts.Config.VideoBitrate, "Video bitrate in bits per second")
	flags.IntVar(&opts.Config.Rotation, "rotation", opts.Config.Rotation, "Orientation hint in degrees")
	flags.IntVar(&opts.Config.SampleRate, "sample-rate", opts.Config.SampleRate, "Audio sample rate in Hz")
	flags.BoolVar(&opts.Config.Stereo, "stereo", opts.Config.Stereo, "Capture and encode two audio channels")
	flags.IntVar(&opts.Config.AudioBitrate, "audio-bitrate", opts.Config.AudioBitrate, "Audio bitrate in bits per second")
	flags.StringVarP(&opts.Format, "format", "f", opts.Format, fmt.Sprintf("Container format %v", formatNames()))
	flags.IntVar(&opts.QueueSize, "queue-size", opts.QueueSize, "Units buffered per stream between the pumps and the transport")
	flags.DurationVar(&opts.PollTimeout, "poll-timeout", opts.PollTimeout, "Bound of every device poll")
	flags.DurationVarP(&opts.Duration, "duration", "d", 0, "Stop after this long (default: until interrupted)")
	flags.DurationVar(&opts.StatsInterval, "stats-interval", 2*time.Second, "How often to print stream statistics, 0 to disable")
	flags.StringVar(&opts.WAV, "wav", "", "Capture from a 16-bit PCM WAV file instead of a tone")
	flags.BoolVar(&opts.Loop, "loop", false, "Restart the WAV file at its end")
	flags.Float64Var(&opts.Tone, "tone", 440, "Tone frequency in Hz")

	return cmd
}

// ExecuteStream runs a session until the duration elapses, the user
// interrupts, the transport fails to connect or a pump fails.
func ExecuteStream(cmd *cobra.Command, opts *StreamOptions) error {
	out := cmd.OutOrStdout()
	logger := util.GetLogger()

	if opts.Config.Destination == "" {
		return errors.New("destination is required, pass it as an argument or set GBOX_STREAMER_DESTINATION")
	}
	format, ok := sinkFormats[opts.Format]
	if !ok {
		return errors.Errorf("unknown format %q, expected one of %v", opts.Format, formatNames())
	}
	if opts.Config.FrameRate <= 0 {
		return errors.Errorf("invalid frame rate %d", opts.Config.FrameRate)
	}

	var capture streamer.CaptureDriver = soft.ToneDriver{Frequency: opts.Tone}
	if opts.WAV != "" {
		capture = soft.WAVDriver{Path: opts.WAV, Loop: opts.Loop}
	}

	observer := newTerminalObserver(out, opts.Config.Destination)
	failures := make(chan error, 1)
	finite := opts.WAV != "" && !opts.Loop
	report := func(err error) {
		// A WAV file played once ends with a capture failure at EOF.
		if finite && errors.Is(err, streamer.ErrCaptureFailure) {
			fmt.Fprintf(out, "  Reached the end of %s\n", opts.WAV)
			err = nil
		}
		select {
		case failures <- err:
		default:
		}
	}
	observer.onFailed = func(reason string) { report(errors.Errorf("connection failed: %s", reason)) }

	var activeSink atomic.Pointer[sink.Sink]
	session, err := streamer.NewSession(streamer.Options{
		Codecs:  soft.NewRegistry(),
		Capture: capture,
		NewSink: sink.Factory(format, sink.Options{QueueSize: opts.QueueSize}, func(s *sink.Sink) {
			activeSink.Store(s)
		}),
		Observer:    observer,
		PollTimeout: opts.PollTimeout,
		OnError:     report,
	})
	if err != nil {
		return err
	}
	if err := session.Configure(opts.Config); err != nil {
		return err
	}

	if err := session.Prepare(); err != nil {
		return errors.Wrap(err, "prepare")
	}
	defer func() {
		if err := session.Release(); err != nil {
			logger.Warn("Release failed", "error", err)
		}
	}()

	surface, err := session.Surface()
	if err != nil {
		return err
	}
	canvas, ok := surface.(*soft.Surface)
	if !ok {
		return errors.Errorf("unexpected surface type %T", surface)
	}

	observer.connecting()
	if err := session.Start(); err != nil {
		observer.stop()
		return errors.Wrap(err, "start")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return render(gctx, canvas, opts.Config.FrameRate)
	})
	if opts.StatsInterval > 0 {
		if s := activeSink.Load(); s != nil {
			g.Go(func() error {
				monitor(gctx, out, s, opts.StatsInterval)
				return nil
			})
		}
	}
	g.Go(func() error {
		select {
		case err := <-failures:
			cancel()
			return err
		case <-gctx.Done():
			return nil
		}
	})

	runErr := g.Wait()
	if err := session.Stop(); err != nil {
		logger.Warn("Stop failed", "error", err)
	}
	observer.stop()
	if s := activeSink.Load(); s != nil {
		st := s.Stats()
		fmt.Fprintf(out, "  %d video units, %d audio units, %s written\n",
			st.VideoUnits, st.AudioUnits, formatBytes(st.Bytes))
	}
	if runErr != nil {
		return runErr
	}
	if err := session.Err(); err != nil && !(finite && errors.Is(err, streamer.ErrCaptureFailure)) {
		return err
	}
	return nil
}

// render draws frames at the configured rate, stamped on the same clock the
// audio capture timestamps use.
func render(ctx context.Context, surface *soft.Surface, fps int) error {
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := surface.Draw(streamer.NowMicros()); err != nil {
				return errors.Wrap(err, "draw")
			}
		}
	}
}

// monitor prints per-stream unit rates observed on the sink pipeline.
func monitor(ctx context.Context, out io.Writer, s *sink.Sink, interval time.Duration) {
	const id = "cli-monitor"
	p := s.Pipeline()
	video := p.SubscribeVideo(id, 64)
	audio := p.SubscribeAudio(id, 64)
	defer p.UnsubscribeVideo(id)
	defer p.UnsubscribeAudio(id)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var videoUnits, audioUnits, keyFrames int
	var lastPTS int64
	seconds := interval.Seconds()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-video:
			if !ok {
				return
			}
			videoUnits++
			if u.IsKeyFrame {
				keyFrames++
			}
			lastPTS = max(lastPTS, u.PTS)
		case u, ok := <-audio:
			if !ok {
				return
			}
			audioUnits++
			lastPTS = max(lastPTS, u.PTS)
		case <-ticker.C:
			fmt.Fprintf(out, "  %s video %.1f/s (%d key)  audio %.1f/s  sent %s\n",
				color.New(color.Faint).Sprint(time.Duration(lastPTS)*time.Microsecond),
				float64(videoUnits)/seconds, keyFrames,
				float64(audioUnits)/seconds,
				formatBytes(s.Stats().Bytes))
			videoUnits, audioUnits, keyFrames = 0, 0, 0
		}
	}
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// terminalObserver prints connection events. The spinner runs from Start
// until the first connection outcome.
type terminalObserver struct {
	out         io.Writer
	destination string
	onFailed    func(reason string)

	mu      sync.Mutex
	spinner *util.Spinner
}

func newTerminalObserver(out io.Writer, destination string) *terminalObserver {
	return &terminalObserver{out: out, destination: destination}
}

func (o *terminalObserver) connecting() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spinner = util.NewSpinner(fmt.Sprintf("Connecting to %s", o.destination))
}

// settle ends the spinner with message, or prints it when no spinner runs.
func (o *terminalObserver) settle(success bool, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.spinner == nil {
		fmt.Fprintf(o.out, "  %s\n", message)
		return
	}
	if success {
		o.spinner.Success(message)
	} else {
		o.spinner.Fail(message)
	}
	o.spinner = nil
}

func (o *terminalObserver) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.spinner != nil {
		o.spinner.Stop()
		o.spinner = nil
	}
}

func (o *terminalObserver) OnConnected() {
	o.settle(true, fmt.Sprintf("Streaming to %s (press %s to stop)",
		color.CyanString(o.destination), color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C")))
}

func (o *terminalObserver) OnConnectFailed(reason string) {
	o.settle(false, fmt.Sprintf("Could not connect to %s: %s", o.destination, color.RedString(reason)))
	if o.onFailed != nil {
		o.onFailed(reason)
	}
}

func (o *terminalObserver) OnDisconnected() {
	o.stop()
	fmt.Fprintf(o.out, "  %s\n", color.New(color.Faint).Sprintf("Disconnected from %s", o.destination))
}

func (o *terminalObserver) OnAuthError() {
	fmt.Fprintf(o.out, "  %s\n", color.RedString("Authentication rejected by %s", o.destination))
}

func (o *terminalObserver) OnAuthSuccess() {
	fmt.Fprintf(o.out, "  %s\n", color.GreenString("Authenticated"))
}
