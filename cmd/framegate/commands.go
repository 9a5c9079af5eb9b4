package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/framegate"
	"github.com/loykin/framegate/internal/decoder"
	"github.com/loykin/framegate/internal/media"
	"github.com/loykin/framegate/internal/worker"
)

// command binds subcommand logic to the shared global flags.
type command struct {
	flags *GlobalFlags
}

func (c command) loadConfig() (*framegate.Config, error) {
	return framegate.LoadConfig(c.flags.ConfigPath)
}

func (c command) openGallery() (*framegate.Gallery, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return framegate.New(cfg)
}

// createWorkerCommand creates the hidden worker subcommand. The supervisor
// launches the framegate binary again with this subcommand; it is not meant
// to be invoked by hand.
func createWorkerCommand(c command, flags *WorkerFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the decoder worker loop (launched by the supervisor)",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(c.Worker(*flags))
		},
	}
	cmd.Flags().StringVar(&flags.Backend, "backend", "gst", "decoder backend: gst or test")
	cmd.Flags().StringVar(&flags.Socket, "socket", "", "supervisor socket path (default: $FRAMEGATE_SOCKET)")
	return cmd
}

// Worker runs the in-process worker loop and returns its exit code.
func (c command) Worker(flags WorkerFlags) int {
	var dec decoder.Decoder
	switch flags.Backend {
	case "test":
		dec = decoder.NewTestDecoder()
	default:
		dec = decoder.NewGstDecoder()
	}
	return worker.Run(worker.Config{
		SocketPath: flags.Socket,
		Decoder:    dec,
		Resolver:   media.Resolver{Root: os.Getenv("FRAMEGATE_ROOT")},
	})
}

// createThumbCommand creates the thumb subcommand.
func createThumbCommand(c command, flags *ThumbFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thumb <locator>",
		Short: "Decode one frame through the isolated pipeline and write a PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Thumb(cmd, args[0], *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Out, "out", "", "output file (default: <locator>.png)")
	cmd.Flags().Uint32Var(&flags.Width, "width", 0, "target width (default from config)")
	cmd.Flags().Uint32Var(&flags.Height, "height", 0, "target height (default from config)")
	cmd.Flags().Int64Var(&flags.SeekMs, "seek", 0, "position in milliseconds to take the frame from")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

// Thumb opens the locator, decodes a single frame, and writes it as PNG.
func (c command) Thumb(cmd *cobra.Command, locator string, flags ThumbFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if flags.Width == 0 {
		flags.Width = cfg.Thumbnail.TargetWidth
	}
	if flags.Height == 0 {
		flags.Height = cfg.Thumbnail.TargetHeight
	}
	g, err := framegate.New(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()
	defer func() { _ = g.Shutdown(context.Background()) }()

	id, _, err := g.OpenWait(ctx, locator, flags.Width, flags.Height)
	if err != nil {
		return err
	}
	defer func() { _ = g.CloseWait(ctx, id) }()

	if flags.SeekMs > 0 {
		if err := g.SeekWait(ctx, id, flags.SeekMs); err != nil {
			return err
		}
	}
	frame, err := g.DecodeNextWait(ctx, id)
	if err != nil {
		return err
	}

	out := flags.Out
	if out == "" {
		base := filepath.Base(locator)
		out = strings.TrimSuffix(base, filepath.Ext(base)) + ".png"
	}
	img := &image.RGBA{
		Pix:    frame.Data,
		Stride: int(frame.Stride),
		Rect:   image.Rect(0, 0, int(frame.Width), int(frame.Height)),
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	cmd.Printf("wrote %s (%dx%d at %s)\n", out, frame.Width, frame.Height, media.FormatDuration(frame.TimestampMs))
	return nil
}

// createProbeCommand creates the probe subcommand.
func createProbeCommand(c command, flags *ProbeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <locator>",
		Short: "Open a media locator and print its stream info",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Probe(cmd, args[0], *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "overall deadline")
	return cmd
}

// Probe opens the locator, prints dimensions and duration, and closes it.
func (c command) Probe(cmd *cobra.Command, locator string, flags ProbeFlags) error {
	g, err := c.openGallery()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()
	defer func() { _ = g.Shutdown(context.Background()) }()

	id, info, err := g.OpenWait(ctx, locator, 0, 0)
	if err != nil {
		return err
	}
	defer func() { _ = g.CloseWait(ctx, id) }()

	cmd.Printf("%s: %dx%d, %s\n", locator, info.Width, info.Height, media.FormatDuration(info.DurationMs))
	return nil
}

// createServeCommand creates the serve subcommand.
func createServeCommand(c command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor with the status API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "base path for the status API")
	cmd.Flags().BoolVar(&flags.NonBlocking, "non-blocking", false, "return immediately after startup")
	_ = cmd.Flags().MarkHidden("non-blocking")
	return cmd
}

// Serve runs the supervised worker plus the HTTP status surface.
func (c command) Serve(cmd *cobra.Command, flags ServeFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	listen := flags.Listen
	if listen == "" {
		listen = cfg.HTTP.Listen
	}
	g, err := framegate.New(cfg)
	if err != nil {
		return err
	}

	srv, err := framegate.NewHTTPServer(listen, flags.BasePath, g)
	if err != nil {
		_ = g.Shutdown(context.Background())
		return err
	}
	cmd.Printf("framegate serving on %s\n", listen)

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		return g.Shutdown(ctx)
	}
	if flags.NonBlocking {
		return shutdown()
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	sig := <-ch
	fmt.Fprintf(cmd.ErrOrStderr(), "received %s, shutting down\n", sig)
	return shutdown()
}
