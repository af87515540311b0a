package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/seriesme/seriesme-agent/internal/apperr"
	"github.com/seriesme/seriesme-agent/internal/assemble"
	"github.com/seriesme/seriesme-agent/internal/audio"
	"github.com/seriesme/seriesme-agent/internal/capture"
	"github.com/seriesme/seriesme-agent/internal/client"
	"github.com/seriesme/seriesme-agent/internal/db"
	"github.com/seriesme/seriesme-agent/internal/events"
	"github.com/seriesme/seriesme-agent/internal/jobs"
	"github.com/seriesme/seriesme-agent/internal/library"
	"github.com/seriesme/seriesme-agent/internal/logging"
	"github.com/seriesme/seriesme-agent/internal/providers"
)

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one clip locally without starting the agent",
		Args:  cobra.NoArgs,
		RunE:  runRender,
	}
	cmd.Flags().String("image", "", "Portrait image (JPEG or PNG)")
	cmd.Flags().String("script", "", "Script text")
	cmd.Flags().String("audio", "", "Optional narration file")
	cmd.Flags().Bool("tts", false, "Synthesize narration when no audio is given")
	cmd.Flags().String("out", "clip", "Output path; the extension follows the encoded format")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func runRender(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	imagePath, _ := cmd.Flags().GetString("image")
	script, _ := cmd.Flags().GetString("script")
	audioPath, _ := cmd.Flags().GetString("audio")
	useTTS, _ := cmd.Flags().GetBool("tts")
	out, _ := cmd.Flags().GetString("out")

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	mime, err := assemble.ValidateImage(image, http.DetectContentType(image))
	if err != nil {
		return err
	}
	if err := assemble.ValidateScript(script); err != nil {
		return err
	}

	jobID := uuid.NewString()
	if audioPath == "" && useTTS {
		dir := filepath.Join(cfg.WorkDir(), jobID)
		audioPath, err = providers.SpeechFunc(speechChain(ctx, cfg.TTS(), logger))(ctx, assemble.NormalizeScript(script), dir)
		if err != nil {
			logger.Warn("narration failed, rendering without audio", "error", err)
			audioPath = ""
		}
	}

	bus := events.NewBus()
	bus.Subscribe(logging.StageLogger(logger))
	bus.Subscribe(func(e events.Event) {
		if e.Stage == events.StageRender {
			fmt.Fprintf(cmd.ErrOrStderr(), "\rrendering %3.0f%%", e.Progress*100)
		}
	})

	media := newMediaStack(cfg, logger)
	result, err := media.orchestrator(cfg, bus, logger).Generate(ctx, jobID, assemble.Request{
		Image:     image,
		ImageMIME: mime,
		Script:    assemble.NormalizeScript(script),
		AudioPath: audioPath,
		Options:   cfg.Render(),
	})
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("%s", apperr.Message(err))
	}
	defer result.Release()

	base := strings.TrimSuffix(out, filepath.Ext(out))
	videoOut := base + filepath.Ext(result.Video.Path)
	posterOut := base + ".jpg"
	if err := copyPath(result.Video.Path, videoOut); err != nil {
		return err
	}
	if err := copyPath(result.Poster.Path, posterOut); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%dx%d, %.1fs, %s)\n%s\n",
		videoOut, result.Width, result.Height, result.Duration, result.Format, posterOut)
	return nil
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a clip to a running agent and wait for it",
		Args:  cobra.NoArgs,
		RunE:  runSubmit,
	}
	cmd.Flags().String("image", "", "Portrait image (JPEG or PNG)")
	cmd.Flags().String("script", "", "Script text")
	cmd.Flags().String("audio", "", "Optional narration file")
	cmd.Flags().Bool("tts", false, "Ask the agent to synthesize narration")
	cmd.Flags().String("server", "", "Agent URL (default http://127.0.0.1:<configured port>)")
	cmd.Flags().String("token", "", "Bearer token (default read from the local agent database)")
	cmd.Flags().String("out", "", "Download the finished video to this path")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("script")
	return cmd
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	imagePath, _ := cmd.Flags().GetString("image")
	script, _ := cmd.Flags().GetString("script")
	audioPath, _ := cmd.Flags().GetString("audio")
	useTTS, _ := cmd.Flags().GetBool("tts")
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	out, _ := cmd.Flags().GetString("out")

	if server == "" {
		server = fmt.Sprintf("http://127.0.0.1:%d", cfg.Port())
	}
	if token == "" {
		if token, err = localToken(ctx, cfg.DBPath()); err != nil {
			return fmt.Errorf("no --token given and the local token is unreadable: %w", err)
		}
	}

	image, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	req := client.GenerateRequest{
		Selfie:  client.Upload{Name: filepath.Base(imagePath), MIME: http.DetectContentType(image), Data: image},
		Script:  script,
		Consent: true,
		TTS:     useTTS,
	}
	if audioPath != "" {
		data, err := os.ReadFile(audioPath)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		req.Audio = &client.Upload{Name: filepath.Base(audioPath), MIME: audioMIME(audioPath), Data: data}
	}

	cli := client.NewHTTPClient(server, token, logging.WithComponent(logger, "client"))
	id, err := cli.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("%s", apperr.Message(err))
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "job %s queued\n", id)

	var last jobs.State
	result, err := jobs.NewPoller(cli, cfg.Poll(), logger).Poll(ctx, id, func(s jobs.Status) {
		if s.State != last {
			last = s.State
			fmt.Fprintln(cmd.ErrOrStderr())
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%-10s %3d%%  eta %ds ", s.State, s.Progress, s.ETASeconds)
	})
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("%s", apperr.Message(err))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", cli.MediaURL(result.VideoURL), cli.MediaURL(result.PosterURL))
	if out == "" {
		return nil
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := cli.Download(ctx, result.VideoURL, f)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes)\n", out, n)
	return nil
}

// localToken reads the bearer token a local agent generated on first run.
func localToken(ctx context.Context, dbPath string) (string, error) {
	database, err := db.OpenReadOnly(dbPath)
	if err != nil {
		return "", err
	}
	defer database.Close()
	token, err := library.NewRepository(database.Conn()).GetConfig(ctx, "auth_token")
	if err == nil && token == "" {
		err = errors.New("agent has not generated a token yet")
	}
	return token, err
}

func audioMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webm":
		return "audio/webm"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	default:
		return "audio/wav"
	}
}

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record narration from the default microphone",
		Args:  cobra.NoArgs,
		RunE:  runRecord,
	}
	cmd.Flags().String("out", ".", "Directory for the recording")
	cmd.Flags().Duration("seconds", 20*time.Second, "Maximum length, e.g. 15s")
	return cmd
}

func runRecord(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("out")
	maxLen, _ := cmd.Flags().GetDuration("seconds")

	media := newMediaStack(cfg, logger)
	if media.runner == nil {
		return errors.New("ffmpeg is required for recording")
	}
	format, device := cfg.CaptureDevice()
	rec := audio.NewRecorder(media.runner, media.doctor, audio.RecorderConfig{
		Device:      audio.Device{InputFormat: format, Name: device},
		Dir:         dir,
		MaxDuration: maxLen,
		Logger:      logging.WithComponent(logger, "recorder"),
	})
	if !rec.RequestPermission(ctx) {
		return fmt.Errorf("cannot open capture device %s %q", format, device)
	}
	if err := rec.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "recording up to %s, press Ctrl+C to stop\n", maxLen)

	select {
	case <-ctx.Done():
	case <-time.After(maxLen):
	}
	recording, err := rec.Stop(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, %.1fs)\n", recording.Path, recording.MIMEType, recording.Duration)
	return nil
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report ffmpeg encoders and narration back ends",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	media := newMediaStack(cfg, logger)
	caps, err := media.doctor.Refresh(ctx)
	if err != nil {
		fmt.Fprintf(w, "ffmpeg:   unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(w, "ffmpeg:   %s\n", caps.Version)
		for _, f := range capture.Formats {
			mark := "no"
			if caps.HasAll(f.Encoders()...) {
				mark = "yes"
			}
			fmt.Fprintf(w, "  %-28s %-3s (%s)\n", f.MIMEType, mark, strings.Join(f.Encoders(), ", "))
		}
		fmt.Fprintf(w, "narration recording: %s\n", audio.SelectFormat(ctx, media.doctor).MIMEType)
	}
	if format, err := media.encoder.Select(ctx); err == nil {
		fmt.Fprintf(w, "clip format: %s\n", format.MIMEType)
	}

	fmt.Fprintln(w, "speech:")
	chain := speechChain(ctx, cfg.TTS(), logger)
	for i, info := range chain.Providers() {
		fmt.Fprintf(w, "  %d. %-10s %-5s %s\n", i+1, info.Name, info.Cost, info.Quality)
	}
	return nil
}

func copyPath(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
