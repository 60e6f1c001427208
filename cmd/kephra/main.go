// Command kephra runs a voice keyphrase detection stream against the local
// microphone (or a silent mock device), logs detections to stderr and counts
// them on /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferralune/kephra/internal/engine"
	enginemock "github.com/ferralune/kephra/internal/engine/mock"
	"github.com/ferralune/kephra/internal/health"
	"github.com/ferralune/kephra/internal/model"
	"github.com/ferralune/kephra/internal/observe"
	"github.com/ferralune/kephra/internal/platform"
	"github.com/ferralune/kephra/internal/resource"
	"github.com/ferralune/kephra/internal/stream"
	"github.com/ferralune/kephra/pkg/audio"
	audiomock "github.com/ferralune/kephra/pkg/audio/mock"
	malgodev "github.com/ferralune/kephra/pkg/audio/malgo"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/platform.yaml", "path to the platform info YAML file")
	listenAddr := flag.String("listen", ":9090", "address for the health/metrics endpoint")
	logLevel := flag.String("log-level", "info", "log verbosity: debug, info, warn, error")
	useMic := flag.Bool("mic", false, "capture from the real microphone via miniaudio instead of the mock device")
	modelUUID := flag.String("model-uuid", "", "vendor UUID of the demo model; defaults to the built-in demo UUID, which must have a platform record")
	flag.Parse()

	slog.SetDefault(newLogger(*logLevel))

	info, err := platform.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kephra: platform file %q not found — copy configs/platform.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kephra: %v\n", err)
		}
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.Setup(ctx, observe.Config{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	// The mock first-stage engine owns the keyword ring; the microphone
	// sink feeds it so read-back carries real capture data.
	var firstStage atomic.Pointer[enginemock.Engine]
	sink := func(pcm []byte) {
		if fs := firstStage.Load(); fs != nil && fs.Buffer != nil {
			_, _ = fs.Buffer.Write(pcm)
		}
	}

	factory := func(id audio.DeviceID) (audio.Device, error) {
		if *useMic {
			return malgodev.New(id, sink)
		}
		return audiomock.Factory(map[audio.DeviceID]*audiomock.Device{})(id)
	}

	rm, err := resource.NewRegistry(resource.Config{
		Info:                      info,
		Devices:                   factory,
		TransitToNonLPIOnCharging: true,
	})
	if err != nil {
		slog.Error("failed to build resource manager", "err", err)
		return 1
	}

	engines := func(stage engine.StageID, _ stream.DetectionSink) (engine.Engine, error) {
		e := &enginemock.Engine{
			StageID: stage,
			Det:     &engine.DetectionInfo{ConfidenceLevels: []uint8{92}},
		}
		if stage == engine.StageGMM {
			firstStage.Store(e)
		}
		return e, nil
	}

	st, err := stream.New(stream.Config{
		Attributes: stream.Attributes{
			Type:      audio.StreamVoiceUI,
			Direction: audio.DirectionInput,
			Format:    audio.Format{SampleRate: 16000, BitWidth: 16, Channels: 1},
		},
		Resources: rm,
		Info:      info,
		Engines:   engines,
	})
	if err != nil {
		slog.Error("failed to create stream", "err", err)
		return 1
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(cctx); err != nil {
			slog.Warn("stream close failed", "err", err)
		}
	}()

	st.RegisterCallback(func(ev *stream.DetectionEvent, _ any) {
		levels, start, end, micros, err := stream.ParseDetectionTrailer(ev.Data)
		if err != nil {
			slog.Error("bad detection trailer", "err", err)
			return
		}
		slog.Info("keyphrase detected",
			"phrases", len(ev.Phrases),
			"levels", levels,
			"kw_start", start,
			"kw_end", end,
			"ts_us", micros,
			"capture", ev.CaptureAvailable,
		)
	}, nil)

	m, err := demoModel(info, *modelUUID)
	if err != nil {
		slog.Error("failed to build demo model", "err", err)
		return 1
	}
	if err := st.LoadSoundModel(ctx, m); err != nil {
		slog.Error("load sound model failed", "err", err)
		return 1
	}
	if err := st.SendRecognitionConfig(ctx, &stream.RecognitionConfig{
		CaptureRequested: true,
		Phrases: []stream.PhraseRecognition{
			{ID: 0, ConfidenceLevel: 60},
		},
	}); err != nil {
		slog.Error("recognition config failed", "err", err)
		return 1
	}
	if err := st.Start(ctx); err != nil {
		slog.Error("start recognition failed", "err", err)
		return 1
	}

	mux := http.NewServeMux()
	health.New(
		func() string { return st.State().String() },
		health.Checker{
			Name: "capture-device",
			Check: func(context.Context) error {
				if !rm.IsDeviceAvailable(audio.DeviceHandsetVAMic) &&
					!rm.IsDeviceAvailable(audio.DeviceWiredHeadset) {
					return fmt.Errorf("no capture endpoint connected")
				}
				return nil
			},
		},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}
	go func() {
		slog.Info("serving health and metrics", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()
	defer srv.Close()

	slog.Info("recognition armed — press Ctrl+C to shut down", "state", st.State(), "mic", *useMic)
	<-ctx.Done()
	slog.Info("shutting down")
	return 0
}

// version is stamped by the build; "dev" otherwise.
var version = "dev"

// demoModel builds a v2 keyphrase model keyed to a platform record.
func demoModel(info *platform.Info, override string) (*model.SoundModel, error) {
	var id uuid.UUID
	if override != "" {
		parsed, err := uuid.Parse(override)
		if err != nil {
			return nil, fmt.Errorf("parse model uuid: %w", err)
		}
		id = parsed
	} else {
		// Without an override only the well-known demo UUID is tried; a
		// platform file without that record is an error.
		demo := uuid.MustParse("9f6ad154-75be-4a28-96cf-3d7b0eb17e9e")
		if _, ok := info.SoundModelInfo(demo); ok {
			id = demo
		} else {
			return nil, fmt.Errorf("no --model-uuid given and demo record absent from platform file")
		}
	}
	return &model.SoundModel{
		Type:       model.TypeKeyphrase,
		VendorUUID: id,
		Phrases:    []model.Phrase{{ID: 0, Text: "hey kephra"}},
		Data:       []byte{0xde, 0xad, 0xbe, 0xef},
	}, nil
}

// newLogger builds the process slog handler at the requested level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
