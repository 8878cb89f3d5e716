// Command pipeline runs the meeting voice pipeline: the session manager,
// the GPU arbitrator, and the four stage queues (Transcribe, Compile,
// Summarize, Embed), wired the way the teacher's
// cmd/discord-voice-mcp/main.go wires its bot/session/mcp trio -
// godotenv, flag-overridable env config, logrus level from env,
// signal.NotifyContext for graceful shutdown. The chat-platform gateway
// that would feed voiceingest.Decoder real Opus packets is out of scope
// (spec.md §1 Non-goals); this binary brings the pipeline up ready to
// accept sessions from whatever front-end is wired in later.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/fankserver/meeting-pipeline/internal/chunker"
	"github.com/fankserver/meeting-pipeline/internal/config"
	"github.com/fankserver/meeting-pipeline/internal/embedder"
	"github.com/fankserver/meeting-pipeline/internal/feedback"
	"github.com/fankserver/meeting-pipeline/internal/gpuarb"
	"github.com/fankserver/meeting-pipeline/internal/llm"
	"github.com/fankserver/meeting-pipeline/internal/pipeline"
	"github.com/fankserver/meeting-pipeline/internal/queue"
	"github.com/fankserver/meeting-pipeline/internal/reranker"
	"github.com/fankserver/meeting-pipeline/internal/session"
	"github.com/fankserver/meeting-pipeline/internal/storage"
	"github.com/fankserver/meeting-pipeline/internal/transcode"
	"github.com/fankserver/meeting-pipeline/internal/vectorstore"
	"github.com/fankserver/meeting-pipeline/internal/voiceingest"
	"github.com/fankserver/meeting-pipeline/pkg/transcriber"
)

var dsn string

func init() {
	flag.StringVar(&dsn, "dsn", "", "Postgres connection string (overrides DATABASE_URL)")
	flag.Parse()

	_ = godotenv.Load()
}

// newTranscriber picks the Stage 1 speech engine from cfg.TranscriberBackend.
// faster-whisper trades whisper.cpp's GPU path for a 4x faster CPU/GPU
// inference path via prebuilt wheels; both satisfy transcriber.Transcriber.
func newTranscriber(cfg config.Config) (transcriber.Transcriber, error) {
	switch strings.ToLower(cfg.TranscriberBackend) {
	case "faster-whisper":
		return transcriber.NewFasterWhisperTranscriber(cfg.FasterWhisperModel)
	default:
		return transcriber.NewGPUWhisperTranscriber(cfg.WhisperModelPath)
	}
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.FromEnv()
	if dsn != "" {
		cfg.PostgresDSN = dsn
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	db, err := storage.Open(cfg.PostgresDSN, storage.DefaultPoolConfig())
	if err != nil {
		logrus.WithError(err).Fatal("opening postgres")
	}
	defer db.Close()
	logrus.Info("database connected and schema applied")

	meetings := storage.NewMeetingRepo(db)
	recordings := storage.NewRecordingRepo(db)
	transcripts := storage.NewTranscriptRepo(db)
	jobs := storage.NewJobRepo(db)

	go chunker.RunCleanupLoop(ctx, recordings, time.Hour, 24*time.Hour, time.Now)

	chunkStore, err := storage.NewFileChunkStore(cfg.ChunkStoreDir)
	if err != nil {
		logrus.WithError(err).Fatal("opening chunk store")
	}

	transcodeQueue, err := transcode.New(chunkStore, recordings)
	if err != nil {
		logrus.WithError(err).Fatal("starting transcode queue")
	}

	arb := gpuarb.New(cfg.GPUArbiterSeed)

	trans, err := newTranscriber(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("initializing transcriber")
	}
	defer trans.Close()

	embedModel, err := embedder.New(cfg.EmbeddingModel, cfg.EmbeddingDevice)
	if err != nil {
		logrus.WithError(err).Fatal("initializing embedding model")
	}

	vectors, err := vectorstore.Open(cfg.VectorStorePath)
	if err != nil {
		logrus.WithError(err).Fatal("opening vector store")
	}

	llmClient := llm.New(cfg.LLMBaseURL, cfg.LLMTimeout, llm.DefaultRetryConfig())

	events := feedback.NewEventBus(256)
	defer events.Stop()

	orch := pipeline.New(queue.DefaultConfig(), pipeline.Deps{
		Jobs:        jobs,
		Guilds:      meetings,
		Lister:      recordings,
		Reader:      chunkStore,
		Transcriber: trans,
		Arb:         arb,
		Transcripts: transcripts,
		LLM:         llmClient,
		LLMModel:    cfg.LLMModel,
		Embedder:    embedModel,
		Vectors:     vectors,
		Notifier:    events,
		Events:      events,
	})
	defer orch.Stop(true)

	sessions := session.NewManager(meetings, chunkStore, recordings, transcodeQueue, orch, time.Now)
	logrus.Debug("session manager created")

	rerank := reranker.New(arb, cfg.RerankerModel)
	_ = rerank // wired for callers of the retrieval surface this binary hosts; no HTTP front-end in scope

	decoder := voiceingest.NewDecoder(48000, 2, 960)
	_ = decoder // fed real Opus packets by the out-of-scope chat-platform gateway

	_ = sessions

	logrus.Info("pipeline is running. press CTRL-C to exit.")
	<-ctx.Done()

	logrus.Info("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	<-shutdownCtx.Done()
}
