// Command percept runs the articulated-part perception pipeline over a
// posed RGB(-D) room scan: frame sampling, open-vocabulary detection, 3D
// interaction estimation, cross-frame track aggregation, articulation
// fitting, vision-language verification and scene assembly. Each stage can
// run on its own against the versioned artifact store, or all together.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/1e100/drawer/internal/api"
	"github.com/1e100/drawer/internal/config"
	"github.com/1e100/drawer/internal/db"
	"github.com/1e100/drawer/internal/percept"
	"github.com/1e100/drawer/internal/percept/artifacts"
	"github.com/1e100/drawer/internal/percept/detect"
	"github.com/1e100/drawer/internal/percept/diag"
	"github.com/1e100/drawer/internal/percept/interact"
	"github.com/1e100/drawer/internal/percept/pipeline"
	"github.com/1e100/drawer/internal/percept/report"
	sqlitestore "github.com/1e100/drawer/internal/percept/storage/sqlite"
	"github.com/1e100/drawer/internal/percept/verify"
	"github.com/1e100/drawer/internal/version"
)

var (
	dataDir      = flag.String("data", ".", "Scene data directory containing transforms.json")
	imageDir     = flag.String("images", "images", "Frame image directory (relative to -data unless absolute)")
	sceneID      = flag.String("scene", "", "Scene identifier (default: base name of the data directory)")
	tuningFile   = flag.String("tuning", "", "Tuning config JSON (built-in defaults when empty)")
	dbFile       = flag.String("db", "scenes.db", "Path to the SQLite scene database (empty disables persistence)")
	detectorURL  = flag.String("detector-url", "http://127.0.0.1:9050", "Detector/segmenter inference service URL")
	estimatorURL = flag.String("estimator-url", "http://127.0.0.1:9051", "3D interaction estimator service URL")
	staticVerify = flag.Bool("static-verify", false, "Use the deterministic verifier instead of the LLM service")
	reportFile   = flag.String("report", "", "Write an HTML scene report to this path after assemble/run")
	plotDir      = flag.String("plot-dir", "", "Write fit diagnostic plots into this directory after fit/run")
	listen       = flag.String("listen", ":8080", "HTTP listen address for the serve command")
	verbose      = flag.Bool("v", false, "Enable diagnostic logging")
	traceLog     = flag.Bool("trace", false, "Enable per-frame trace logging (implies -v)")
)

func main() {
	flag.Parse()
	configureLogging()

	args := flag.Args()
	if len(args) < 1 {
		printHelp()
		os.Exit(1)
	}

	// Load .env for the LLM credential; absence is fine.
	_ = godotenv.Load()

	switch args[0] {
	case pipeline.StageSample, pipeline.StageDetect, pipeline.StageInteract,
		pipeline.StageAggregate, pipeline.StageFit, pipeline.StageVerify,
		pipeline.StageAssemble, "run":
		runStages(args[0])

	case "scenes":
		listScenes()

	case "parts":
		listParts(args[1:])

	case "serve":
		serveAdmin()

	case "migrate":
		db.RunMigrateCommand(args[1:], *dbFile)

	case "version":
		fmt.Printf("percept %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)

	case "help":
		printHelp()

	default:
		fmt.Printf("Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// configureLogging wires the per-package ops/diag/trace writers. Ops always
// goes to stderr; diag and trace are opt-in.
func configureLogging() {
	ops := io.Writer(os.Stderr)
	diagW := io.Discard
	traceW := io.Discard
	if *verbose || *traceLog {
		diagW = os.Stderr
	}
	if *traceLog {
		traceW = os.Stderr
	}

	percept.SetLogWriters(ops, diagW, traceW)
	detect.SetLogWriters(ops, diagW, traceW)
	interact.SetLogWriters(ops, diagW, traceW)
	verify.SetLogWriters(ops, diagW, traceW)
	pipeline.SetLogWriters(ops, diagW, traceW)
	artifacts.SetLogWriters(ops, diagW)
	report.SetLogWriters(ops, diagW)
}

func resolveSceneID() string {
	if *sceneID != "" {
		return *sceneID
	}
	abs, err := filepath.Abs(*dataDir)
	if err != nil {
		return filepath.Base(*dataDir)
	}
	return filepath.Base(abs)
}

// openSceneDB opens and migrates the scene database, or returns nil when
// persistence is disabled.
func openSceneDB() *db.DB {
	if *dbFile == "" {
		return nil
	}
	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open scene database: %v", err)
	}
	if err := database.MigrateUp(); err != nil {
		log.Fatalf("Failed to migrate scene database: %v", err)
	}
	return database
}

// buildPipeline wires every stage dependency for one scene.
func buildPipeline(tuning *config.TuningConfig, database *db.DB) *pipeline.Pipeline {
	detector, err := detect.NewClient(detect.Config{
		BaseURL:       *detectorURL,
		Prompt:        tuning.GetTextPrompt(),
		HandlePrompt:  tuning.GetHandlePrompt(),
		BoxThreshold:  tuning.GetBoxThreshold(),
		TextThreshold: tuning.GetTextThreshold(),
		Device:        tuning.GetDevice(),
	})
	if err != nil {
		log.Fatalf("Failed to configure detector client: %v", err)
	}
	estimator, err := interact.NewClient(interact.Config{
		BaseURL: *estimatorURL,
		Device:  tuning.GetDevice(),
	})
	if err != nil {
		log.Fatalf("Failed to configure interaction client: %v", err)
	}

	cfg := pipeline.Config{
		SceneID:   resolveSceneID(),
		DataDir:   *dataDir,
		ImageDir:  *imageDir,
		Tuning:    tuning,
		Detector:  detector,
		Estimator: estimator,
		Verifier:  buildVerifier(tuning),
	}
	if database != nil {
		cfg.Sink = sqlitestore.NewSceneStore(database.DB)
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	return p
}

// buildVerifier selects the LLM verifier when a credential is present,
// falling back to the deterministic stub otherwise. The key is read from
// the process environment only.
func buildVerifier(tuning *config.TuningConfig) verify.Service {
	if *staticVerify {
		return verify.StaticService{}
	}
	apiKey := os.Getenv("OPENAI_KEY")
	if apiKey == "" {
		log.Printf("OPENAI_KEY not set; verification falls back to the deterministic verifier")
		return verify.StaticService{}
	}
	client, err := verify.NewClient(
		verify.Config{
			APIKey:         apiKey,
			TimeoutSeconds: tuning.GetVerifyTimeoutSecs(),
		},
		verify.WithRetryMaxAttempts(tuning.GetVerifyMaxAttempts()),
	)
	if err != nil {
		log.Fatalf("Failed to configure verifier: %v", err)
	}
	return client
}

func runStages(stage string) {
	var tuning *config.TuningConfig
	if *tuningFile != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
	} else {
		tuning = config.EmptyTuningConfig()
	}

	database := openSceneDB()
	if database != nil {
		defer database.Close()
	}
	p := buildPipeline(tuning, database)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var summaries []*percept.StageSummary
	var err error
	if stage == "run" {
		summaries, err = p.RunAll(ctx)
	} else {
		var summary *percept.StageSummary
		summary, err = runSingleStage(ctx, p, stage)
		if summary != nil {
			summaries = append(summaries, summary)
		}
	}

	if len(summaries) > 0 {
		fmt.Println(summaryTable(summaries))
	}
	if err != nil {
		log.Printf("Stage %s failed after %s: %v", stage, time.Since(start).Round(time.Millisecond), err)
		os.Exit(1)
	}
	log.Printf("Stage %s complete in %s", stage, time.Since(start).Round(time.Millisecond))

	if *plotDir != "" && (stage == pipeline.StageFit || stage == "run") {
		writePlots(p)
	}
	if *reportFile != "" && (stage == pipeline.StageAssemble || stage == "run") {
		writeReport(p, summaries)
	}
}

func runSingleStage(ctx context.Context, p *pipeline.Pipeline, stage string) (*percept.StageSummary, error) {
	switch stage {
	case pipeline.StageSample:
		return p.RunSample(ctx)
	case pipeline.StageDetect:
		return p.RunDetect(ctx)
	case pipeline.StageInteract:
		return p.RunInteract(ctx)
	case pipeline.StageAggregate:
		return p.RunAggregate(ctx)
	case pipeline.StageFit:
		return p.RunFit(ctx)
	case pipeline.StageVerify:
		return p.RunVerify(ctx)
	case pipeline.StageAssemble:
		return p.RunAssemble(ctx)
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}

func writePlots(p *pipeline.Pipeline) {
	tracks, err := p.Tracks()
	if err != nil {
		log.Printf("Skipping plots, no aggregated tracks: %v", err)
		return
	}
	fits, err := p.Fits()
	if err != nil {
		log.Printf("Skipping plots, no fits: %v", err)
		return
	}
	fitRefs := make(map[string]*percept.ArticulationFit, len(fits))
	for id := range fits {
		fit := fits[id]
		fitRefs[id] = &fit
	}
	fp, err := diag.NewFitPlotter(*plotDir)
	if err != nil {
		log.Printf("Skipping plots: %v", err)
		return
	}
	n, err := fp.PlotScene(tracks, fitRefs)
	if err != nil {
		log.Printf("Plotting failed: %v", err)
		return
	}
	log.Printf("Wrote %d diagnostic plots to %s", n, *plotDir)
}

func writeReport(p *pipeline.Pipeline, summaries []*percept.StageSummary) {
	scene, err := p.Scene()
	if err != nil {
		log.Printf("Skipping report, no assembled scene: %v", err)
		return
	}
	if err := report.WriteSceneReport(*reportFile, scene, summaries); err != nil {
		log.Printf("Report failed: %v", err)
		return
	}
	log.Printf("Wrote scene report to %s", *reportFile)
}

func listScenes() {
	database := openSceneDB()
	if database == nil {
		log.Fatal("scenes requires a database path (-db)")
	}
	defer database.Close()

	store := sqlitestore.NewSceneStore(database.DB)
	rows, err := store.ListScenes()
	if err != nil {
		log.Fatalf("Failed to list scenes: %v", err)
	}
	if len(rows) == 0 {
		fmt.Println("No scenes stored.")
		return
	}

	body := make([][]string, 0, len(rows))
	for _, r := range rows {
		body = append(body, []string{
			r.SceneID,
			fmt.Sprintf("%d", r.Parts),
			fmt.Sprintf("%d", r.Confirmed),
			fmt.Sprintf("%d", r.NeedsReview),
			fmt.Sprintf("%d", r.Rejected),
		})
	}
	fmt.Println(renderTable(
		[]string{"Scene", "Parts", "Confirmed", "Needs review", "Rejected"},
		body,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight},
	))
}

func listParts(args []string) {
	scene := resolveSceneID()
	if len(args) > 0 {
		scene = args[0]
	}
	database := openSceneDB()
	if database == nil {
		log.Fatal("parts requires a database path (-db)")
	}
	defer database.Close()

	store := sqlitestore.NewSceneStore(database.DB)
	parts, err := store.GetParts(scene, "")
	if err != nil {
		log.Fatalf("Failed to list parts: %v", err)
	}
	if len(parts) == 0 {
		fmt.Printf("No parts stored for scene %s.\n", scene)
		return
	}

	body := make([][]string, 0, len(parts))
	for _, p := range parts {
		rangeUnit := "m"
		if p.Fit.Motion == percept.MotionRevolute {
			rangeUnit = "rad"
		}
		body = append(body, []string{
			p.PartID,
			p.SemanticName,
			string(p.Fit.Motion),
			fmt.Sprintf("%.2f..%.2f %s", p.Fit.RangeMin, p.Fit.RangeMax, rangeUnit),
			string(p.Status),
		})
	}
	fmt.Println(renderTable(
		[]string{"Part", "Name", "Motion", "Range", "Status"},
		body,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
}

// serveAdmin exposes the debug SQL UI and backup endpoint over the scene
// database until interrupted.
func serveAdmin() {
	database := openSceneDB()
	if database == nil {
		log.Fatal("serve requires a database path (-db)")
	}
	defer database.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status": "ok", "service": "percept", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
	})
	mux.Handle("/api/", api.NewServer(sqlitestore.NewSceneStore(database.DB)).ServeMux())
	database.AttachAdminRoutes(mux)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(mux)}
	go func() {
		log.Printf("Starting admin server on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down admin server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("admin server force close error: %v", err)
		}
	}
}

func printHelp() {
	fmt.Println(`Usage: percept [flags] <command>

Pipeline stages (each reads the previous stage's artifact):
  sample      Select posed frames from transforms.json
  detect      Run open-vocabulary part detection per frame
  interact    Estimate 3D articulation evidence per detection
  aggregate   Associate candidates into cross-frame tracks
  fit         Fit kinematic models to tracks
  verify      Verify tracks with the vision-language service
  assemble    Assemble the final scene record
  run         Run every stage in order

Database:
  scenes      List stored scenes with part status counts
  parts [id]  List stored parts for a scene
  serve       Serve the scene API, debug SQL UI and backup endpoint
  migrate     Manage the scene database schema (migrate help)

Other:
  version     Print the build version
  help        Show this help

Flags:`)
	flag.PrintDefaults()
}
