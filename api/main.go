package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jk-1012/mgnrega/internal/ingestgrpc"
)

// appLogger is the process-wide logger used for startup and helper-function logs.
var appLogger = log.New(os.Stdout, "api ", log.LstdFlags|log.LUTC)

// config contains runtime settings loaded from environment variables.
type config struct {
	listenAddr        string
	kafkaBrokers      []string
	kafkaTaskTopic    string
	redisAddr         string
	redisUsername     string
	redisPassword     string
	redisDB           int
	statusTTL         time.Duration
	summaryCacheTTL   time.Duration
	requestTimeout    time.Duration
	mongoURI          string
	mongoDatabase     string
	mongoDistricts    string
	mongoSnapshots    string
	mongoConnTO       time.Duration
	districtsSeedFile string
	workerGRPCAddr    string
	watchPollInterval time.Duration
	refreshEnabled    bool
	refreshInterval   time.Duration
	refreshPacing     time.Duration
	backfillPacing    time.Duration
	backfillMaxMonths int
	trendMaxMonths    int
}

// app bundles service dependencies and configuration.
type app struct {
	cfg         config
	logger      *log.Logger
	kafkaWriter *kafka.Writer
	redisClient *redis.Client
	mongoClient *mongo.Client
	readStore   *mongoReadStore
	grpcConn    *grpc.ClientConn
	taskStatus  ingestgrpc.TaskStatusClient
}

// submitTaskRequest is the public ingest-task submission request.
type submitTaskRequest struct {
	DistrictCode string `json:"district_code"`
	YearMonth    string `json:"year_month"`
}

// submitTaskResponse is returned when an ingest task is accepted.
type submitTaskResponse struct {
	TaskID       string `json:"task_id"`
	TraceID      string `json:"trace_id"`
	DistrictCode string `json:"district_code"`
	YearMonth    string `json:"year_month"`
	State        string `json:"state"`
	SubmittedAt  string `json:"submitted_at"`
	Message      string `json:"message"`
}

// backfillRequest asks for one task per calendar month in an inclusive range.
type backfillRequest struct {
	DistrictCode string `json:"district_code"`
	StartMonth   string `json:"start_month"`
	EndMonth     string `json:"end_month"`
}

// backfillResponse reports the tasks accepted for asynchronous enqueueing.
type backfillResponse struct {
	DistrictCode string   `json:"district_code"`
	Months       []string `json:"months"`
	TaskIDs      []string `json:"task_ids"`
	State        string   `json:"state"`
	Message      string   `json:"message"`
}

// errorResponse is the uniform JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// taskEnvelope is the canonical Kafka submission envelope for ingest tasks.
type taskEnvelope struct {
	SchemaVersion string `json:"schema_version"`
	TaskID        string `json:"task_id"`
	TraceID       string `json:"trace_id"`
	DistrictCode  string `json:"district_code"`
	YearMonth     string `json:"year_month"`
	Attempt       int    `json:"attempt"`
	SubmittedAt   string `json:"submitted_at"`
}

// yearMonthLayout is the wire format for target months.
const yearMonthLayout = "2006-01"

// main boots the API process and manages graceful shutdown.
func main() {
	if err := godotenv.Load(); err == nil {
		appLogger.Println("loaded environment overrides from .env")
	}

	cfg, err := loadConfig()
	if err != nil {
		appLogger.Fatalf("config load failed: %v", err)
	}

	a, err := newApp(cfg, appLogger)
	if err != nil {
		appLogger.Fatalf("app init failed: %v", err)
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.refreshEnabled {
		go a.runDailyRefresh(shutdownCtx)
	}

	go func() {
		<-shutdownCtx.Done()
		a.logger.Println("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Printf("graceful shutdown failed: %v", err)
		}
	}()

	a.logger.Printf("starting API on %s", cfg.listenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Fatalf("server failed: %v", err)
	}
	a.logger.Println("server stopped")
}

// loadConfig parses all environment-driven runtime settings.
func loadConfig() (config, error) {
	redisDB, err := parseIntEnv("REDIS_DB", 0)
	if err != nil {
		return config{}, err
	}

	statusTTL, err := parseDurationEnv("STATUS_TTL", 24*time.Hour)
	if err != nil {
		return config{}, err
	}

	summaryCacheTTL, err := parseDurationEnv("SUMMARY_CACHE_TTL", time.Hour)
	if err != nil {
		return config{}, err
	}

	requestTimeout, err := parseDurationEnv("REQUEST_TIMEOUT", 5*time.Second)
	if err != nil {
		return config{}, err
	}

	mongoConnTimeout, err := parseDurationEnv("MONGO_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return config{}, err
	}

	watchPollInterval, err := parseDurationEnv("WATCH_POLL_INTERVAL", time.Second)
	if err != nil {
		return config{}, err
	}

	refreshEnabled, err := parseBoolEnv("REFRESH_ENABLED", true)
	if err != nil {
		return config{}, err
	}

	refreshInterval, err := parseDurationEnv("REFRESH_INTERVAL", 24*time.Hour)
	if err != nil {
		return config{}, err
	}

	refreshPacing, err := parseDurationEnv("REFRESH_PACING", 100*time.Millisecond)
	if err != nil {
		return config{}, err
	}

	backfillPacing, err := parseDurationEnv("BACKFILL_PACING", 500*time.Millisecond)
	if err != nil {
		return config{}, err
	}

	backfillMaxMonths, err := parseIntEnv("BACKFILL_MAX_MONTHS", 60)
	if err != nil {
		return config{}, err
	}
	if backfillMaxMonths < 1 {
		return config{}, errors.New("BACKFILL_MAX_MONTHS must be positive")
	}

	trendMaxMonths, err := parseIntEnv("TREND_MAX_MONTHS", 36)
	if err != nil {
		return config{}, err
	}

	cfg := config{
		listenAddr:        envOrDefault("API_ADDR", ":8080"),
		kafkaBrokers:      parseCSVEnv("KAFKA_BROKERS", []string{"localhost:9094"}),
		kafkaTaskTopic:    envOrDefault("KAFKA_TASK_TOPIC", "ingest.tasks.v1"),
		redisAddr:         envOrDefault("REDIS_ADDR", "localhost:6379"),
		redisUsername:     strings.TrimSpace(os.Getenv("REDIS_USERNAME")),
		redisPassword:     strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		redisDB:           redisDB,
		statusTTL:         statusTTL,
		summaryCacheTTL:   summaryCacheTTL,
		requestTimeout:    requestTimeout,
		mongoURI:          envOrDefault("MONGO_URI", "mongodb://localhost:27017"),
		mongoDatabase:     envOrDefault("MONGO_DB", "mgnrega"),
		mongoDistricts:    envOrDefault("MONGO_DISTRICTS_COLLECTION", "districts"),
		mongoSnapshots:    envOrDefault("MONGO_SNAPSHOT_COLLECTION", "monthly_snapshots"),
		mongoConnTO:       mongoConnTimeout,
		districtsSeedFile: strings.TrimSpace(os.Getenv("DISTRICTS_SEED_FILE")),
		workerGRPCAddr:    envOrDefault("WORKER_GRPC_ADDR", "localhost:9090"),
		watchPollInterval: watchPollInterval,
		refreshEnabled:    refreshEnabled,
		refreshInterval:   refreshInterval,
		refreshPacing:     refreshPacing,
		backfillPacing:    backfillPacing,
		backfillMaxMonths: backfillMaxMonths,
		trendMaxMonths:    trendMaxMonths,
	}

	appLogger.Printf(
		"config loaded addr=%s kafka_brokers=%v task_topic=%s redis_addr=%s redis_db=%d mongo_uri=%s mongo_db=%s worker_grpc=%s summary_cache_ttl=%s refresh_enabled=%t refresh_interval=%s backfill_max_months=%d",
		cfg.listenAddr,
		cfg.kafkaBrokers,
		cfg.kafkaTaskTopic,
		cfg.redisAddr,
		cfg.redisDB,
		cfg.mongoURI,
		cfg.mongoDatabase,
		cfg.workerGRPCAddr,
		cfg.summaryCacheTTL,
		cfg.refreshEnabled,
		cfg.refreshInterval,
		cfg.backfillMaxMonths,
	)
	return cfg, nil
}

// newApp initializes all dependency clients.
func newApp(cfg config, logger *log.Logger) (*app, error) {
	logger.Println("initializing application dependencies")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.mongoConnTO)
	defer cancel()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.mongoURI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := mongoClient.Ping(ctx, nil); err != nil {
		_ = mongoClient.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	db := mongoClient.Database(cfg.mongoDatabase)
	readStore := &mongoReadStore{
		districts: db.Collection(cfg.mongoDistricts),
		snapshots: db.Collection(cfg.mongoSnapshots),
		logger:    logger,
	}
	if err := readStore.ensureIndexes(ctx); err != nil {
		_ = mongoClient.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo index ensure failed: %w", err)
	}
	if cfg.districtsSeedFile != "" {
		if err := readStore.seedDistricts(ctx, cfg.districtsSeedFile); err != nil {
			_ = mongoClient.Disconnect(context.Background())
			return nil, fmt.Errorf("district seed failed: %w", err)
		}
	}

	grpcConn, err := grpc.NewClient(
		cfg.workerGRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		_ = mongoClient.Disconnect(context.Background())
		return nil, fmt.Errorf("worker grpc client failed: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		kafkaWriter: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.kafkaBrokers...),
			Topic:                  cfg.kafkaTaskTopic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			Async:                  false,
			WriteTimeout:           cfg.requestTimeout,
			ReadTimeout:            cfg.requestTimeout,
		},
		redisClient: redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Username: cfg.redisUsername,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		}),
		mongoClient: mongoClient,
		readStore:   readStore,
		grpcConn:    grpcConn,
		taskStatus:  ingestgrpc.NewTaskStatusClient(grpcConn),
	}, nil
}

// close closes network clients during shutdown.
func (a *app) close() {
	a.logger.Println("closing dependencies")
	if err := a.kafkaWriter.Close(); err != nil {
		a.logger.Printf("kafka writer close failed: %v", err)
	}
	if err := a.redisClient.Close(); err != nil {
		a.logger.Printf("redis close failed: %v", err)
	}
	if a.grpcConn != nil {
		if err := a.grpcConn.Close(); err != nil {
			a.logger.Printf("worker grpc close failed: %v", err)
		}
	}
	if a.mongoClient != nil {
		if err := a.mongoClient.Disconnect(context.Background()); err != nil {
			a.logger.Printf("mongo disconnect failed: %v", err)
		}
	}
}

// routes registers HTTP endpoints.
func (a *app) routes() http.Handler {
	a.logger.Println("registering routes: /healthz /v1/ping /v1/ingest/tasks /v1/ingest/backfill /v1/tasks/{id}/... /v1/districts... /metrics")
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/v1/ping", a.handlePing)
	mux.HandleFunc("/v1/ingest/tasks", a.handleSubmitTask)
	mux.HandleFunc("/v1/ingest/backfill", a.handleBackfill)
	mux.HandleFunc("/v1/tasks/", a.handleTaskPath)
	mux.HandleFunc("/v1/districts", a.handleListDistricts)
	mux.HandleFunc("/v1/districts/", a.handleDistrictPath)
	mux.HandleFunc("/metrics", a.handleMetrics)
	return mux
}

// handlePing returns a liveness probe without touching dependencies.
func (a *app) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "pong",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthz reports API dependency health (Kafka + Redis + MongoDB).
func (a *app) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.requestTimeout)
	defer cancel()

	redisOK := true
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		redisOK = false
		a.logger.Printf("healthz redis ping failed: %v", err)
	}

	mongoOK := true
	if err := a.mongoClient.Ping(ctx, nil); err != nil {
		mongoOK = false
		a.logger.Printf("healthz mongo ping failed: %v", err)
	}

	kafkaOK := false
	for _, broker := range a.cfg.kafkaBrokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			a.logger.Printf("healthz kafka dial failed broker=%s err=%v", broker, err)
			continue
		}
		kafkaOK = true
		_ = conn.Close()
		break
	}

	statusCode := http.StatusOK
	overall := "ok"
	if !kafkaOK || !redisOK || !mongoOK {
		statusCode = http.StatusServiceUnavailable
		overall = "degraded"
	}

	a.logger.Printf("healthz result status=%s kafka_ok=%t redis_ok=%t mongo_ok=%t", overall, kafkaOK, redisOK, mongoOK)
	writeJSON(w, statusCode, map[string]any{
		"status": overall,
		"checks": map[string]bool{
			"kafka": kafkaOK,
			"redis": redisOK,
			"mongo": mongoOK,
		},
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMetrics serves the Prometheus text exposition for API counters.
func (a *app) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(apiMetricsState.renderPrometheus()))
}

// handleSubmitTask accepts one on-demand district-month ingest task.
func (a *app) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	a.logger.Printf("submit task request method=%s path=%s", r.Method, r.URL.Path)
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req submitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		a.logger.Printf("submit task invalid request: %v", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	req, err := validateSubmitTaskRequest(req)
	if err != nil {
		a.logger.Printf("submit task validation failed: %v", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	taskID, traceID, submittedAt, err := a.enqueueTask(r.Context(), req.DistrictCode, req.YearMonth)
	if err != nil {
		apiMetricsState.recordEnqueueFailure()
		a.logger.Printf("submit task enqueue failed district=%s month=%s err=%v", req.DistrictCode, req.YearMonth, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	apiMetricsState.recordTaskSubmission()
	w.Header().Set("Location", fmt.Sprintf("/v1/tasks/%s/status", taskID))
	writeJSON(w, http.StatusAccepted, submitTaskResponse{
		TaskID:       taskID,
		TraceID:      traceID,
		DistrictCode: req.DistrictCode,
		YearMonth:    req.YearMonth,
		State:        "queued",
		SubmittedAt:  submittedAt.Format(time.RFC3339),
		Message:      "ingest task accepted",
	})
	a.logger.Printf("submit task accepted task_id=%s trace_id=%s district=%s month=%s", taskID, traceID, req.DistrictCode, req.YearMonth)
}

// handleBackfill accepts a month-range request and enqueues one task per month
// asynchronously so a large range never blocks the HTTP response.
func (a *app) handleBackfill(w http.ResponseWriter, r *http.Request) {
	a.logger.Printf("backfill request method=%s path=%s", r.Method, r.URL.Path)
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req backfillRequest
	if err := decodeJSON(r, &req); err != nil {
		a.logger.Printf("backfill invalid request: %v", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	districtCode, err := validateDistrictCode(req.DistrictCode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	months, err := monthsInRange(req.StartMonth, req.EndMonth)
	if err != nil {
		a.logger.Printf("backfill invalid range start=%q end=%q err=%v", req.StartMonth, req.EndMonth, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(months) > a.cfg.backfillMaxMonths {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("range spans %d months, maximum is %d", len(months), a.cfg.backfillMaxMonths),
		})
		return
	}

	specs := make([]backfillTask, 0, len(months))
	taskIDs := make([]string, 0, len(months))
	for _, month := range months {
		taskID := uuid.NewString()
		taskIDs = append(taskIDs, taskID)
		specs = append(specs, backfillTask{
			taskID:       taskID,
			traceID:      uuid.NewString(),
			districtCode: districtCode,
			yearMonth:    month,
		})
	}

	apiMetricsState.recordBackfillRequest()
	a.startBackfill(specs)

	writeJSON(w, http.StatusAccepted, backfillResponse{
		DistrictCode: districtCode,
		Months:       months,
		TaskIDs:      taskIDs,
		State:        "accepted",
		Message:      fmt.Sprintf("enqueueing %d ingest tasks in the background", len(months)),
	})
	a.logger.Printf("backfill accepted district=%s months=%d", districtCode, len(months))
}

// handleTaskPath dispatches /v1/tasks/{task_id}/status and /v1/tasks/{task_id}/watch.
func (a *app) handleTaskPath(w http.ResponseWriter, r *http.Request) {
	taskID, action, err := parseTaskPath(r.URL.Path)
	if err != nil {
		a.logger.Printf("task path invalid path=%s err=%v", r.URL.Path, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path must match /v1/tasks/{task_id}/status or /v1/tasks/{task_id}/watch"})
		return
	}
	if _, err := uuid.Parse(taskID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "task_id must be a valid UUID"})
		return
	}

	switch action {
	case "status":
		a.handleTaskStatus(w, r, taskID)
	case "watch":
		a.handleTaskWatch(w, r, taskID)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown task action"})
	}
}

// handleTaskStatus fetches the latest task state from the worker over gRPC.
func (a *app) handleTaskStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	apiMetricsState.recordStatusRequest()
	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.requestTimeout)
	defer cancel()

	reply, err := a.taskStatus.GetTaskStatus(
		ctx,
		&ingestgrpc.GetTaskStatusRequest{TaskID: taskID},
		ingestgrpc.DefaultClientCallOptions()...,
	)
	if err != nil {
		a.logger.Printf("status request failed task_id=%s err=%v", taskID, err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to fetch task status"})
		return
	}

	statusCode := http.StatusOK
	if reply.State == "not_found" {
		statusCode = http.StatusNotFound
	}
	writeJSON(w, statusCode, reply)
	a.logger.Printf("status request success task_id=%s state=%s progress=%d", reply.TaskID, reply.State, reply.ProgressPercent)
}

// handleListDistricts returns the district catalog.
func (a *app) handleListDistricts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.requestTimeout)
	defer cancel()

	districts, err := a.readStore.ListDistricts(ctx)
	if err != nil {
		a.logger.Printf("district list failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list districts"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"districts": districts,
		"count":     len(districts),
	})
}

// handleDistrictPath dispatches /v1/districts/{code}/summary and /v1/districts/{code}/trend.
func (a *app) handleDistrictPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	code, action, err := parseDistrictPath(r.URL.Path)
	if err != nil {
		a.logger.Printf("district path invalid path=%s err=%v", r.URL.Path, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "path must match /v1/districts/{code}/summary or /v1/districts/{code}/trend"})
		return
	}
	code, err = validateDistrictCode(code)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	switch action {
	case "summary":
		a.handleDistrictSummary(w, r, code)
	case "trend":
		a.handleDistrictTrend(w, r, code)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown district action"})
	}
}

// handleDistrictTrend returns the most recent snapshots for a district in
// ascending month order.
func (a *app) handleDistrictTrend(w http.ResponseWriter, r *http.Request, code string) {
	months := a.cfg.trendMaxMonths
	if raw := strings.TrimSpace(r.URL.Query().Get("months")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "months must be a positive integer"})
			return
		}
		if parsed < months {
			months = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.requestTimeout)
	defer cancel()

	if _, err := a.readStore.GetDistrict(ctx, code); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown district"})
			return
		}
		a.logger.Printf("trend district lookup failed code=%s err=%v", code, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load district"})
		return
	}

	docs, err := a.readStore.Trend(ctx, code, months)
	if err != nil {
		a.logger.Printf("trend query failed code=%s err=%v", code, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load trend"})
		return
	}

	points := make([]snapshotPoint, 0, len(docs))
	for _, doc := range docs {
		points = append(points, toPoint(doc))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"district_code": code,
		"months":        months,
		"points":        points,
		"count":         len(points),
	})
}

// parseTaskPath extracts {task_id} and the action from /v1/tasks/{task_id}/{action}.
func parseTaskPath(path string) (string, string, error) {
	const prefix = "/v1/tasks/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", errors.New("missing /v1/tasks prefix")
	}

	remainder := strings.TrimPrefix(path, prefix)
	parts := strings.Split(remainder, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", errors.New("path must match /v1/tasks/{task_id}/{action}")
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

// parseDistrictPath extracts {code} and the action from /v1/districts/{code}/{action}.
func parseDistrictPath(path string) (string, string, error) {
	const prefix = "/v1/districts/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", errors.New("missing /v1/districts prefix")
	}

	remainder := strings.TrimPrefix(path, prefix)
	parts := strings.Split(remainder, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", errors.New("path must match /v1/districts/{code}/{action}")
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

// validateSubmitTaskRequest validates and normalizes the submit request.
func validateSubmitTaskRequest(in submitTaskRequest) (submitTaskRequest, error) {
	code, err := validateDistrictCode(in.DistrictCode)
	if err != nil {
		return in, err
	}
	in.DistrictCode = code

	in.YearMonth = strings.TrimSpace(in.YearMonth)
	if in.YearMonth == "" {
		return in, errors.New("year_month is required")
	}
	if _, err := time.Parse(yearMonthLayout, in.YearMonth); err != nil {
		return in, errors.New("year_month must use the YYYY-MM format")
	}
	return in, nil
}

// validateDistrictCode normalizes a district code to the canonical uppercase form.
func validateDistrictCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", errors.New("district_code is required")
	}
	if len(code) > 64 {
		return "", errors.New("district_code is too long")
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return "", errors.New("district_code may contain only letters, digits, hyphens, and underscores")
		}
	}
	return code, nil
}

// enqueueTask generates identifiers and submits one ingest task.
func (a *app) enqueueTask(parentCtx context.Context, districtCode, yearMonth string) (string, string, time.Time, error) {
	return a.enqueueTaskAs(parentCtx, uuid.NewString(), uuid.NewString(), districtCode, yearMonth)
}

// enqueueTaskAs writes initial Redis status and publishes the canonical Kafka
// message under pre-assigned identifiers.
func (a *app) enqueueTaskAs(parentCtx context.Context, taskID, traceID, districtCode, yearMonth string) (string, string, time.Time, error) {
	now := time.Now().UTC()

	a.logger.Printf("enqueue start task_id=%s trace_id=%s district=%s month=%s", taskID, traceID, districtCode, yearMonth)
	ctx, cancel := context.WithTimeout(parentCtx, a.cfg.requestTimeout)
	defer cancel()

	if err := a.writeQueuedStatus(ctx, taskID, traceID, districtCode, yearMonth, now); err != nil {
		a.logger.Printf("enqueue redis queued status write failed task_id=%s: %v", taskID, err)
		return "", "", time.Time{}, errors.New("failed to initialize task status")
	}

	body, err := json.Marshal(taskEnvelope{
		SchemaVersion: "1.0",
		TaskID:        taskID,
		TraceID:       traceID,
		DistrictCode:  districtCode,
		YearMonth:     yearMonth,
		Attempt:       0,
		SubmittedAt:   now.Format(time.RFC3339),
	})
	if err != nil {
		a.logger.Printf("enqueue kafka payload marshal failed task_id=%s: %v", taskID, err)
		return "", "", time.Time{}, errors.New("failed to encode task")
	}

	kmsg := kafka.Message{
		Key:   []byte(districtCode),
		Value: body,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "schema-version", Value: []byte("1.0")},
			{Key: "trace-id", Value: []byte(traceID)},
		},
	}

	if err := a.kafkaWriter.WriteMessages(ctx, kmsg); err != nil {
		a.logger.Printf("enqueue kafka publish failed task_id=%s district=%s err=%v", taskID, districtCode, err)
		_ = a.writeFailedEnqueueStatus(context.Background(), taskID, traceID, districtCode, yearMonth)
		return "", "", time.Time{}, errors.New("failed to enqueue task")
	}

	a.logger.Printf("enqueue success task_id=%s trace_id=%s district=%s month=%s", taskID, traceID, districtCode, yearMonth)
	return taskID, traceID, now, nil
}

// writeQueuedStatus initializes Redis status for a newly queued task.
func (a *app) writeQueuedStatus(ctx context.Context, taskID, traceID, districtCode, yearMonth string, at time.Time) error {
	key := taskStatusKey(taskID)
	values := map[string]any{
		"task_id":          taskID,
		"trace_id":         traceID,
		"district_code":    districtCode,
		"year_month":       yearMonth,
		"attempt":          0,
		"state":            "queued",
		"progress_percent": 0,
		"updated_at":       at.Format(time.RFC3339),
		"message":          "task queued",
	}

	if err := a.redisClient.HSet(ctx, key, values).Err(); err != nil {
		a.logger.Printf("redis HSET failed key=%s err=%v", key, err)
		return err
	}
	if err := a.redisClient.Expire(ctx, key, a.cfg.statusTTL).Err(); err != nil {
		a.logger.Printf("redis EXPIRE failed key=%s ttl=%s err=%v", key, a.cfg.statusTTL, err)
		return err
	}
	return nil
}

// writeFailedEnqueueStatus marks a task as failed when Kafka publish fails.
func (a *app) writeFailedEnqueueStatus(ctx context.Context, taskID, traceID, districtCode, yearMonth string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.requestTimeout)
	defer cancel()

	key := taskStatusKey(taskID)
	values := map[string]any{
		"task_id":          taskID,
		"trace_id":         traceID,
		"district_code":    districtCode,
		"year_month":       yearMonth,
		"state":            "failed",
		"progress_percent": 0,
		"updated_at":       time.Now().UTC().Format(time.RFC3339),
		"message":          "failed to enqueue task",
		"error_code":       "KAFKA_PUBLISH_FAILED",
	}

	if err := a.redisClient.HSet(ctx, key, values).Err(); err != nil {
		a.logger.Printf("redis failed-status HSET failed key=%s err=%v", key, err)
		return err
	}
	if err := a.redisClient.Expire(ctx, key, a.cfg.statusTTL).Err(); err != nil {
		a.logger.Printf("redis failed-status EXPIRE failed key=%s err=%v", key, err)
		return err
	}
	return nil
}

// taskStatusKey returns the canonical Redis key for transient task status.
func taskStatusKey(taskID string) string {
	return fmt.Sprintf("task:%s:status", taskID)
}

// writeJSON writes a JSON response with a status code.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		appLogger.Printf("response encode failed: %v", err)
	}
}

// decodeJSON decodes a strict single-object JSON request body with size limit.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid request body: multiple JSON values")
	}
	return nil
}

// envOrDefault returns an environment variable value or fallback if empty.
func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		appLogger.Printf("env %s not set; using default=%q", key, fallback)
		return fallback
	}
	return value
}

// parseCSVEnv parses a comma-delimited environment variable into a string slice.
func parseCSVEnv(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		appLogger.Printf("env %s not set; using default list=%v", key, fallback)
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		appLogger.Printf("env %s parsed empty list; using fallback=%v", key, fallback)
		return fallback
	}
	return out
}

// parseIntEnv parses an integer environment variable with fallback.
func parseIntEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		appLogger.Printf("env %s not set; using default int=%d", key, fallback)
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return value, nil
}

// parseDurationEnv parses a duration environment variable with fallback.
func parseDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		appLogger.Printf("env %s not set; using default duration=%s", key, fallback)
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return value, nil
}

// parseBoolEnv parses a boolean environment variable with fallback.
func parseBoolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		appLogger.Printf("env %s not set; using default bool=%t", key, fallback)
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return value, nil
}
