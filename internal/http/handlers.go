package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/medtransport-dispatch/internal/billing"
	"github.com/example/medtransport-dispatch/internal/config"
	"github.com/example/medtransport-dispatch/internal/engine"
	"github.com/example/medtransport-dispatch/internal/geo"
	"github.com/example/medtransport-dispatch/internal/idempotency"
	"github.com/example/medtransport-dispatch/internal/ingest"
	"github.com/example/medtransport-dispatch/internal/jobs"
	"github.com/example/medtransport-dispatch/internal/logging"
	"github.com/example/medtransport-dispatch/internal/models"
	"github.com/example/medtransport-dispatch/internal/notify"
	"github.com/example/medtransport-dispatch/internal/storage"
)

// Server wires the dispatch API: job submission, job status, SSE streaming,
// the driver roster intake, and driver notification sockets.
type Server struct {
	Orch     *jobs.Orchestrator
	Streamer *jobs.Streamer
	Drivers  storage.DriverStore
	Kafka    *ingest.KafkaProducer
	WSReg    *notify.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer builds the full dependency graph from config. Redis, Kafka,
// Postgres, OSRM, Maps and Stripe are all optional; absent ones degrade to
// in-process fallbacks or are skipped.
func NewServer(cfg config.ServerConfig) (*Server, error) {
	logger := logging.NewLogger(cfg.LogLevel)

	var rides storage.RideStore
	var drivers storage.DriverStore
	var jobStore storage.JobStore
	var audits storage.AuditStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		rides, drivers, jobStore, audits = pg, pg, pg, pg
	} else {
		mem := storage.NewMemoryStore()
		rides, drivers, jobStore, audits = mem, mem, mem, mem
	}

	var idem idempotency.Store
	if cfg.RedisAddr != "" {
		idem = idempotency.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		idem = idempotency.NewMemoryStore()
	}

	var distance geo.DistanceProvider
	if cfg.OSRMEndpoint != "" {
		distance = geo.NewOSRMClient(cfg.OSRMEndpoint)
	}
	var geocoder geo.Geocoder
	if cfg.MapsAPIKey != "" {
		g, err := geo.NewGoogleGeocoder(cfg.MapsAPIKey)
		if err != nil {
			return nil, fmt.Errorf("maps: %w", err)
		}
		geocoder = g
	}
	var fares billing.FareHolder
	if cfg.StripeAPIKey != "" {
		fares = billing.NewStripeClient(cfg.StripeAPIKey)
	}
	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := notify.NewWSRegistry()
	eng := &engine.Engine{
		Rides:          rides,
		Drivers:        drivers,
		Distance:       distance,
		LicenseHorizon: cfg.LicenseHorizon,
		Policy:         engine.SingleAssignment,
		Logger:         logger,
	}
	orch := &jobs.Orchestrator{
		Jobs:      jobStore,
		Rides:     rides,
		Audits:    audits,
		Engine:    eng,
		Idem:      idem,
		Webhook:   notify.NewWebhook(cfg.WebhookTimeout),
		WS:        wsreg,
		Billing:   fares,
		Geocode:   geocoder,
		IdemTTL:   cfg.IdempotencyTTL,
		FareCents: cfg.FareCents,
		Logger:    logger,
	}

	s := &Server{
		Orch:     orch,
		Streamer: &jobs.Streamer{Jobs: jobStore, Interval: cfg.StreamInterval},
		Drivers:  drivers,
		Kafka:    kp,
		WSReg:    wsreg,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/optimize/date", s.handleSubmitForDate).Methods("POST")
	s.mux.HandleFunc("/api/v1/optimize/rides", s.handleSubmitForRides).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}", s.handleGetJob).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/events", s.handleJobEvents).Methods("GET")
	s.mux.HandleFunc("/internal/drivers/roster", s.handleDriverRoster).Methods("POST")
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type submitDateRequest struct {
	Date        string `json:"date"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type submitRidesRequest struct {
	RideIDs     []string `json:"ride_ids"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

func (s *Server) handleSubmitForDate(w http.ResponseWriter, r *http.Request) {
	var req submitDateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.Orch.SubmitForDate(r.Context(), req.Date, r.Header.Get("Idempotency-Key"), req.CallbackURL)
	s.writeSubmitResponse(w, job, err)
}

func (s *Server) handleSubmitForRides(w http.ResponseWriter, r *http.Request) {
	var req submitRidesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.Orch.SubmitForRides(r.Context(), req.RideIDs, r.Header.Get("Idempotency-Key"), req.CallbackURL)
	s.writeSubmitResponse(w, job, err)
}

func (s *Server) writeSubmitResponse(w http.ResponseWriter, job *models.OptimizationJob, err error) {
	switch {
	case errors.Is(err, jobs.ErrDuplicate):
		resp := map[string]any{"duplicate": true}
		if job != nil {
			resp["job_id"] = job.ID
			resp["status"] = job.Status
		}
		writeJSON(w, http.StatusConflict, resp)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status})
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, err := s.Orch.GetJob(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobEvents streams job status as server-sent events until the job
// reaches a terminal state or the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	jobID := mux.Vars(r)["job_id"]
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range s.Streamer.Stream(r.Context(), jobID) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
		flusher.Flush()
	}
}

// handleDriverRoster ingests one roster update: published to Kafka when
// configured, and folded straight into the driver store.
func (s *Server) handleDriverRoster(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.ID == "" {
		http.Error(w, "driver id required", http.StatusBadRequest)
		return
	}
	if _, err := models.ParseVehicleType(string(d.VehicleType)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishDriver(d); err != nil {
			s.logger.Warn("roster publish failed", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.Drivers.UpsertDriver(r.Context(), d); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(driverID, conn)

	// Drain inbound frames; the first read error means the driver is gone and
	// the session must leave the registry.
	go func() {
		defer func() {
			s.WSReg.Remove(driverID)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
