// Package monitor serves the HTTP control and status API of the running
// experiment.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"

	"github.com/san-kum/morbidostat/internal/control"
	"github.com/san-kum/morbidostat/internal/culture"
	"github.com/san-kum/morbidostat/internal/experiment"
	"github.com/san-kum/morbidostat/internal/hardware"
)

const defaultStopTimeout = 2 * time.Minute

// Monitor exposes the experiment held by a Host over HTTP.
type Monitor struct {
	host        *experiment.Host
	gatherer    prometheus.Gatherer
	addr        string
	stopTimeout time.Duration
	logger      *slog.Logger

	srv *http.Server
}

type Option func(*Monitor)

func WithAddr(addr string) Option {
	return func(m *Monitor) { m.addr = addr }
}

// WithGatherer serves g at /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(m *Monitor) { m.gatherer = g }
}

func WithStopTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.stopTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func New(host *experiment.Host, opts ...Option) *Monitor {
	m := &Monitor{
		host:        host,
		gatherer:    prometheus.DefaultGatherer,
		addr:        "127.0.0.1:0",
		stopTimeout: defaultStopTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "monitor")
	return m
}

// Handler returns the router with every route registered.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", m.status).Methods(http.MethodGet)
	r.HandleFunc("/api/cultures/{vial:[0-9]+}", m.culture).Methods(http.MethodGet)
	r.HandleFunc("/api/cultures/{vial:[0-9]+}/parameters/{key}", m.setParameter).Methods(http.MethodPut)
	r.HandleFunc("/api/start", m.lifecycle(func(ctx context.Context, e *experiment.Experiment) error { return e.Start(ctx) })).Methods(http.MethodPost)
	r.HandleFunc("/api/stop", m.lifecycle(func(ctx context.Context, e *experiment.Experiment) error { return e.Stop(ctx) })).Methods(http.MethodPost)
	r.HandleFunc("/api/softstop", m.lifecycle(func(ctx context.Context, e *experiment.Experiment) error { return e.SoftStop(ctx) })).Methods(http.MethodPost)
	r.HandleFunc("/api/hardstop", m.lifecycle(func(ctx context.Context, e *experiment.Experiment) error { return e.HardStop(ctx) })).Methods(http.MethodPost)
	r.HandleFunc("/api/pause", m.lifecycle(func(ctx context.Context, e *experiment.Experiment) error { return e.PauseDilutionWorker(ctx) })).Methods(http.MethodPost)
	r.HandleFunc("/api/resume", m.lifecycle(func(ctx context.Context, e *experiment.Experiment) error { return e.ResumeDilutionWorker(ctx) })).Methods(http.MethodPost)
	r.HandleFunc("/api/resource", m.resource).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Start listens on the configured address and serves in the background.
// It returns the bound address.
func (m *Monitor) Start() (net.Addr, error) {
	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		return nil, fmt.Errorf("monitor listen: %w", err)
	}
	m.srv = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := m.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("monitor stopped", "error", err)
		}
	}()
	m.logger.Info("monitor listening", "addr", listener.Addr().String())
	return listener.Addr(), nil
}

func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

type statusRsp struct {
	Experiment string       `json:"experiment"`
	Name       string       `json:"name"`
	Status     string       `json:"status"`
	Connected  bool         `json:"connected"`
	Cultures   []cultureRsp `json:"cultures"`
}

// cultureRsp is a culture snapshot with absent values as null, since JSON
// has no NaN.
type cultureRsp struct {
	Vial              int                `json:"vial"`
	OD                *float64           `json:"od"`
	ODTime            *time.Time         `json:"od_time"`
	GrowthRate        *float64           `json:"growth_rate"`
	GrowthStdErr      *float64           `json:"growth_rate_stderr"`
	DrugConcentration float64            `json:"drug_concentration"`
	Generation        float64            `json:"generation"`
	LastDilution      *time.Time         `json:"last_dilution"`
	Dilutions         int                `json:"dilutions"`
	Measurements      int                `json:"measurements"`
	LastAction        string             `json:"last_action"`
	Status            map[string]string  `json:"status"`
	Parameters        map[string]float64 `json:"parameters"`
}

func newCultureRsp(s culture.Snapshot) cultureRsp {
	rsp := cultureRsp{
		Vial:              s.Vial,
		GrowthRate:        finite(s.GrowthRate),
		GrowthStdErr:      finite(s.GrowthStdErr),
		DrugConcentration: s.DrugConcentration,
		Generation:        s.Generation,
		Dilutions:         len(s.Doses),
		Measurements:      len(s.Population),
		LastAction:        s.LastAction.String(),
		Status:            make(map[string]string, len(s.Status)),
		Parameters:        s.Parameters,
	}
	if !s.ODTime.IsZero() {
		rsp.OD = finite(s.OD)
		rsp.ODTime = &s.ODTime
	}
	if !s.LastDilution.IsZero() {
		rsp.LastDilution = &s.LastDilution
	}
	for reason, text := range s.Status {
		rsp.Status[string(reason)] = text
	}
	return rsp
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (m *Monitor) status(w http.ResponseWriter, _ *http.Request) {
	e, err := m.host.Current()
	if err != nil {
		m.fail(w, err)
		return
	}
	rsp := statusRsp{
		Experiment: e.ID(),
		Name:       e.Name(),
		Status:     e.Status().String(),
		Connected:  e.Connected(),
	}
	for _, s := range e.Cultures() {
		rsp.Cultures = append(rsp.Cultures, newCultureRsp(s))
	}
	sort.Slice(rsp.Cultures, func(i, j int) bool { return rsp.Cultures[i].Vial < rsp.Cultures[j].Vial })
	m.write(w, http.StatusOK, rsp)
}

func (m *Monitor) culture(w http.ResponseWriter, r *http.Request) {
	e, err := m.host.Current()
	if err != nil {
		m.fail(w, err)
		return
	}
	vial, _ := strconv.Atoi(mux.Vars(r)["vial"])
	s, err := e.CultureStatus(vial)
	if err != nil {
		m.fail(w, err)
		return
	}
	m.write(w, http.StatusOK, newCultureRsp(s))
}

type parameterReq struct {
	Value *float64 `json:"value"`
}

func (m *Monitor) setParameter(w http.ResponseWriter, r *http.Request) {
	e, err := m.host.Current()
	if err != nil {
		m.fail(w, err)
		return
	}
	vars := mux.Vars(r)
	vial, _ := strconv.Atoi(vars["vial"])

	var req parameterReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		m.write(w, http.StatusBadRequest, errorRsp{Error: "body must be {\"value\": <number>}"})
		return
	}
	if err := e.SetParameter(vial, vars["key"], *req.Value); err != nil {
		m.fail(w, err)
		return
	}
	s, err := e.CultureStatus(vial)
	if err != nil {
		m.fail(w, err)
		return
	}
	m.write(w, http.StatusOK, newCultureRsp(s))
}

func (m *Monitor) lifecycle(op func(context.Context, *experiment.Experiment) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := m.host.Current()
		if err != nil {
			m.fail(w, err)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), m.stopTimeout)
		defer cancel()
		if err := op(ctx, e); err != nil {
			m.fail(w, err)
			return
		}
		m.write(w, http.StatusOK, map[string]string{"status": e.Status().String()})
	}
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) resource(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.fail(w, err)
		return
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.fail(w, err)
		return
	}
	memory, err := proc.MemoryInfo()
	if err != nil {
		m.fail(w, err)
		return
	}
	m.write(w, http.StatusOK, resourceRsp{CPUPercent: cpuPercent, MemorySize: memory.RSS})
}

type errorRsp struct {
	Error string `json:"error"`
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, experiment.ErrNoExperiment), errors.Is(err, experiment.ErrUnknownVial):
		return http.StatusNotFound
	case errors.Is(err, experiment.ErrInvalidTransition), errors.Is(err, experiment.ErrActive):
		return http.StatusConflict
	case errors.Is(err, culture.ErrStateKey), errors.Is(err, culture.ErrUnknownParameter),
		errors.Is(err, control.ErrInvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, hardware.ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (m *Monitor) fail(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		m.logger.Error("request failed", "error", err)
	}
	m.write(w, code, errorRsp{Error: err.Error()})
}

func (m *Monitor) write(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Warn("write response", "error", err)
	}
}
