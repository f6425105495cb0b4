package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/lykyn-sync/internal/devices"
	"github.com/bilbercode/lykyn-sync/internal/presets"
)

const (
	maxBodySize     = 64 << 10
	maxHistoryLimit = 1000
	shutdownTimeout = 5 * time.Second
)

type httpAPI struct {
	sync.RWMutex
	client Client
	router http.Handler
}

func NewHTTPAPI() LykynAPI {
	a := &httpAPI{}
	a.router = a.buildRouter()
	return a
}

func (a *httpAPI) SetClient(client Client) {
	a.Lock()
	defer a.Unlock()
	a.client = client
}

func (a *httpAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *httpAPI) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/online", a.handleOnline)
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", a.handleListDevices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetDevice)
				r.Get("/history", a.handleHistory)
				r.Patch("/info", a.handleUpdateInfo)
				r.Put("/preset/{name}", a.handleApplyPreset)
				r.Put("/light", a.handleLight)
			})
		})
	})
	return r
}

// Start serves the API on addr until ctx is done.
func (a *httpAPI) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("starting http api")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// current returns the client, or writes 503 when there is none yet.
func (a *httpAPI) current(w http.ResponseWriter) (Client, bool) {
	a.RLock()
	defer a.RUnlock()
	if a.client == nil {
		writeError(w, http.StatusServiceUnavailable, "no client available, the service login has not completed")
		return nil, false
	}
	return a.client, true
}

func (a *httpAPI) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.RLock()
	client := a.client
	a.RUnlock()

	status := map[string]interface{}{"status": "ok", "ready": client != nil}
	if client != nil {
		status["realtime"] = client.IsRealtimeConnected()
		status["devices"] = len(client.Devices())
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *httpAPI) handleOnline(w http.ResponseWriter, _ *http.Request) {
	client, ok := a.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, Online{Devices: client.OnlineDeviceIDs(), Realtime: client.IsRealtimeConnected()})
}

func (a *httpAPI) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	client, ok := a.current(w)
	if !ok {
		return
	}
	cached := client.Devices()
	out := Devices{Devices: make([]Device, 0, len(cached))}
	for _, d := range cached {
		out.Devices = append(out.Devices, toDevice(client, d))
	}
	sort.Slice(out.Devices, func(i, j int) bool { return out.Devices[i].ID < out.Devices[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (a *httpAPI) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	client, ok := a.current(w)
	if !ok {
		return
	}
	d, ok := client.Device(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, toDevice(client, d))
}

func (a *httpAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	client, ok := a.current(w)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}
	data, err := client.GetDeviceHistory(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, History{Data: data})
}

func (a *httpAPI) handleUpdateInfo(w http.ResponseWriter, r *http.Request) {
	client, ok := a.current(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := client.Device(id); !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var partial devices.Info
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := json.Unmarshal(body, &partial); err != nil || len(partial) == 0 {
		writeError(w, http.StatusBadRequest, "body must be a non-empty JSON object")
		return
	}
	if err := presets.Validate(partial); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := client.UpdateDeviceSetting(r.Context(), id, partial); err != nil {
		log.WithError(err).WithField("device", id).Warn("failed to update device")
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *httpAPI) handleApplyPreset(w http.ResponseWriter, r *http.Request) {
	client, ok := a.current(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := client.Device(id); !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err := client.ApplyPreset(r.Context(), id, chi.URLParam(r, "name")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *httpAPI) handleLight(w http.ResponseWriter, r *http.Request) {
	client, ok := a.current(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := client.Device(id); !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var light Light
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&light); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	var err error
	switch {
	case light.Animation != "":
		err = client.SetLightAnimation(r.Context(), id, light.Animation)
	case light.On != nil:
		err = client.SetLight(r.Context(), id, *light.On)
	default:
		writeError(w, http.StatusBadRequest, "body needs on or animation")
		return
	}
	if err != nil {
		log.WithError(err).WithField("device", id).Warn("failed to set light")
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func toDevice(client Client, d devices.Device) Device {
	info := d.Info
	if info == nil {
		info = devices.Info{}
	}
	return Device{
		ID:              d.ID,
		Name:            d.Name,
		Online:          client.IsOnline(d.ID),
		FirmwareVersion: d.FirmwareVersion(),
		Info:            info,
	}
}
