package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/zeusync/remoteserver/internal/core/admin"
	"github.com/zeusync/remoteserver/internal/core/errs"
	"github.com/zeusync/remoteserver/internal/core/identity"
	"github.com/zeusync/remoteserver/internal/core/observability/log"
	"github.com/zeusync/remoteserver/internal/core/protocol"
	"github.com/zeusync/remoteserver/internal/core/protocol/middlewares"
)

const adminRealm = `Basic realm="remote server administration"`

// adminChannel serves the administration API over HTTP JSON.
type adminChannel struct {
	admin         *admin.Admin
	metrics       *middlewares.MetricsMiddleware
	user          string
	password      string
	statsInterval time.Duration
	logger        log.Log
	router        *httprouter.Router
	// done stops the statistics streams on shutdown
	done <-chan struct{}
}

func newAdminChannel(a *admin.Admin, metrics *middlewares.MetricsMiddleware, cfg Config, done <-chan struct{}, logger log.Log) *adminChannel {
	h := &adminChannel{
		admin:         a,
		metrics:       metrics,
		user:          cfg.AdminUser,
		password:      cfg.AdminPassword,
		statsInterval: cfg.StatsInterval,
		logger:        logger.With(log.String("component", "admin_http")),
		router:        httprouter.New(),
		done:          done,
	}
	if h.statsInterval <= 0 {
		h.statsInterval = 5 * time.Second
	}
	h.setupRoutes()
	return h
}

func (h *adminChannel) setupRoutes() {
	h.router.GET("/admin/clients", h.handleClients)
	h.router.DELETE("/admin/clients/:id", h.handleDisconnect)
	h.router.GET("/admin/client-types", h.handleClientTypes)
	h.router.GET("/admin/users", h.handleUsers)

	h.router.GET("/admin/connections/count", h.handleConnectionCount)
	h.router.GET("/admin/connections/limit", h.handleConnectionLimit)
	h.router.PUT("/admin/connections/limit", h.handleSetConnectionLimit)

	h.router.GET("/admin/statistics", h.handleStatistics)
	h.router.GET("/admin/statistics/stream", h.handleStatisticsStream)
	h.router.GET("/admin/information", h.handleInformation)
	h.router.GET("/admin/properties", h.handleProperties)
	h.router.GET("/admin/memory", h.handleMemory)
	h.router.GET("/admin/threads", h.handleThreads)
	h.router.GET("/admin/gc", h.handleGC)
	h.router.GET("/admin/requests", h.handleRequests)
	h.router.GET("/admin/cpu", h.handleCPU)
	h.router.GET("/admin/methods", h.handleMethods)
}

func (h *adminChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, password, ok := r.BasicAuth()
	if !ok || !equal(user, h.user) || !equal(password, h.password) {
		w.Header().Set("WWW-Authenticate", adminRealm)
		writeError(w, errs.Authentication("administrator credentials required", nil))
		return
	}
	h.router.ServeHTTP(w, r)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (h *adminChannel) handleClients(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var clients []identity.RemoteClient
	query := r.URL.Query()
	switch {
	case query.Get("type") != "":
		clients = h.admin.ClientsOfType(query.Get("type"))
	case query.Get("user") != "":
		clients = h.admin.ClientsOfUser(query.Get("user"))
	default:
		clients = h.admin.Clients()
	}

	views := make([]clientView, 0, len(clients))
	for _, c := range clients {
		views = append(views, newClientView(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *adminChannel) handleDisconnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		writeError(w, errs.InvalidArgument("client id %q: %v", ps.ByName("id"), err))
		return
	}
	if err = h.admin.Disconnect(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminChannel) handleClientTypes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.admin.ClientTypes())
}

func (h *adminChannel) handleUsers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.admin.Users())
}

func (h *adminChannel) handleConnectionCount(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]int{"count": h.admin.ConnectionCount()})
}

type limitBody struct {
	Limit int `json:"limit"`
}

func (h *adminChannel) handleConnectionLimit(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, limitBody{Limit: h.admin.ConnectionLimit()})
}

func (h *adminChannel) handleSetConnectionLimit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body limitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.InvalidArgument("malformed limit: %v", err))
		return
	}
	if err := h.admin.SetConnectionLimit(body.Limit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limitBody{Limit: h.admin.ConnectionLimit()})
}

func (h *adminChannel) handleStatistics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.admin.ServerStatistics(since))
}

var statsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleStatisticsStream pushes server statistics every stats interval
// until the peer goes away or the server stops.
func (h *adminChannel) handleStatisticsStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := statsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Statistics stream upgrade failed", log.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// the stream is write-only; reading surfaces the peer closing it
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.statsInterval)
	defer ticker.Stop()

	since := time.Now()
	for {
		now := time.Now()
		if err = conn.WriteJSON(h.admin.ServerStatistics(since)); err != nil {
			return
		}
		since = now

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (h *adminChannel) handleInformation(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.admin.ServerInformation())
}

func (h *adminChannel) handleProperties(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.admin.SystemProperties())
}

func (h *adminChannel) handleMemory(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max":       h.admin.MaxMemory(),
		"allocated": h.admin.AllocatedMemory(),
	})
}

func (h *adminChannel) handleThreads(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.admin.ThreadStatistics())
}

func (h *adminChannel) handleGC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.admin.GCEvents(since))
}

func (h *adminChannel) handleRequests(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]float64{"per_second": h.admin.RequestsPerSecond()})
}

func (h *adminChannel) handleCPU(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]float64{
		"system":  h.admin.SystemCPULoad(),
		"process": h.admin.ProcessCPULoad(),
	})
}

func (h *adminChannel) handleMethods(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.metrics.Metrics())
}

// parseSince reads the since query parameter as RFC 3339 or Unix
// milliseconds. A missing parameter means the beginning of time.
func parseSince(r *http.Request) (time.Time, error) {
	text := r.URL.Query().Get("since")
	if text == "" {
		return time.Time{}, nil
	}
	if millis, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.UnixMilli(millis), nil
	}
	since, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, errs.InvalidArgument("since %q is neither RFC 3339 nor Unix milliseconds", text)
	}
	return since, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	reply := protocol.NewErrorReply(0, err)
	writeJSON(w, httpStatus(reply.Error.Code), reply.Error)
}

func httpStatus(code errs.Code) int {
	switch code {
	case errs.CodeInvalidArgument, errs.CodeConfiguration:
		return http.StatusBadRequest
	case errs.CodeAuthentication:
		return http.StatusUnauthorized
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeCapacity:
		return http.StatusConflict
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
