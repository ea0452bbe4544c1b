package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/errs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// playRequest is the body of POST /v1/guilds/{guild}/play.
type playRequest struct {
	ChannelID string               `json:"channel_id"`
	Loop      bool                 `json:"loop"`
	Files     []config.SourceEntry `json:"files"`
}

// adminHandler serves metrics, health probes and the session API:
//
//	GET    /metrics
//	GET    /healthz, /readyz
//	GET    /v1/sessions
//	POST   /v1/guilds/{guild}/play    (503 when the join failure is retryable)
//	POST   /v1/guilds/{guild}/pause
//	POST   /v1/guilds/{guild}/resume
//	DELETE /v1/guilds/{guild}
func (a *App) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	health.New(
		health.Shards(a.coord.Shards),
		health.Voice(a.voice.Connections),
	).Register(mux)

	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("POST /v1/guilds/{guild}/play", a.handlePlay)
	mux.HandleFunc("POST /v1/guilds/{guild}/pause", a.handlePause)
	mux.HandleFunc("POST /v1/guilds/{guild}/resume", a.handleResume)
	mux.HandleFunc("DELETE /v1/guilds/{guild}", a.handleStop)

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.Sessions())
}

func (a *App) handlePlay(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guild")
	var req playRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}
	// Reuse the config validation so the API accepts what the file does.
	probe := config.AutoplayConfig{GuildID: guildID, ChannelID: req.ChannelID, Loop: req.Loop, Files: req.Files}
	if err := probe.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := a.Play(r.Context(), guildID, req.ChannelID, req.Files, req.Loop)
	if err != nil {
		status := http.StatusBadGateway
		if errs.Retryable(err) {
			if d := errs.RetryAfter(err); d > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.Round(time.Second)/time.Second)))
			}
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handlePause(w http.ResponseWriter, r *http.Request) {
	p, ok := a.sessions.Player(r.PathValue("guild"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoSession.Error())
		return
	}
	if !p.Pause() {
		writeError(w, http.StatusConflict, "player is "+p.State().String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleResume(w http.ResponseWriter, r *http.Request) {
	p, ok := a.sessions.Player(r.PathValue("guild"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoSession.Error())
		return
	}
	if !p.Unpause() {
		writeError(w, http.StatusConflict, "player is "+p.State().String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	err := a.StopGuild(r.Context(), r.PathValue("guild"))
	switch {
	case errors.Is(err, ErrNoSession):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
