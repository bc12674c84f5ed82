package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autolevel.ai/internal/persistence/indexdb"
	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/monitor"
	"autolevel.ai/internal/sim/multiworld"
	"autolevel.ai/internal/sim/simhost"
	"autolevel.ai/internal/transport/observer"
)

type server struct {
	world *simhost.World
	mgr   *multiworld.Manager
	idx   *indexdb.SQLiteIndex // nil when indexing is disabled
	obs   *observer.Server
	log   *log.Logger
	now   func() time.Time
}

func (s *server) routes(enableAdmin bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, s.mgr.Status(), s.idx, s.obs.Stats())
	})
	if enableAdmin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", loopbackOnly(s.handleState))
		mux.HandleFunc("/admin/v1/events", loopbackOnly(s.handleEvents))
		mux.HandleFunc("/admin/v1/entity", loopbackOnly(s.handleEntity))
		mux.HandleFunc("/admin/v1/chat", loopbackOnly(s.handleChat))
	}
	mux.HandleFunc("/v1/events", s.obs.WSHandler())
	return mux
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

type entityState struct {
	simhost.EntityView
	State string `json:"state"`
}

type stateResp struct {
	Status    multiworld.Status        `json:"status"`
	Entities  map[string][]entityState `json:"entities"`
	Observers []string                 `json:"observers"`
}

func (s *server) handleState(rw http.ResponseWriter, r *http.Request) {
	resp := stateResp{
		Status:    s.mgr.Status(),
		Entities:  map[string][]entityState{},
		Observers: s.obs.SessionIDs(),
	}
	for _, name := range s.world.PartitionNames() {
		views, err := s.world.Views(name)
		if err != nil {
			continue
		}
		list := make([]entityState, 0, len(views))
		for _, v := range views {
			st, _ := s.mgr.EntityState(name, v.ID)
			list = append(list, entityState{EntityView: v, State: st.String()})
		}
		resp.Entities[name] = list
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if s.idx == nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrInternal, "index disabled")
		return
	}
	q := r.URL.Query()
	f := indexdb.EventFilter{
		Partition: strings.TrimSpace(q.Get("partition")),
		Kind:      strings.TrimSpace(q.Get("kind")),
	}
	if v := q.Get("entity_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "bad entity_id")
			return
		}
		f.EntityID = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "bad limit")
			return
		}
		f.Limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.idx.Flush(ctx); err != nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrInternal, err.Error())
		return
	}
	evs, err := s.idx.RecentEvents(ctx, f)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	if evs == nil {
		evs = []protocol.EntityEvent{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"events": evs})
}

// entityReq mutates one simulated entity. Fields beyond partition, id and
// action are read only by the action that needs them.
type entityReq struct {
	Partition string `json:"partition"`
	ID        int    `json:"id"`
	Action    string `json:"action"`

	Powered *bool               `json:"powered,omitempty"`
	Core    string              `json:"core,omitempty"`
	Block   string              `json:"block,omitempty"`
	Yaw     float32             `json:"yaw,omitempty"`
	Pitch   float32             `json:"pitch,omitempty"`
	Roll    float32             `json:"roll,omitempty"`
	Spawn   *simhost.EntitySpec `json:"spawn,omitempty"`
}

type entityResp struct {
	OK      bool                `json:"ok"`
	Removed int                 `json:"removed,omitempty"`
	Entity  *simhost.EntityView `json:"entity,omitempty"`
	State   string              `json:"state,omitempty"`
}

func (s *server) handleEntity(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req entityReq
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "invalid json: "+err.Error())
		return
	}
	req.Partition = strings.TrimSpace(req.Partition)
	if !s.hasPartition(req.Partition) {
		writeError(rw, http.StatusNotFound, protocol.ErrPartitionNotFound, "unknown partition: "+req.Partition)
		return
	}

	now := s.now()
	resp := entityResp{OK: true}
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "powered":
		if req.Powered == nil {
			err = badRequest("missing powered")
			break
		}
		err = s.world.SetPowered(req.Partition, req.ID, *req.Powered)
	case "core":
		var core monitor.CoreType
		if core, err = monitor.ParseCoreType(req.Core); err != nil {
			err = badRequest(err.Error())
			break
		}
		err = s.world.SetCore(req.Partition, req.ID, core)
	case "remove_block":
		if strings.TrimSpace(req.Block) == "" {
			err = badRequest("missing block")
			break
		}
		resp.Removed, err = s.world.RemoveBlocks(req.Partition, req.ID, req.Block)
	case "rotate":
		err = s.world.SetRotation(req.Partition, req.ID, simhost.Orientation(req.Yaw, req.Pitch, req.Roll))
	case "spawn":
		if req.Spawn == nil {
			err = badRequest("missing spawn")
			break
		}
		req.ID = req.Spawn.ID
		err = s.world.Spawn(req.Partition, *req.Spawn, now)
	case "unload":
		err = s.world.UnloadEntity(req.Partition, req.ID, now)
	case "unload_partition":
		err = s.world.UnloadPartition(req.Partition, now)
	default:
		err = badRequest("unknown action: " + req.Action)
	}
	// The host change stands even when the module is inert.
	if errors.Is(err, multiworld.ErrInert) {
		s.log.Printf("entity %s %s:%d: %v", req.Action, req.Partition, req.ID, err)
		err = nil
	}
	if err != nil {
		var bad badRequest
		switch {
		case errors.As(err, &bad):
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, string(bad))
		case errors.Is(err, simhost.ErrUnknownEntity):
			writeError(rw, http.StatusNotFound, protocol.ErrEntityNotFound, err.Error())
		default:
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		}
		return
	}

	if e, err := s.world.Entity(req.Partition, req.ID); err == nil {
		v := e.View()
		resp.Entity = &v
	}
	if st, ok := s.mgr.EntityState(req.Partition, req.ID); ok {
		resp.State = st.String()
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *server) hasPartition(name string) bool {
	for _, p := range s.world.PartitionNames() {
		if p == name {
			return true
		}
	}
	return false
}

type chatReq struct {
	Partition string `json:"partition"`
	Text      string `json:"text"`
}

// handleChat feeds a server-channel message to the module. A reply is
// announced to the named partition, if any.
func (s *server) handleChat(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req chatReq
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "invalid json: "+err.Error())
		return
	}
	reply, handled := s.mgr.HandleChat(req.Text)
	if handled && req.Partition != "" {
		if !s.hasPartition(req.Partition) {
			writeError(rw, http.StatusNotFound, protocol.ErrPartitionNotFound, "unknown partition: "+req.Partition)
			return
		}
		if err := s.world.Announce(req.Partition, reply); err != nil {
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
			return
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"handled": handled, "reply": reply})
}

type badRequest string

func (b badRequest) Error() string { return string(b) }

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorMsg{Code: code, Message: msg})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
