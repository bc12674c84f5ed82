package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"autolevel.ai/internal/protocol"
)

// Server streams entity events and partition chat to websocket observers.
// Each observer sends SUBSCRIBE first and may resend it to change filters.
type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	published atomic.Uint64
	dropped   atomic.Uint64
}

type session struct {
	id  string
	out chan []byte

	mu         sync.RWMutex
	partitions map[string]bool
	kinds      map[string]bool
}

func (s *session) setFilter(sub protocol.SubscribeMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions = toSet(sub.Partitions)
	s.kinds = toSet(sub.Kinds)
}

func (s *session) wants(partition, kind string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.partitions) > 0 && !s.partitions[partition] {
		return false
	}
	if kind != "" && len(s.kinds) > 0 && !s.kinds[kind] {
		return false
	}
	return true
}

func toSet(xs []string) map[string]bool {
	if len(xs) == 0 {
		return nil
	}
	out := make(map[string]bool, len(xs))
	for _, x := range xs {
		out[x] = true
	}
	return out
}

func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		log:      logger,
		sessions: map[string]*session{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Emit implements monitor.EventSink.
func (s *Server) Emit(ev protocol.EntityEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.broadcast(ev.Partition, ev.Kind, b)
}

// PublishChat forwards an announcement. Chat passes every kind filter.
func (s *Server) PublishChat(partition, text string, at time.Time) {
	b, err := json.Marshal(protocol.NewChatMsg(partition, text, at))
	if err != nil {
		return
	}
	s.broadcast(partition, "", b)
}

func (s *Server) broadcast(partition, kind string, b []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if !sess.wants(partition, kind) {
			continue
		}
		select {
		case sess.out <- b:
			s.published.Add(1)
		default:
			// Slow observer: drop rather than stall the update loop.
			s.dropped.Add(1)
		}
	}
}

type Stats struct {
	Sessions  int    `json:"sessions"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()
	return Stats{Sessions: n, Published: s.published.Load(), Dropped: s.dropped.Load()}
}

// SessionIDs returns the connected observer ids, sorted.
func (s *Server) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sess := &session{id: uuid.NewString(), out: make(chan []byte, 1024)}
		sess.setFilter(sub)
		s.mu.Lock()
		s.sessions[sess.id] = sess
		s.mu.Unlock()
		s.log.Printf("observer %s connected from %s", sess.id, r.RemoteAddr)
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
			s.log.Printf("observer %s disconnected", sess.id)
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := decodeSubscribe(msg); ok {
				sess.setFilter(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func decodeSubscribe(msg []byte) (protocol.SubscribeMsg, bool) {
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != protocol.TypeSubscribe || sub.ProtocolVersion != protocol.Version {
		return sub, false
	}
	for i, k := range sub.Kinds {
		sub.Kinds[i] = strings.ToUpper(strings.TrimSpace(k))
	}
	return sub, true
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
