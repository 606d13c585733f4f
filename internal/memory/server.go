package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/claudio-sh/claudio/internal/history"
)

// Request is one newline-delimited JSON command on the memory socket.
type Request struct {
	Command string `json:"command"`
	BotID   string `json:"bot_id,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	Query   string `json:"query,omitempty"`
	TopK    int    `json:"top_k,omitempty"`
	Timeout int    `json:"_timeout,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Engine bundles the per-bot stores with the shared embedder and LLM so
// the socket server can serve every bot from one process.
type Engine struct {
	embedder Embedder
	llm      LLM
	log      *slog.Logger

	mu     sync.Mutex
	stores map[string]*botStores
	open   func(botID string) (*Store, *history.Store, error)
}

type botStores struct {
	memory  *Store
	history *history.Store
}

// NewEngine builds an engine. open lazily resolves a bot id to its
// memory and history stores.
func NewEngine(embedder Embedder, llm LLM, open func(botID string) (*Store, *history.Store, error), log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		embedder: embedder,
		llm:      llm,
		log:      log,
		stores:   make(map[string]*botStores),
		open:     open,
	}
}

func (e *Engine) storesFor(botID string) (*botStores, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stores[botID]; ok {
		return s, nil
	}
	mem, hist, err := e.open(botID)
	if err != nil {
		return nil, err
	}
	s := &botStores{memory: mem, history: hist}
	e.stores[botID] = s
	return s, nil
}

// Bots returns the ids of every bot with open stores.
func (e *Engine) Bots() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.stores))
	for id := range e.stores {
		out = append(out, id)
	}
	return out
}

// ReconsolidateAll runs the maintenance pass for every open bot store.
func (e *Engine) ReconsolidateAll(ctx context.Context) {
	for _, botID := range e.Bots() {
		s, err := e.storesFor(botID)
		if err != nil {
			continue
		}
		if err := s.memory.Reconsolidate(ctx, e.embedder, e.llm); err != nil {
			e.log.Warn("memory.reconsolidate_failed", "bot", botID, "error", err)
		}
	}
}

// Close closes every open store.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.stores {
		s.memory.Close()
		s.history.Close()
	}
	e.stores = make(map[string]*botStores)
}

// Server exposes the engine on a unix socket, one JSON request per line.
type Server struct {
	engine *Engine
	path   string
	log    *slog.Logger

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a socket server for engine at socketPath.
func NewServer(engine *Engine, socketPath string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine: engine,
		path:   socketPath,
		log:    log,
		done:   make(chan struct{}),
	}
}

// Start binds the socket (replacing any stale file) and begins serving.
func (s *Server) Start() error {
	_ = os.Remove(s.path)
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind memory socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("chmod memory socket: %w", err)
	}
	s.listener = l
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("memory.server_listening", "socket", s.path)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.log.Warn("memory.accept_failed", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		resp := Response{OK: true}
		if err := json.Unmarshal(line, &req); err != nil {
			resp = Response{OK: false, Error: "invalid request: " + err.Error()}
		} else {
			resp = s.handle(req)
		}
		out, err := json.Marshal(resp)
		if err != nil {
			out = []byte(`{"ok":false,"error":"encode response"}`)
		}
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *Server) handle(req Request) Response {
	timeout := 60 * time.Second
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch req.Command {
	case "ping":
		return okResponse("pong")

	case "retrieve":
		stores, err := s.engine.storesFor(req.BotID)
		if err != nil {
			return errResponse(err)
		}
		memories, err := stores.memory.Retrieve(ctx, s.engine.embedder, req.Query, req.TopK)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(FormatMemories(memories))

	case "consolidate":
		stores, err := s.engine.storesFor(req.BotID)
		if err != nil {
			return errResponse(err)
		}
		if err := stores.memory.Consolidate(ctx, stores.history, s.engine.embedder, s.engine.llm); err != nil {
			return errResponse(err)
		}
		return okResponse("consolidated")

	case "reconsolidate":
		s.engine.ReconsolidateAll(ctx)
		return okResponse("reconsolidated")

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func okResponse(result string) Response {
	raw, _ := json.Marshal(result)
	return Response{OK: true, Result: raw}
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

// Stop shuts the server down, removing the socket file.
func (s *Server) Stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
}
