package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// SyncPath is the endpoint serving sync payloads.
	SyncPath = "/v1/sync"

	// PeerHeader carries the sender's peer id.
	PeerHeader = "X-Convergent-Peer"

	// MaxPayloadBytes bounds inbound and outbound payloads.
	MaxPayloadBytes = 64 << 20
)

// HTTP is a transport that posts payloads to peers over HTTP. Each peer is
// addressed by a base URL or host:port.
type HTTP struct {
	self   string
	client *http.Client
	logger *slog.Logger

	mu      sync.RWMutex
	peers   map[string]string
	handler Handler
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for outbound requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTP) {
		if c != nil {
			t.client = c
		}
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(t *HTTP) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewHTTP creates an HTTP transport for the local peer self.
func NewHTTP(self string, peers map[string]string, opts ...HTTPOption) *HTTP {
	t := &HTTP{
		self:   self,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
		peers:  make(map[string]string, len(peers)),
	}
	for _, opt := range opts {
		opt(t)
	}
	for id, addr := range peers {
		t.peers[id] = baseURL(addr)
	}
	return t
}

func baseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// Listen installs the inbound handler.
func (t *HTTP) Listen(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send posts payload to peer and returns the response body.
func (t *HTTP) Send(ctx context.Context, peer string, payload []byte) ([]byte, error) {
	t.mu.RLock()
	base, ok := t.peers[peer]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: no address: %w", peer, ErrUnreachable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+SyncPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(PeerHeader, t.self)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %w: %v", peer, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", peer, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &RemoteError{Peer: peer, Message: strings.TrimSpace(string(body))}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%s: %w", peer, ErrNoHandler)
	default:
		return nil, fmt.Errorf("%s: unexpected status %d: %s", peer, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// Router returns a chi router serving the sync endpoint and a health check.
// Callers may mount further routes on it.
func (t *HTTP) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post(SyncPath, t.serveSync)
	return r
}

func (t *HTTP) serveSync(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}

	from := r.Header.Get(PeerHeader)
	if from == "" {
		http.Error(w, "missing "+PeerHeader+" header", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := h(r.Context(), from, payload)
	if err != nil {
		t.logger.Debug("sync handler failed", "from", from, "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}
