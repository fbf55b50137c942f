package backend

import (
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// receiverAPIKeyHeader is the receiver's command auth header.
const receiverAPIKeyHeader = "X-Api-Key"

// Relay forwards outbound commands to the receiver's command API. The
// backend never talks the chat protocol itself; everything live goes
// through the receiver.
type Relay struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewRelay creates a relay for the receiver at baseURL.
func NewRelay(baseURL, apiKey string, logger *zap.Logger) *Relay {
	return &Relay{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Forward proxies the request body to the receiver and copies the
// response back verbatim.
func (rl *Relay) Forward(w http.ResponseWriter, r *http.Request, path string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, rl.baseURL+path, r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "relay request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(receiverAPIKeyHeader, rl.apiKey)
	rl.proxy(w, req, path)
}

// ForwardGet proxies a body-less GET.
func (rl *Relay) ForwardGet(w http.ResponseWriter, r *http.Request, path string) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, rl.baseURL+path, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "relay request failed")
		return
	}
	req.Header.Set(receiverAPIKeyHeader, rl.apiKey)
	rl.proxy(w, req, path)
}

func (rl *Relay) proxy(w http.ResponseWriter, req *http.Request, path string) {
	resp, err := rl.client.Do(req)
	if err != nil {
		rl.logger.Warn("receiver unreachable", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusBadGateway, "receiver unreachable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
