package shareproxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// upstreamTimeout bounds one proxied request to the owner's local server.
const upstreamTimeout = 60 * time.Second

// offlinePage is the branded page shown when the share owner's server is
// unreachable.
const offlinePage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Owner Offline - Chiral Network</title>
<style>
body { font-family: system-ui, sans-serif; background: #0f1117; color: #e6e6e6;
       display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
.card { text-align: center; max-width: 28rem; padding: 2rem; }
h1 { font-size: 1.4rem; }
p { color: #9aa0ae; }
</style>
</head>
<body>
<div class="card">
<h1>This share is currently offline</h1>
<p>The owner of this file is not connected to the Chiral Network right now.
Their files are served directly from their device, so the share will work
again as soon as they come back online.</p>
</div>
</body>
</html>`

// Handler builds the relay share HTTP surface:
//
//	POST   /api/drive/relay-register          register or update a share
//	DELETE /api/drive/relay-register/{token}  remove a share
//	GET    /drive/{token}[/*]                 reverse-proxy to the owner
func Handler(registry *Registry) http.Handler {
	s := &server{
		registry: registry,
		client:   &http.Client{Timeout: upstreamTimeout},
		log:      logrus.WithField("component", "relay-share"),
	}

	r := chi.NewRouter()
	r.Post("/api/drive/relay-register", s.register)
	r.Delete("/api/drive/relay-register/{token}", s.unregister)
	r.Get("/drive/{token}", s.proxy)
	r.Get("/drive/{token}/*", s.proxy)
	return r
}

type server struct {
	registry *Registry
	client   *http.Client
	log      *logrus.Entry
}

type registerRequest struct {
	Token       string `json:"token"`
	OriginURL   string `json:"origin_url"`
	OwnerWallet string `json:"owner_wallet"`
}

func (s *server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	err := s.registry.Register(Registration{
		Token:       req.Token,
		OriginURL:   strings.TrimRight(req.OriginURL, "/"),
		OwnerWallet: req.OwnerWallet,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.WithField("token", req.Token).Info("share registered")
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *server) unregister(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	removed, err := s.registry.Unregister(token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !removed {
		http.Error(w, "unknown share token", http.StatusNotFound)
		return
	}
	s.log.WithField("token", token).Info("share removed")
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// proxy forwards a drive request to the owner's origin, streaming the
// response back. Query parameters are preserved; the relay never buffers
// whole files.
func (s *server) proxy(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	reg, ok := s.registry.Lookup(token)
	if !ok {
		http.Error(w, "unknown share token", http.StatusNotFound)
		return
	}

	upstreamURL := reg.OriginURL + "/drive/" + token
	if sub := chi.URLParam(r, "*"); sub != "" {
		upstreamURL += "/" + sub
	}
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		http.Error(w, "bad upstream URL", http.StatusBadGateway)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		upReq.Header.Set("Range", rng)
	}

	resp, err := s.client.Do(upReq)
	if err != nil {
		s.log.WithField("token", token).WithError(err).Info("share owner unreachable")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, offlinePage)
		return
	}
	defer resp.Body.Close()

	for _, header := range []string{"Content-Type", "Content-Length", "Content-Disposition", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.log.WithField("token", token).WithError(err).Debug("proxy stream interrupted")
	}
}
