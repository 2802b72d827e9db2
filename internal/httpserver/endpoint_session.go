package httpserver

import (
	"net/http"

	"github.com/tokligence/chatrelay/internal/auth"
	"github.com/tokligence/chatrelay/internal/httpserver/protocol"
	"github.com/tokligence/chatrelay/internal/relay"
)

type sessionEndpoint struct {
	server *Server
}

func newSessionEndpoint(server *Server) protocol.Endpoint {
	return &sessionEndpoint{server: server}
}

func (e *sessionEndpoint) Name() string { return "session" }

func (e *sessionEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/config", Handler: e.server.protect(e.server.handleConfig, false)},
		{Method: http.MethodGet, Path: "/session", Handler: http.HandlerFunc(e.server.handleSession)},
		{Method: http.MethodPost, Path: "/verify", Handler: http.HandlerFunc(e.server.handleVerify)},
	}
}

type configData struct {
	APIModel     string `json:"apiModel"`
	ReverseProxy string `json:"reverseProxy"`
	TimeoutMs    int64  `json:"timeoutMs"`
	HTTPSProxy   string `json:"httpsProxy"`
}

type sessionData struct {
	Auth  bool   `json:"auth"`
	Model string `json:"model"`
	User  string `json:"user,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	data := configData{
		APIModel:     s.relay.Model(),
		ReverseProxy: orDash(s.upstream.ReverseProxy),
		TimeoutMs:    s.relay.Timeout().Milliseconds(),
		HTTPSProxy:   orDash(s.upstream.HTTPSProxy),
	}
	s.respondJSON(w, http.StatusOK, envelope{Status: relay.StatusSuccess, Data: data})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	data := sessionData{Auth: s.auth != nil, Model: s.relay.Model()}
	if s.auth != nil {
		if c, err := r.Cookie(s.sessionCookie); err == nil && c.Value != "" {
			if subject, err := s.auth.ValidateToken(c.Value); err == nil {
				data.User = subject
			}
		}
	}
	s.respondJSON(w, http.StatusOK, envelope{Status: relay.StatusSuccess, Data: data})
}

// handleVerify checks the shared secret and, on success, starts a cookie session.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondJSON(w, http.StatusOK, envelope{Status: relay.StatusFail, Message: err.Error()})
		return
	}
	if body.Token == "" {
		s.respondJSON(w, http.StatusOK, envelope{Status: relay.StatusFail, Message: auth.ErrSecretEmpty.Error()})
		return
	}
	if s.auth == nil {
		s.respondJSON(w, http.StatusOK, envelope{Status: relay.StatusFail, Message: auth.ErrSecretInvalid.Error()})
		return
	}
	if err := s.auth.VerifySecret(body.Token); err != nil {
		s.respondJSON(w, http.StatusOK, envelope{Status: relay.StatusFail, Message: err.Error()})
		return
	}
	subject, token, err := s.auth.NewSession()
	if err != nil {
		s.logger.Printf("verify: issue session: %v", err)
		s.respondFail(w, http.StatusInternalServerError, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.auth.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.debugf("verify: session started subject=%s", subject)
	s.respondJSON(w, http.StatusOK, envelope{Status: relay.StatusSuccess, Message: "Verify successfully"})
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
