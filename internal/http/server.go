package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camarasama/instant-class-chat/internal/account"
	"github.com/camarasama/instant-class-chat/internal/auth"
	"github.com/camarasama/instant-class-chat/internal/config"
	"github.com/camarasama/instant-class-chat/internal/hub"
	"github.com/camarasama/instant-class-chat/internal/metrics"
	"github.com/camarasama/instant-class-chat/internal/model"
	"github.com/camarasama/instant-class-chat/internal/presence"
)

// Store is the persistence surface the HTTP layer reads from. The account
// service owns all identity writes; message writes go through the socket
// pipeline.
type Store interface {
	Ping(ctx context.Context) error
	IdentityByID(ctx context.Context, id string) (model.Identity, error)
	ListChannelsForIdentity(ctx context.Context, identityID string) ([]model.ChannelSummary, error)
	ListAvailableChannels(ctx context.Context, identityID string) ([]model.ChannelSummary, error)
	GetChannelForMember(ctx context.Context, channelID, identityID string) (model.ChannelSummary, error)
	CreateChannel(ctx context.Context, channel model.Channel) (model.ChannelSummary, error)
	AddChannelMember(ctx context.Context, channelID, identityID string) error
	RemoveChannelMember(ctx context.Context, channelID, identityID string) error
	IsChannelMember(ctx context.Context, channelID, identityID string) (bool, error)
	ListChannelMembers(ctx context.Context, channelID string) ([]model.Profile, error)
	ListRecentMessages(ctx context.Context, channelID string, limit int) ([]model.Message, error)
}

type Server struct {
	cfg      config.Config
	store    Store
	accounts *account.Service
	hub      *hub.Hub
	presence *presence.Tracker
	metrics  *metrics.Collector
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, store Store, accounts *account.Service, h *hub.Hub, tracker *presence.Tracker, collector *metrics.Collector) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		accounts: accounts,
		hub:      h,
		presence: tracker,
		metrics:  collector,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/verify-otp", s.handleVerifyOTP)
	r.Post("/auth/resend-otp", s.handleResendOTP)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/logout", s.handleLogout)
	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)

	r.Route("/channels", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/", s.handleListChannels)
		r.With(s.requireRole(model.RoleFacilitator, model.RoleAdmin, model.RoleClassRep)).Post("/", s.handleCreateChannel)
		r.Get("/available", s.handleListAvailable)
		r.Get("/{channelID}", s.handleGetChannel)
		r.Get("/{channelID}/messages", s.handleListMessages)
		r.Get("/{channelID}/online", s.handleOnlineMembers)
		r.Post("/{channelID}/join", s.handleJoinChannel)
		r.Post("/{channelID}/leave", s.handleLeaveChannel)
		r.With(s.requireRole(model.RoleFacilitator, model.RoleAdmin)).Post("/{channelID}/members", s.handleAddMember)
		r.With(s.requireRole(model.RoleFacilitator, model.RoleAdmin)).Delete("/{channelID}/members/{identityID}", s.handleRemoveMember)
	})

	r.Get("/ws", s.handleSocket)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "db_unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type registerRequest struct {
	Email       string `json:"email"`
	IndexNumber string `json:"indexNumber"`
	PhoneNumber string `json:"phoneNumber"`
	Password    string `json:"password"`
	Username    string `json:"username"`
}

type registerResponse struct {
	Profile   model.Profile `json:"profile"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.IndexNumber = strings.TrimSpace(req.IndexNumber)
	if req.Email == "" || req.IndexNumber == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if !emailPattern.MatchString(req.Email) {
		writeError(w, http.StatusBadRequest, "invalid_email")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password_too_short")
		return
	}

	result, err := s.accounts.Register(r.Context(), account.RegisterParams{
		Email:       req.Email,
		IndexNumber: req.IndexNumber,
		PhoneNumber: req.PhoneNumber,
		Password:    req.Password,
		Username:    req.Username,
	})
	if err != nil {
		writeAccountError(w, err)
		return
	}

	s.metrics.RecordCodeIssued()
	writeJSON(w, http.StatusCreated, registerResponse{
		Profile:   result.Identity.Profile(),
		ExpiresAt: result.ExpiresAt,
	})
}

var otpPattern = regexp.MustCompile(`^[0-9]{6}$`)

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type sessionResponse struct {
	Token   string        `json:"token"`
	Profile model.Profile `json:"profile"`
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Email == "" || !otpPattern.MatchString(req.Code) {
		writeError(w, http.StatusBadRequest, "invalid_code_format")
		return
	}

	identity, err := s.accounts.VerifyCode(r.Context(), req.Email, req.Code)
	if err != nil {
		writeAccountError(w, err)
		return
	}

	s.issueSession(w, r, identity)
}

type resendRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleResendOTP(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}

	expiresAt, err := s.accounts.ResendCode(r.Context(), req.Email)
	if err != nil {
		writeAccountError(w, err)
		return
	}

	s.metrics.RecordCodeIssued()
	writeJSON(w, http.StatusOK, map[string]time.Time{"expiresAt": expiresAt})
}

type loginRequest struct {
	Key      string `json:"key"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.Key) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	identity, err := s.accounts.Login(r.Context(), req.Key, req.Password)
	if err != nil {
		writeAccountError(w, err)
		return
	}

	s.issueSession(w, r, identity)
}

// issueSession mints an access token, sets the session cookie, and returns
// the token in the body for clients that prefer the Authorization header.
func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, identity model.Identity) {
	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.Claims{
		IdentityID: identity.ID,
		Role:       identity.Role,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.AccessTokenTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, Profile: identity.Profile()})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	identity, err := s.store.IdentityByID(r.Context(), claims.IdentityID)
	if err != nil {
		writeError(w, http.StatusNotFound, "identity_not_found")
		return
	}
	writeJSON(w, http.StatusOK, identity.Profile())
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	channels, err := s.store.ListChannelsForIdentity(r.Context(), claims.IdentityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	channels, err := s.store.ListAvailableChannels(r.Context(), claims.IdentityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

type createChannelRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	var req createChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing_name")
		return
	}

	now := time.Now().UTC()
	summary, err := s.store.CreateChannel(r.Context(), model.Channel{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   claims.IdentityID,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	summary, err := s.store.GetChannelForMember(r.Context(), channelID, claims.IdentityID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	member, err := s.store.IsChannelMember(r.Context(), channelID, claims.IdentityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "not_a_member")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	messages, err := s.store.ListRecentMessages(r.Context(), channelID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// handleOnlineMembers reports which channel members currently hold a live
// presence key. Without a configured tracker the list is empty, never an
// error.
func (s *Server) handleOnlineMembers(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	member, err := s.store.IsChannelMember(r.Context(), channelID, claims.IdentityID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "not_a_member")
		return
	}

	members, err := s.store.ListChannelMembers(r.Context(), channelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.ID)
	}
	online := s.presence.Online(r.Context(), channelID, ids)
	if online == nil {
		online = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"online": online})
}

func (s *Server) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	if err := s.store.AddChannelMember(r.Context(), channelID, claims.IdentityID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) handleLeaveChannel(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	if err := s.store.RemoveChannelMember(r.Context(), channelID, claims.IdentityID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

type addMemberRequest struct {
	IdentityID string `json:"identityId"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.IdentityID == "" {
		writeError(w, http.StatusBadRequest, "missing_identity_id")
		return
	}

	if _, err := s.store.IdentityByID(r.Context(), req.IdentityID); err != nil {
		writeError(w, http.StatusNotFound, "identity_not_found")
		return
	}
	if err := s.store.AddChannelMember(r.Context(), channelID, req.IdentityID); err != nil {
		writeStoreError(w, err)
		return
	}

	members, err := s.store.ListChannelMembers(r.Context(), channelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	identityID := chi.URLParam(r, "identityID")

	if err := s.store.RemoveChannelMember(r.Context(), channelID, identityID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleSocket authenticates the handshake with the same token extraction the
// HTTP middleware uses, then hands the connection to the hub. Only verified
// identities may open a socket.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		writeAuthError(w, model.ErrMissingToken)
		return
	}
	claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	identity, err := s.store.IdentityByID(r.Context(), claims.IdentityID)
	if err != nil {
		writeAuthError(w, model.ErrUnknownIdentity)
		return
	}
	if !identity.Verified {
		writeAuthError(w, model.ErrNotVerified)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("http: websocket upgrade for %s failed: %v", identity.ID, err)
		return
	}

	client := s.hub.NewClient(conn, identity.Profile())
	s.hub.Register(client)
	go client.Run()
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			writeAuthError(w, model.ErrMissingToken)
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireRole(allowed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			if claims == nil || !auth.RoleAllowed(claims.Role, allowed...) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
