// File: internal/handlers/routes.go
package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/iyunix/go-smilin/internal/middleware"
	"github.com/iyunix/go-smilin/internal/ratelimit"
)

// Routes bundles everything the HTTP router serves.
type Routes struct {
	Auth           *AuthHandler
	Users          *UserHandler
	Chat           *ChatHandler
	Log            *LogHandler
	WS             *WSHandler
	Tokens         middleware.TokenValidator
	LoginLimiter   *ratelimit.MemoryRateLimiter
	AllowedOrigins []string
	Node           string
	Logger         Logger
}

// NewRouter builds the HTTP handler. CORS wraps the router so preflight
// requests are answered before route matching.
func NewRouter(rt Routes) http.Handler {
	r := mux.NewRouter()
	authMiddleware := middleware.NewJWTMiddleware(rt.Tokens, rt.Logger)

	r.Use(middleware.RecoverPanic(rt.Logger))
	r.Use(middleware.LoggingMiddleware(rt.Logger))

	// --- Public Routes ---
	r.HandleFunc("/health", rt.health).Methods("GET")
	r.HandleFunc("/api/log", rt.Log.LogFrontendEvent).Methods("POST")

	limited := func(h http.HandlerFunc) http.Handler {
		if rt.LoginLimiter == nil {
			return h
		}
		return middleware.RateLimitMiddleware(rt.LoginLimiter, "auth", rt.Logger)(
			middleware.AuthSuccessMiddleware(rt.LoginLimiter, "auth", rt.Logger)(h))
	}
	r.Handle("/api/register", limited(rt.Auth.Register)).Methods("POST")
	r.Handle("/api/login", limited(rt.Auth.Login)).Methods("POST")
	r.HandleFunc("/api/logout", rt.Auth.Logout).Methods("POST")

	// --- Protected Routes ---
	r.Handle("/ws", authMiddleware(http.HandlerFunc(rt.WS.Connect))).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware)
	api.HandleFunc("/me", rt.Users.Me).Methods("GET")
	api.HandleFunc("/users", rt.Users.ListUsers).Methods("GET")
	api.HandleFunc("/users/{id}", rt.Users.GetUser).Methods("GET")
	api.HandleFunc("/online-users", rt.Users.OnlineUsers).Methods("GET")
	api.HandleFunc("/messages", rt.Chat.GetMessages).Methods("GET")
	api.HandleFunc("/messages", rt.Chat.PostMessage).Methods("POST")
	api.HandleFunc("/unread-counts", rt.Chat.GetUnreadCounts).Methods("GET")
	api.HandleFunc("/unread-counts/reset", rt.Chat.ResetUnread).Methods("POST")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Not found", http.StatusNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return middleware.CORS(rt.AllowedOrigins)(r)
}

func (rt Routes) health(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if rt.WS != nil {
		sessions = rt.WS.sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"node":     rt.Node,
		"sessions": sessions,
	})
}
