package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/chat", apiHandler.ChatHandler)
			r.Delete("/chat", apiHandler.DeleteChatHandler)
			r.Patch("/chat/visibility", apiHandler.VisibilityHandler)
			r.Get("/chat/messages", apiHandler.MessagesHandler)
			r.Delete("/chat/messages", apiHandler.DeleteMessagesHandler)
			r.Get("/history", apiHandler.HistoryHandler)

			r.Get("/vote", apiHandler.VotesHandler)
			r.Patch("/vote", apiHandler.VoteHandler)

			r.Get("/document", apiHandler.GetDocumentHandler)
			r.Post("/document", apiHandler.EditDocumentHandler)
			r.Delete("/document", apiHandler.DeleteDocumentHandler)
			r.Post("/document/flush", apiHandler.FlushDocumentHandler)
			r.Get("/document/ws", apiHandler.DocumentWSHandler)
		})
	})

	return r
}
