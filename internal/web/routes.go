package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/member-check/internal/web/handlers"
	"github.com/kozaktomas/member-check/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	// Create handlers
	authHandler := handlers.NewAuthHandler(s.app.Config, s.sessionManager)
	membersHandler := handlers.NewMembersHandler(s.app)
	scanHandler := handlers.NewScanHandler(s.app)
	attendanceHandler := handlers.NewAttendanceHandler(s.app)
	pendingHandler := handlers.NewPendingHandler(s.app)
	statsHandler := handlers.NewStatsHandler(s.app)
	syncHandler := handlers.NewSyncHandler(s.app, statsHandler.InvalidateCache)
	configHandler := handlers.NewConfigHandler(s.app)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", handlers.HealthCheck)

		r.Post("/auth/signup", authHandler.Signup)
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/logout", authHandler.Logout)
		r.Get("/auth/status", authHandler.Status)

		// All other routes require an operator session
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.sessionManager))

			// Members
			r.Get("/members", membersHandler.List)
			r.Post("/members", membersHandler.Create)
			r.Get("/members/{id}", membersHandler.Get)
			r.Put("/members/{id}", membersHandler.Update)
			r.Delete("/members/{id}", membersHandler.Delete)
			r.Put("/members/{id}/status", membersHandler.SetStatus)
			r.Get("/members/{id}/photo", membersHandler.Photo)
			r.Get("/members/{id}/attendance", membersHandler.Attendance)

			// Kiosk
			r.Post("/scan", scanHandler.Scan)
			r.Post("/scan/confirm", scanHandler.Confirm)

			// Attendance
			r.Get("/attendance", attendanceHandler.List)

			// Pending faces
			r.Get("/pending", pendingHandler.List)
			r.Post("/pending/{id}/register", pendingHandler.Register)
			r.Delete("/pending/{id}", pendingHandler.Delete)

			// Sync (long-running operations)
			r.Post("/sync", syncHandler.Start)
			r.Get("/sync", syncHandler.List)
			r.Get("/sync/{jobId}", syncHandler.Status)
			r.Get("/sync/{jobId}/events", syncHandler.Events)
			r.Delete("/sync/{jobId}", syncHandler.Cancel)

			// Config
			r.Get("/config", configHandler.Get)

			// Stats
			r.Get("/stats", statsHandler.Get)
		})
	})
}
