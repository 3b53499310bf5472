package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/claims-intake-back/internal/http/handlers"
	"github.com/iago/claims-intake-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.HandleFunc("POST /v1/claims/{claim_id}/submissions", deps.API.CreateSubmission)
	mux.HandleFunc("GET /v1/claims/{claim_id}/submissions", deps.API.ListSubmissions)
	mux.HandleFunc("GET /v1/submissions/{work_item_id}", deps.API.GetSubmission)
	mux.HandleFunc("POST /v1/submissions/{work_item_id}/resubmit", deps.API.ResubmitSubmission)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
