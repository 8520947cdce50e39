package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stanstork/stratum-exchange/internal/handlers"
)

// NewRouter wires the data job API. files may be nil when exports are not
// kept in local blob storage.
func NewRouter(backend string, jobs *handlers.DataJobHandler, files *handlers.FileHandler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", handlers.HealthCheck(backend)).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/data-jobs", jobs.CreateDataJob).Methods(http.MethodPost)
	api.HandleFunc("/data-jobs", jobs.ListDataJobs).Methods(http.MethodGet)
	api.HandleFunc("/data-jobs/{jobID}", jobs.GetDataJob).Methods(http.MethodGet)
	api.HandleFunc("/data-jobs/{jobID}", jobs.DeleteDataJob).Methods(http.MethodDelete)
	api.HandleFunc("/data-jobs/{jobID}/status", jobs.UpdateDataJobStatus).Methods(http.MethodPatch)
	api.HandleFunc("/data-jobs/{jobID}/cancel", jobs.CancelDataJob).Methods(http.MethodPost)
	api.HandleFunc("/data-jobs/{jobID}/execute", jobs.ExecuteDataJob).Methods(http.MethodPost)

	if files != nil {
		router.HandleFunc("/files/{key:.+}", files.Download).Methods(http.MethodGet)
	}

	return router
}
