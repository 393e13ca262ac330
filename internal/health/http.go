package health

import (
	"encoding/json"
	"net/http"
	"time"
)

type checkResponse struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Description string         `json:"description"`
	Duration    float64        `json:"duration"`
	Data        map[string]any `json:"data"`
}

type detailedResponse struct {
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Checks    []checkResponse `json:"checks"`
}

type summaryResponse struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func statusCode(s Status) int {
	if s == StatusHealthy || s == StatusDegraded {
		return http.StatusOK
	}

	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// LiveHandler answers /health/live. It runs no checks.
func LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(StatusHealthy.String()))
	}
}

// ReadyHandler answers /health/ready with the overall status only.
func ReadyHandler(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := agg.Run(r.Context())

		writeJSON(w, statusCode(report.Status), summaryResponse{
			Status:    report.Status,
			Timestamp: report.Timestamp,
		})
	}
}

// DetailedHandler answers /health with every check's result. Durations
// are in milliseconds.
func DetailedHandler(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := agg.Run(r.Context())

		resp := detailedResponse{
			Status:    report.Status,
			Timestamp: report.Timestamp,
			Checks:    make([]checkResponse, 0, len(report.Checks)),
		}

		for _, c := range report.Checks {
			data := c.Data
			if data == nil {
				data = map[string]any{}
			}

			resp.Checks = append(resp.Checks, checkResponse{
				Name:        c.Name,
				Status:      c.Status,
				Description: c.Description,
				Duration:    float64(c.Duration.Microseconds()) / 1000,
				Data:        data,
			})
		}

		writeJSON(w, statusCode(report.Status), resp)
	}
}
