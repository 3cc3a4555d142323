package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kalambet/reflectd/internal/onboarding"
)

func handleGetOnboarding(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")

		cfg, found, err := deps.Onboarding.Get(userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to load onboarding config: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"user_id":    userID,
			"configured": found,
			"config":     cfg,
		})
	}
}

func handleSaveOnboarding(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var cfg onboarding.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		userID := r.URL.Query().Get("user_id")
		err := deps.Onboarding.Save(userID, cfg)
		var invalid *onboarding.ValidationError
		if errors.As(err, &invalid) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", invalid)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to save onboarding config: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "saved",
			"user_id": userID,
		})
	}
}
