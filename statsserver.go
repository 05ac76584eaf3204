package trunkline

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	log "github.com/sirupsen/logrus"
)

// StartStatsServer serves /health and /stats on the configured address.
// It does nothing when stats_address is unset.
func (e *Engine) StartStatsServer() {
	if e.cfg.StatsAddress == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := e.Stats.Snapshot()
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		_ = enc.Encode(snap)
	})

	handler := handlers.CombinedLoggingHandler(log.StandardLogger().Writer(), mux)
	srv := &http.Server{Addr: e.cfg.StatsAddress, Handler: handler}
	go func() {
		log.Infof("stats listening on %s", e.cfg.StatsAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("stats server failed")
		}
	}()
}

// StartWritingStats writes the stats snapshot to the configured file every
// minute. This method should only be called once.
func (e *Engine) StartWritingStats() {
	if e.cfg.StatsFile == "" {
		return
	}
	go func() {
		for {
			select {
			case <-e.shutdownC:
				return
			case <-time.After(time.Minute):
			}
			snap := e.Stats.Snapshot()
			data, err := json.MarshalIndent(snap, "", "    ")
			if err != nil {
				log.Errorf("Could not encode stats file: %s", err)
				continue
			}
			if err := os.WriteFile(e.cfg.StatsFile, data, 0644); err != nil {
				log.Errorf("Could not write stats file: %s", err)
				return
			}
		}
	}()
}
