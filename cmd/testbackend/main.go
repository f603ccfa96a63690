package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/thommahoney/fast-rack/internal/logging"
)

func main() {
	port := flag.Int("port", 9001, "port to run the test backend on")
	fail := flag.Int64("fail", 0, "answer the first N requests with 503")
	flag.Parse()

	logger, err := logging.New("info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.Int("port", *port))

	var served atomic.Int64
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := served.Add(1)
		logger.Info("backend request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Int64("n", n),
		)

		w.Header().Set("Content-Type", "application/json")
		if n <= *fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": "warming up",
				"port":  *port,
			})
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": "Hello from backend",
			"port":    *port,
			"path":    r.URL.Path,
			"attempt": n,
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Test backend starting", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, nil); err != nil {
		logger.Fatal("Test backend failed", zap.Error(err))
	}
}
