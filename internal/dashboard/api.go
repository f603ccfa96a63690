package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// maxLogLimit caps how many logs one /logs call returns.
const maxLogLimit = 1000

// RouteLister reports the configured route prefixes.
type RouteLister interface {
	RouteNames() []string
}

// API serves the dashboard JSON endpoints over the run log store.
type API struct {
	store  *LogStore
	routes RouteLister
	broker *Broker
}

// NewAPI creates a dashboard API. broker may be nil to disable streaming;
// otherwise every stored run is broadcast as a "run" event.
func NewAPI(store *LogStore, routes RouteLister, broker *Broker) *API {
	if broker != nil {
		store.OnAdd = func(log RequestLog) {
			broker.Broadcast("run", log)
		}
	}
	return &API{
		store:  store,
		routes: routes,
		broker: broker,
	}
}

// Handler returns the API mux. Mount it with http.StripPrefix.
func (api *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/logs", getOnly(api.handleLogs))
	mux.HandleFunc("/logs/", getOnly(api.handleLogDetail))
	mux.HandleFunc("/routes", getOnly(api.handleRoutes))
	mux.HandleFunc("/summary", getOnly(api.handleSummary))
	if api.broker != nil {
		mux.HandleFunc("/stream", api.broker.StreamHandler())
	}
	return mux
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleLogs handles GET /logs?limit=&status=&path=&result=
func (api *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxLogLimit)
		}
	}

	status := 0
	if s := q.Get("status"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil {
			status = parsed
		}
	}

	path := q.Get("path")
	result := q.Get("result")

	var logs []RequestLog
	if status == 0 && path == "" && result == "" {
		logs = api.store.Recent(limit)
	} else {
		logs = api.store.Search(limit, status, path, result)
	}

	writeJSON(w, map[string]interface{}{"logs": logs})
}

// handleLogDetail handles GET /logs/{id}
func (api *API) handleLogDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/logs/")
	if id == "" {
		http.Error(w, "Log ID required", http.StatusBadRequest)
		return
	}

	log, found := api.store.GetByID(id)
	if !found {
		http.Error(w, "Log not found", http.StatusNotFound)
		return
	}
	writeJSON(w, log)
}

func (api *API) handleRoutes(w http.ResponseWriter, r *http.Request) {
	var names []string
	if api.routes != nil {
		names = api.routes.RouteNames()
	}
	writeJSON(w, map[string]interface{}{"routes": names})
}

func (api *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, api.store.Summary())
}
