package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nacos-go/registry/internal/authz"
	"github.com/nacos-go/registry/internal/cluster"
	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/pkg/log"
	"github.com/nacos-go/registry/pkg/metrics"
)

// envelope is the HTTP JSON response shape of spec.md §6: all
// responses are 200 OK with success/data/code/message.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HTTPServer hosts the naming admin HTTP JSON surface of spec.md §6.
type HTTPServer struct {
	router *cluster.Router
	gate   *authz.Gate
	limit  *authz.RateLimiter
	mux    *http.ServeMux
}

// NewHTTPServer builds the admin ServeMux, wiring C5 behind the
// privilege gate (C7).
func NewHTTPServer(router *cluster.Router, gate *authz.Gate, limiter *authz.RateLimiter) *HTTPServer {
	s := &HTTPServer{router: router, gate: gate, limit: limiter, mux: http.NewServeMux()}
	s.mux.HandleFunc("/naming/service/list", s.withMetrics(s.handleServiceList))
	s.mux.HandleFunc("/naming/service", s.withMetrics(s.handleService))
	s.mux.HandleFunc("/naming/instance/list", s.withMetrics(s.handleInstanceList))
	s.mux.HandleFunc("/naming/instance", s.withMetrics(s.handleInstance))
	s.mux.HandleFunc("/naming/cluster", s.withMetrics(s.handleCluster))
	return s
}

// Handler returns the underlying http.Handler.
func (s *HTTPServer) Handler() http.Handler { return s.mux }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) withMetrics(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		h(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.URL.Path)
	}
}

func writeJSON(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.WithComponent("http-api").Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, code, message string) {
	writeJSON(w, envelope{Success: false, Code: code, Message: message})
}

// authorize enforces C7 (gate + rate limiter) for a request carrying
// the given group and namespace.
func (s *HTTPServer) authorize(w http.ResponseWriter, group, namespaceID string) bool {
	if err := s.gate.Require(group, namespaceID); err != nil {
		writeError(w, "403", err.Error())
		return false
	}
	if s.limit != nil && !s.limit.Allow(namespaceID) {
		writeError(w, "429", "rate limited")
		return false
	}
	return true
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseFloatOr(s string, def float64) float64 {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func serviceKeyFromQuery(q map[string][]string) naming.ServiceKey {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return naming.NewServiceKey(get("namespace_id"), get("group_name"), get("service_name"))
}

// GET /naming/service/list
func (s *HTTPServer) handleServiceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "405", "method not allowed")
		return
	}
	q := r.URL.Query()
	if !s.authorize(w, "default", q.Get("namespace_id")) {
		return
	}
	param := naming.ServiceParam{
		NamespaceID:       q.Get("namespace_id"),
		GroupNamePrefix:   q.Get("group_name_param"),
		ServiceNameSubstr: q.Get("service_name_param"),
		PageNo:            parseIntOr(q.Get("page_no"), 1),
		PageSize:          parseIntOr(q.Get("page_size"), 20),
	}
	total, page, err := s.router.StoreForQuery().QueryServiceInfoPage(r.Context(), param)
	if err != nil {
		writeError(w, "500", err.Error())
		return
	}
	writeJSON(w, envelope{Success: true, Data: map[string]interface{}{
		"total_count": total,
		"page":        page,
	}})
}

type serviceRequestBody struct {
	NamespaceID      string            `json:"namespace_id"`
	ServiceName      string            `json:"service_name"`
	GroupName        string            `json:"group_name"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ProtectThreshold float64           `json:"protect_threshold,omitempty"`
}

// POST/DELETE /naming/service
func (s *HTTPServer) handleService(w http.ResponseWriter, r *http.Request) {
	var body serviceRequestBody
	switch r.Method {
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, "400", err.Error())
			return
		}
		if !s.authorize(w, "default", body.NamespaceID) {
			return
		}
		key := naming.NewServiceKey(body.NamespaceID, body.GroupName, body.ServiceName)
		err := s.router.UpdateService(r.Context(), cluster.LocalOrigin, naming.ServiceDetail{
			Key:              key,
			Metadata:         body.Metadata,
			ProtectThreshold: body.ProtectThreshold,
		})
		if err != nil {
			writeError(w, "500", err.Error())
			return
		}
		writeJSON(w, envelope{Success: true})

	case http.MethodDelete:
		q := r.URL.Query()
		if !s.authorize(w, "default", q.Get("namespace_id")) {
			return
		}
		key := serviceKeyFromQuery(q)
		if err := s.router.RemoveService(r.Context(), key); err != nil {
			writeError(w, "500", err.Error())
			return
		}
		writeJSON(w, envelope{Success: true})

	default:
		writeError(w, "405", "method not allowed")
	}
}

type clusterRequestBody struct {
	NamespaceID      string `json:"namespace_id"`
	ServiceName      string `json:"service_name"`
	GroupName        string `json:"group_name"`
	ClusterName      string `json:"cluster_name"`
	HealthyCheckType string `json:"healthy_check_type"`
}

// PUT /naming/cluster sets (or, with an empty healthy_check_type,
// clears) the active health-check regime for one cluster.
func (s *HTTPServer) handleCluster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, "405", "method not allowed")
		return
	}
	var body clusterRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "400", err.Error())
		return
	}
	if !s.authorize(w, "default", body.NamespaceID) {
		return
	}
	if body.ClusterName == "" {
		writeError(w, "400", "cluster_name is required")
		return
	}
	switch body.HealthyCheckType {
	case "", naming.ClusterHealthCheckTypeHTTP, naming.ClusterHealthCheckTypeTCP:
	default:
		writeError(w, "400", "unsupported healthy_check_type")
		return
	}
	key := naming.NewServiceKey(body.NamespaceID, body.GroupName, body.ServiceName)
	err := s.router.SetClusterHealthCheck(r.Context(), cluster.LocalOrigin, key, body.ClusterName, body.HealthyCheckType)
	if err != nil {
		writeError(w, "500", err.Error())
		return
	}
	writeJSON(w, envelope{Success: true})
}

// GET /naming/instance/list
func (s *HTTPServer) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "405", "method not allowed")
		return
	}
	q := r.URL.Query()
	if !s.authorize(w, "default", q.Get("namespace_id")) {
		return
	}
	key := serviceKeyFromQuery(q)
	instances, protectEngaged, err := s.router.StoreForQuery().QueryHealthyAware(r.Context(), key)
	if err != nil {
		writeError(w, "500", err.Error())
		return
	}
	writeJSON(w, envelope{Success: true, Data: map[string]interface{}{
		"instances":       instances,
		"protect_engaged": protectEngaged,
	}})
}

type instanceRequestBody struct {
	NamespaceID string            `json:"namespace_id"`
	ServiceName string            `json:"service_name"`
	GroupName   string            `json:"group_name"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	ClusterName string            `json:"cluster_name"`
	Weight      float64           `json:"weight"`
	Enabled     bool              `json:"enabled"`
	Ephemeral   bool              `json:"ephemeral"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (b instanceRequestBody) toInstance() naming.Instance {
	return naming.Instance{
		IP:          b.IP,
		Port:        b.Port,
		ClusterName: b.ClusterName,
		ServiceName: b.ServiceName,
		Weight:      b.Weight,
		Enabled:     b.Enabled,
		Ephemeral:   b.Ephemeral,
		Metadata:    b.Metadata,
	}
}

// parseMetadataParam decodes the "metadata" query/form parameter some
// Nacos clients send as a JSON-encoded string rather than structured
// JSON. Per the Open Question resolution in spec.md §9(b), a malformed
// value is swallowed (the request proceeds with no metadata) rather
// than rejected, but is counted so operators can see it happening.
func parseMetadataParam(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		metrics.MetadataParseErrorsTotal.Inc()
		return nil
	}
	return md
}

// decodeInstanceForm builds an instanceRequestBody from query/form
// values, the wire shape Nacos' own clients use for instance
// register/deregister (as opposed to the JSON body this admin API
// also accepts).
func decodeInstanceForm(r *http.Request) instanceRequestBody {
	q := r.URL.Query()
	get := func(k string) string { return q.Get(k) }
	return instanceRequestBody{
		NamespaceID: get("namespace_id"),
		ServiceName: get("service_name"),
		GroupName:   get("group_name"),
		IP:          get("ip"),
		Port:        parseIntOr(get("port"), 0),
		ClusterName: get("cluster_name"),
		Weight:      parseFloatOr(get("weight"), 1),
		Enabled:     get("enabled") != "false",
		Ephemeral:   get("ephemeral") != "false",
		Metadata:    parseMetadataParam(get("metadata")),
	}
}

// decodeInstanceRequest accepts either a JSON body (this admin API's
// own convention) or query/form parameters (the wire shape Nacos'
// own clients send), selecting by Content-Type.
func decodeInstanceRequest(r *http.Request) (instanceRequestBody, error) {
	if r.Header.Get("Content-Type") == "application/json" {
		var body instanceRequestBody
		err := json.NewDecoder(r.Body).Decode(&body)
		return body, err
	}
	return decodeInstanceForm(r), nil
}

// GET /naming/instance
func (s *HTTPServer) handleInstanceGet(w http.ResponseWriter, r *http.Request, q map[string][]string) {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	key := naming.NewServiceKey(get("namespace_id"), get("group_name"), get("service_name"))
	inst := naming.Instance{
		IP:          get("ip"),
		Port:        parseIntOr(get("port"), 0),
		ClusterName: get("cluster_name"),
		ServiceName: get("service_name"),
	}
	found, err := s.router.StoreForQuery().Query(r.Context(), key, inst)
	if err != nil {
		writeError(w, "404", err.Error())
		return
	}
	writeJSON(w, envelope{Success: true, Data: found})
}

// POST/GET/DELETE /naming/instance
func (s *HTTPServer) handleInstance(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if !s.authorize(w, "default", q.Get("namespace_id")) {
			return
		}
		s.handleInstanceGet(w, r, q)

	case http.MethodPost:
		body, err := decodeInstanceRequest(r)
		if err != nil {
			writeError(w, "400", err.Error())
			return
		}
		if !s.authorize(w, "default", body.NamespaceID) {
			return
		}
		key := naming.NewServiceKey(body.NamespaceID, body.GroupName, body.ServiceName)
		// Registration carries no real health signal (the client doesn't
		// probe itself) — FromUpdate is left unset so a re-register never
		// clobbers health state set by a heartbeat or internal/healthcheck
		// probe. Health only flows through those two paths.
		tag := naming.UpdateTag{Weight: true, Metadata: true, Enabled: true, Ephemeral: true}
		err = s.router.UpdateInstance(r.Context(), cluster.LocalOrigin, key, body.toInstance(), tag)
		if err != nil {
			writeError(w, "500", err.Error())
			return
		}
		writeJSON(w, envelope{Success: true})

	case http.MethodDelete:
		body, err := decodeInstanceRequest(r)
		if err != nil {
			writeError(w, "400", err.Error())
			return
		}
		if !s.authorize(w, "default", body.NamespaceID) {
			return
		}
		key := naming.NewServiceKey(body.NamespaceID, body.GroupName, body.ServiceName)
		err = s.router.RemoveInstance(r.Context(), cluster.LocalOrigin, key, body.toInstance())
		if err != nil {
			writeError(w, "500", err.Error())
			return
		}
		writeJSON(w, envelope{Success: true})

	default:
		writeError(w, "405", "method not allowed")
	}
}
