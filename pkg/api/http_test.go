package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacos-go/registry/internal/authz"
	"github.com/nacos-go/registry/internal/cluster"
	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/internal/subscriber"
)

func newTestHTTPServer(t *testing.T) *HTTPServer {
	t.Helper()
	st := naming.NewStore(nil)
	subs := subscriber.NewIndex(nil)
	t.Cleanup(func() {
		st.Close()
		subs.Close()
	})
	router := cluster.NewRouter("node-a", st, subs)
	gate := authz.NewGate(authz.NewGroup("default", naming.DefaultNamespace))
	limiter := authz.NewRateLimiter(authz.RateLimitConfig{GlobalRPS: 1000, GlobalBurst: 1000, NamespaceRPS: 1000, NamespaceBurst: 1000})
	return NewHTTPServer(router, gate, limiter)
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&env))
	return env
}

func TestHandleInstanceRegisterThenList(t *testing.T) {
	s := newTestHTTPServer(t)

	form := url.Values{
		"service_name": {"orders"},
		"group_name":   {"DEFAULT_GROUP"},
		"ip":           {"10.0.0.1"},
		"port":         {"8080"},
		"cluster_name": {"c1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/naming/instance?"+form.Encode(), nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeEnvelope(t, w).Success)

	listReq := httptest.NewRequest(http.MethodGet, "/naming/instance/list?service_name=orders&group_name=DEFAULT_GROUP", nil)
	listW := httptest.NewRecorder()
	s.Handler().ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	env := decodeEnvelope(t, listW)
	assert.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	instances := data["instances"].([]interface{})
	assert.Len(t, instances, 1)
}

func TestHandleInstanceReregisterPreservesHealth(t *testing.T) {
	s := newTestHTTPServer(t)
	form := url.Values{
		"service_name": {"orders"}, "group_name": {"DEFAULT_GROUP"},
		"ip": {"10.0.0.1"}, "port": {"8080"}, "cluster_name": {"c1"},
	}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/naming/instance?"+form.Encode(), nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/naming/instance?"+form.Encode(), nil)
	getW := httptest.NewRecorder()
	s.Handler().ServeHTTP(getW, getReq)
	env := decodeEnvelope(t, getW)
	require.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	assert.True(t, data["Healthy"].(bool), "re-registering the same instance must not flip it unhealthy")
}

func TestHandleClusterSetsHealthyCheckType(t *testing.T) {
	s := newTestHTTPServer(t)

	body, err := json.Marshal(clusterRequestBody{
		ServiceName:      "orders",
		GroupName:        "DEFAULT_GROUP",
		ClusterName:      "c1",
		HealthyCheckType: "HTTP",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/naming/cluster", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeEnvelope(t, w).Success)

	key := naming.NewServiceKey("", "DEFAULT_GROUP", "orders")
	targets, err := s.router.StoreForQuery().ListActiveCheckTargets(req.Context())
	require.NoError(t, err)
	assert.Len(t, targets, 0, "cluster configured but no instances registered yet")
	assert.Equal(t, "orders", key.ServiceName)
}

func TestHandleClusterRejectsUnsupportedCheckType(t *testing.T) {
	s := newTestHTTPServer(t)

	body, err := json.Marshal(clusterRequestBody{
		ServiceName:      "orders",
		GroupName:        "DEFAULT_GROUP",
		ClusterName:      "c1",
		HealthyCheckType: "bogus",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/naming/cluster", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeEnvelope(t, w).Success)
}

func TestHandleInstanceJSONBody(t *testing.T) {
	s := newTestHTTPServer(t)

	body := `{"service_name":"orders","group_name":"DEFAULT_GROUP","ip":"10.0.0.2","port":8081,"cluster_name":"c1","weight":1,"enabled":true}`
	req := httptest.NewRequest(http.MethodPost, "/naming/instance", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeEnvelope(t, w).Success)
}

func TestHandleInstanceRegisterThenDeregister(t *testing.T) {
	s := newTestHTTPServer(t)
	form := url.Values{
		"service_name": {"orders"}, "group_name": {"DEFAULT_GROUP"},
		"ip": {"10.0.0.1"}, "port": {"8080"}, "cluster_name": {"c1"},
	}
	registerReq := httptest.NewRequest(http.MethodPost, "/naming/instance?"+form.Encode(), nil)
	s.Handler().ServeHTTP(httptest.NewRecorder(), registerReq)

	deregReq := httptest.NewRequest(http.MethodDelete, "/naming/instance?"+form.Encode(), nil)
	deregW := httptest.NewRecorder()
	s.Handler().ServeHTTP(deregW, deregReq)
	require.Equal(t, http.StatusOK, deregW.Code)
	assert.True(t, decodeEnvelope(t, deregW).Success)

	getReq := httptest.NewRequest(http.MethodGet, "/naming/instance?"+form.Encode(), nil)
	getW := httptest.NewRecorder()
	s.Handler().ServeHTTP(getW, getReq)
	env := decodeEnvelope(t, getW)
	assert.False(t, env.Success, "instance should be gone after deregister")
}

func TestHandleServiceCreateThenList(t *testing.T) {
	s := newTestHTTPServer(t)

	body := `{"service_name":"orders","group_name":"DEFAULT_GROUP","protect_threshold":0.5}`
	req := httptest.NewRequest(http.MethodPost, "/naming/service", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decodeEnvelope(t, w).Success)

	listReq := httptest.NewRequest(http.MethodGet, "/naming/service/list", nil)
	listW := httptest.NewRecorder()
	s.Handler().ServeHTTP(listW, listReq)
	env := decodeEnvelope(t, listW)
	assert.True(t, env.Success)
}

func TestHandleServiceRemoveRejectsWhenInstancesRemain(t *testing.T) {
	s := newTestHTTPServer(t)
	form := url.Values{"service_name": {"orders"}, "group_name": {"DEFAULT_GROUP"}, "ip": {"10.0.0.1"}, "port": {"8080"}, "cluster_name": {"c1"}}
	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/naming/instance?"+form.Encode(), nil))

	delReq := httptest.NewRequest(http.MethodDelete, "/naming/service?service_name=orders&group_name=DEFAULT_GROUP", nil)
	delW := httptest.NewRecorder()
	s.Handler().ServeHTTP(delW, delReq)
	env := decodeEnvelope(t, delW)
	assert.False(t, env.Success)
	assert.Equal(t, "500", env.Code)
}

func TestHandleInstanceListRejectsUnauthorizedNamespace(t *testing.T) {
	s := newTestHTTPServer(t)
	req := httptest.NewRequest(http.MethodGet, "/naming/instance/list?namespace_id=other-tenant&service_name=orders&group_name=DEFAULT_GROUP", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Equal(t, "403", env.Code)
}

func TestHandleServiceMethodNotAllowed(t *testing.T) {
	s := newTestHTTPServer(t)
	req := httptest.NewRequest(http.MethodPut, "/naming/service", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	env := decodeEnvelope(t, w)
	assert.Equal(t, "405", env.Code)
}

func TestParseMetadataParamSwallowsMalformedJSON(t *testing.T) {
	assert.Nil(t, parseMetadataParam("{not-json"))
	assert.Nil(t, parseMetadataParam(""))
	assert.Equal(t, map[string]string{"version": "v1"}, parseMetadataParam(`{"version":"v1"}`))
}
