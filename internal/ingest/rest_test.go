package ingest

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"commguard/internal/config"
	"commguard/internal/metrics"
	"commguard/internal/model"
)

func newRESTForTest(buffer int) (*RESTServer, chan model.Violation, *metrics.Store) {
	out := make(chan model.Violation, buffer)
	metricsStore := metrics.NewStore()
	server := &RESTServer{
		cfg:     config.NewStaticManager(config.DefaultConfig()),
		out:     out,
		metrics: metricsStore,
	}
	return server, out, metricsStore
}

func postViolations(server *RESTServer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/violations", strings.NewReader(body))
	w := httptest.NewRecorder()
	server.handleViolations(w, req)
	return w
}

func TestRESTAcceptsSingleReport(t *testing.T) {
	server, out, _ := newRESTForTest(10)
	w := postViolations(server, `{"subject":"jdoe","category":"Policy_Breach","severity":"major","risk_score":81}`)
	if w.Code != 202 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Accepted int `json:"accepted"`
		Failed   int `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 1 || resp.Failed != 0 {
		t.Fatalf("accepted=%d failed=%d", resp.Accepted, resp.Failed)
	}
	v := <-out
	if v.Subject != "jdoe" || v.Severity != model.SeverityHigh || v.Category != "policy_breach" {
		t.Fatalf("normalized violation wrong: %+v", v)
	}
	if v.Source != "rest" {
		t.Fatalf("source not stamped: %q", v.Source)
	}
}

func TestRESTArrayMixedValidity(t *testing.T) {
	server, out, _ := newRESTForTest(10)
	w := postViolations(server, `[{"subject":"jdoe"},{"category":"no subject"}]`)
	var resp struct {
		Accepted int `json:"accepted"`
		Failed   int `json:"failed"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Accepted != 1 || resp.Failed != 1 {
		t.Fatalf("accepted=%d failed=%d", resp.Accepted, resp.Failed)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 queued violation, got %d", len(out))
	}
}

func TestRESTRejectsBadRequests(t *testing.T) {
	server, _, _ := newRESTForTest(10)
	if w := postViolations(server, ""); w.Code != 400 {
		t.Fatalf("empty body: status = %d", w.Code)
	}
	if w := postViolations(server, "{not json"); w.Code != 400 {
		t.Fatalf("bad json: status = %d", w.Code)
	}
	req := httptest.NewRequest("GET", "/violations", nil)
	w := httptest.NewRecorder()
	server.handleViolations(w, req)
	if w.Code != 405 {
		t.Fatalf("get: status = %d", w.Code)
	}
}

func TestRESTCountsDropsWhenChannelFull(t *testing.T) {
	server, _, metricsStore := newRESTForTest(0)
	w := postViolations(server, `{"subject":"jdoe"}`)
	var resp struct {
		Accepted int `json:"accepted"`
		Failed   int `json:"failed"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Accepted != 0 || resp.Failed != 1 {
		t.Fatalf("full channel must count as failed, accepted=%d failed=%d", resp.Accepted, resp.Failed)
	}
	if metricsStore.Get(metrics.IngestDropped) != 1 {
		t.Fatalf("drop not counted")
	}
}
