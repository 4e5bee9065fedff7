package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func FuzzHandleEvaluateBody(f *testing.F) {
	f.Add([]byte(`{"flags":["new-ui"],"userId":"u-9"}`))
	f.Add([]byte(`{"flags":[],"attributes":{"plan":"pro"}}`))
	f.Add([]byte(`{"flags":[""]}`))
	f.Add([]byte(`{"flags":["a"]}{"flags":["b"]}`))
	f.Add([]byte(`{"unknown":true}`))
	f.Add([]byte(`not json`))
	f.Add([]byte{})

	handler := NewHTTPHandler(&fakeService{})

	f.Fuzz(func(t *testing.T, body []byte) {
		req := reqWithTenant(httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(body)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		switch rec.Code {
		case http.StatusOK:
			var got evaluateJSONResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatalf("200 response is not valid JSON: %v (%s)", err, rec.Body.String())
			}
		case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			var apiErr map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
				t.Fatalf("error response is not valid JSON: %v (%s)", err, rec.Body.String())
			}
			if apiErr["error"] == "" {
				t.Fatalf("error response missing message: %s", rec.Body.String())
			}
		default:
			t.Fatalf("unexpected status %d for body %q", rec.Code, body)
		}
	})
}

func FuzzHandleCreateFlagBody(f *testing.F) {
	f.Add([]byte(`{"name":"new-ui","enabled":true}`))
	f.Add([]byte(`{"name":""}`))
	f.Add([]byte(`{"name":"x","variants":[{"id":"v1"}],"rules":[]}`))
	f.Add([]byte(`[1,2,3]`))
	f.Add([]byte(`{"name":"x"} trailing`))
	f.Add([]byte{})

	handler := NewHTTPHandler(&fakeService{})

	f.Fuzz(func(t *testing.T, body []byte) {
		req := reqWithTenant(httptest.NewRequest(http.MethodPost, "/v1/flags", bytes.NewReader(body)))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		switch rec.Code {
		case http.StatusCreated, http.StatusBadRequest, http.StatusRequestEntityTooLarge:
			if rec.Body.Len() == 0 {
				t.Fatalf("status %d with empty body", rec.Code)
			}
		default:
			t.Fatalf("unexpected status %d for body %q", rec.Code, body)
		}
	})
}
