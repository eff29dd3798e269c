package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireIntakeToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	cases := []struct {
		name     string
		expected string
		header   string
		query    string
		want     int
	}{
		{name: "disabled", expected: "", want: http.StatusNoContent},
		{name: "missing", expected: "s3cret", want: http.StatusUnauthorized},
		{name: "wrong", expected: "s3cret", header: "nope", want: http.StatusUnauthorized},
		{name: "header", expected: "s3cret", header: "s3cret", want: http.StatusNoContent},
		{name: "query", expected: "s3cret", query: "s3cret", want: http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/api/leads"
			if tc.query != "" {
				target += "?intake_token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodPost, target, nil)
			if tc.header != "" {
				req.Header.Set(intakeTokenHeader, tc.header)
			}
			rec := httptest.NewRecorder()
			requireIntakeToken(tc.expected)(ok).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
