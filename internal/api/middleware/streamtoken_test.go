package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubValidator struct {
	err error
}

func (v stubValidator) Validate(token string) error { return v.err }

func TestStreamToken(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		validator  stubValidator
		wantStatus int
		wantNext   bool
	}{
		{
			name:       "valid token passes through",
			url:        "/stream?token=good",
			validator:  stubValidator{},
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
		{
			name:       "missing token",
			url:        "/stream",
			validator:  stubValidator{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid token",
			url:        "/stream?token=bad",
			validator:  stubValidator{err: errors.New("expired")},
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextCalled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				nextCalled = true
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			StreamToken(tt.validator)(next).ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if nextCalled != tt.wantNext {
				t.Errorf("next called = %v, want %v", nextCalled, tt.wantNext)
			}
			if !tt.wantNext {
				var env authEnvelope
				if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
					t.Fatalf("decoding body: %v", err)
				}
				if env.Error == "" {
					t.Error("expected error message in body")
				}
			}
		})
	}
}
