package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-expense-approvals/internal/logger"
)

func TestLoggingAssignsRequestIDAndLogsAccess(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(logger.Config{Level: "debug", ServiceName: "test"}, &buf)

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), Logging(log)...)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/approvers?project_id=P", nil))

	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
	out := buf.String()
	for _, want := range []string{`"path":"/api/v1/approvers"`, `"status":418`, `"request_id":`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("access log missing %s: %s", want, out)
		}
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(logger.Config{ServiceName: "test"}, &buf)

	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), append(Logging(log), Recovery)...)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/expenses/submit", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(buf.String(), "Recovered from handler panic") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodGet, "https://app.example.com", http.StatusOK, "https://app.example.com"},
		{"other origin", http.MethodGet, "https://evil.example.com", http.StatusOK, ""},
		{"preflight", http.MethodOptions, "https://app.example.com", http.StatusNoContent, "https://app.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/delegations", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestUnaryRecovery(t *testing.T) {
	intercept := UnaryRecovery(logger.Nop())
	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Y"},
		func(context.Context, interface{}) (interface{}, error) { panic("boom") })

	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
}

func TestUnaryLoggingPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(logger.Config{ServiceName: "test"}, &buf)
	intercept := UnaryLogging(log)

	want := status.Error(codes.Unavailable, "down")
	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/expense.v1.ApprovalRouting/SweepExpired"},
		func(context.Context, interface{}) (interface{}, error) { return nil, want })

	if err != want {
		t.Fatalf("error not passed through: %v", err)
	}
	if !strings.Contains(buf.String(), `"code":"Unavailable"`) || !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("unexpected log: %s", buf.String())
	}
}
