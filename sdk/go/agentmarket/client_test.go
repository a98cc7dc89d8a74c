package agentmarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if creds.Username != "admin" {
			t.Fatalf("unexpected username: %s", creds.Username)
		}
		_ = json.NewEncoder(w).Encode(Token{
			AccessToken: "abc123",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.Authenticate(context.Background(), Credentials{
		Username: "admin",
		Password: "super-secret",
	})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestCreateTaskPostsSubmission(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var sub TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		if sub.Price != "1000" {
			t.Fatalf("unexpected price: %q", sub.Price)
		}
		created = true
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Task{ID: 7, Status: "open"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	task, err := client.CreateTask(context.Background(), TaskSubmission{
		Creator:  "0x00000000000000000000000000000000000000a1",
		Title:    "index ledger",
		Price:    "1000",
		Deadline: 1_900_000_000,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if !created {
		t.Fatal("task was not created")
	}
	if task.ID != 7 {
		t.Fatalf("unexpected task id: %d", task.ID)
	}
}

func TestUpdateFeeRateRequiresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/token":
			_ = json.NewEncoder(w).Encode(Token{AccessToken: "token"})
		case "/api/v1/fee":
			if r.Method != http.MethodPut {
				t.Fatalf("unexpected method: %s", r.Method)
			}
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			_ = json.NewEncoder(w).Encode(map[string]uint64{"fee_rate_bps": 800})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	if err := client.UpdateFeeRate(context.Background(), 800); err == nil {
		t.Fatal("expected error without access token")
	}

	if _, err := client.Authenticate(context.Background(), Credentials{}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := client.UpdateFeeRate(context.Background(), 800); err != nil {
		t.Fatalf("update fee: %v", err)
	}
}

func TestListTasksByCapabilityKeepsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("capability"); got != "6" {
			t.Fatalf("unexpected capability query: %q", got)
		}
		_ = json.NewEncoder(w).Encode([]*Task{{ID: 1}, {ID: 2}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	tasks, err := client.ListTasksByCapability(context.Background(), 6)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("unexpected task count: %d", len(tasks))
	}
}

func TestGetTaskError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/tasks/404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(struct {
				Error APIError `json:"error"`
			}{Error: APIError{Code: "TASK_NOT_FOUND", Message: "missing"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	_, err := client.GetTask(context.Background(), 404)
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestCancelTaskReportsPendingRefunds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/3/cancel" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(CancelResult{
			Task:           &Task{ID: 3, Status: "cancelled"},
			RefundsPending: true,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	result, err := client.CancelTask(context.Background(), 3, "0x00000000000000000000000000000000000000a1")
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if !result.RefundsPending {
		t.Fatal("expected refunds_pending flag")
	}
	if result.Task.Status != "cancelled" {
		t.Fatalf("unexpected status: %s", result.Task.Status)
	}
}

func TestHandoverFlowPaths(t *testing.T) {
	owner := "0x00000000000000000000000000000000000000a1"
	successor := "0x00000000000000000000000000000000000000a2"
	var initiated, accepted bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agents/" + owner + "/handover":
			initiated = true
			_ = json.NewEncoder(w).Encode(AgentState{Owner: owner, Successor: successor, HandoverDeadline: 100})
		case "/api/v1/handover/accept":
			accepted = true
			_ = json.NewEncoder(w).Encode(AgentState{Owner: successor})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	state, err := client.InitiateHandover(context.Background(), owner, successor)
	if err != nil {
		t.Fatalf("initiate handover: %v", err)
	}
	if state.HandoverDeadline != 100 {
		t.Fatalf("unexpected deadline: %d", state.HandoverDeadline)
	}
	if _, err := client.AcceptHandover(context.Background(), successor); err != nil {
		t.Fatalf("accept handover: %v", err)
	}
	if !initiated || !accepted {
		t.Fatalf("handover calls missing: initiated=%v accepted=%v", initiated, accepted)
	}
}
