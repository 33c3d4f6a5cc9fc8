package letusconnect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   map[string]any
}

func newAPIServer(t *testing.T, routes map[string]func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.Body)
		}
		reqs = append(reqs, rec)

		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient("jwt-abc", WithBaseURL(srv.URL+"/"), WithTimeout(5*time.Second)), &reqs
}

func writeData(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Result{Success: true, Data: raw})
}

func TestClientDirectMessages(t *testing.T) {
	c, reqs := newAPIServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/messages/direct": func(w http.ResponseWriter, r *http.Request) {
			writeData(w, []map[string]any{
				{"id": "m1", "senderId": "u1", "receiverId": "me", "content": "hey", "createdAt": "2026-05-01T09:00:00Z", "isRead": true},
				{"id": "m2", "senderId": "me", "receiverId": "u1", "message": "legacy body", "messageType": "image"},
			})
		},
	})

	msgs, err := c.DirectMessages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hey" || !msgs[0].Read || !msgs[0].CreatedAt.Equal(t0) || msgs[0].Type != MessageText {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Content != "legacy body" || msgs[1].Type != MessageImage || msgs[1].CreatedAt.IsZero() {
		t.Fatalf("unexpected second message %+v", msgs[1])
	}
	if (*reqs)[0].Auth != "Bearer jwt-abc" {
		t.Fatalf("missing bearer token: %q", (*reqs)[0].Auth)
	}
}

func TestClientUnreadCounts(t *testing.T) {
	c, reqs := newAPIServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/messages/unread-count": func(w http.ResponseWriter, r *http.Request) {
			n := 7
			if r.URL.Query().Get("senderId") == "u1" {
				n = 3
			}
			writeData(w, map[string]int{"count": n})
		},
		"GET /api/group-chats/g 1/unread-count": func(w http.ResponseWriter, r *http.Request) {
			writeData(w, map[string]int{"count": 5})
		},
	})

	if n, err := c.UnreadCount(context.Background(), "u1"); err != nil || n != 3 {
		t.Fatalf("scoped count = %d, %v", n, err)
	}
	if (*reqs)[0].Query != "senderId=u1" {
		t.Fatalf("unexpected query %q", (*reqs)[0].Query)
	}
	if n, err := c.UnreadCount(context.Background(), ""); err != nil || n != 7 {
		t.Fatalf("total count = %d, %v", n, err)
	}
	if n, err := c.GroupUnreadCount(context.Background(), "g 1"); err != nil || n != 5 {
		t.Fatalf("group count = %d, %v", n, err)
	}
}

func TestClientGroupChats(t *testing.T) {
	c, _ := newAPIServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/group-chats/my": func(w http.ResponseWriter, r *http.Request) {
			writeData(w, []map[string]any{{
				"id":           "g1",
				"name":         "Alumni",
				"participants": []map[string]string{{"userId": "u1", "role": "admin"}},
				"messages":     []map[string]string{{"id": "gm1", "senderId": "u1", "content": "hi", "createdAt": "2026-05-01T09:30:00Z"}},
				"updatedAt":    "2026-05-01T09:00:00Z",
			}})
		},
	})

	groups, err := c.MyGroupChats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Name != "Alumni" || groups[0].Participants[0].Role != "admin" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	hist := groups[0].History()
	if len(hist) != 1 || hist[0].GroupID != "g1" {
		t.Fatalf("history must carry the group id: %+v", hist)
	}
	if want := t0.Add(30 * time.Minute); !groups[0].LastActivity().Equal(want) {
		t.Fatalf("last activity %v, want %v", groups[0].LastActivity(), want)
	}
}

func TestClientMarkRead(t *testing.T) {
	c, reqs := newAPIServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"PUT /api/messages/mark-read/u1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"PUT /api/group-chats/g1/messages/read": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"success":false,"message":"already read"}`, http.StatusConflict)
		},
	})

	if err := c.MarkDirectRead(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkGroupRead(context.Background(), "g1"); err != nil {
		t.Fatalf("non-2xx mark-read must be treated as success, got %v", err)
	}
	if len(*reqs) != 2 || (*reqs)[1].Method != http.MethodPut {
		t.Fatalf("unexpected requests %+v", *reqs)
	}

	t.Run("transport error", func(t *testing.T) {
		dead := NewClient("x", WithBaseURL("http://127.0.0.1:1"), WithTimeout(time.Second))
		if err := dead.MarkDirectRead(context.Background(), "u1"); err == nil {
			t.Fatal("expected transport error")
		}
	})
}

func TestClientSend(t *testing.T) {
	c, reqs := newAPIServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/messages/send": func(w http.ResponseWriter, r *http.Request) {
			writeData(w, map[string]any{"id": "srv-1", "senderId": "me", "receiverId": "u2", "content": "hello", "createdAt": "2026-05-01T09:00:00Z"})
		},
		"POST /api/group-chats/g1/messages": func(w http.ResponseWriter, r *http.Request) {
			writeData(w, map[string]any{"id": "srv-2", "senderId": "me", "content": "all"})
		},
	})

	m, err := c.SendDirect(context.Background(), OutboundMessage{ReceiverID: "u2", Content: "hello", Type: MessageText, CorrelationID: "local:1"})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "srv-1" || !m.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected message %+v", m)
	}
	body := (*reqs)[0].Body
	if body["receiverId"] != "u2" || body["content"] != "hello" || body["clientId"] != "local:1" {
		t.Fatalf("unexpected request body %v", body)
	}

	g, err := c.SendGroup(context.Background(), OutboundMessage{GroupID: "g1", Content: "all"})
	if err != nil {
		t.Fatal(err)
	}
	if g.ID != "srv-2" || g.GroupID != "g1" {
		t.Fatalf("unexpected group message %+v", g)
	}

	if _, err := c.SendDirect(context.Background(), OutboundMessage{Content: "nobody"}); err == nil {
		t.Fatal("expected error without receiver")
	}
}

func TestClientAPIError(t *testing.T) {
	c, _ := newAPIServer(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /api/group-chats/my": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(Result{Error: &APIError{Code: "FORBIDDEN", Message: "not a member"}})
		},
		"GET /api/messages/direct": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Result{Error: &APIError{Code: "EXPIRED", Message: "token expired"}})
		},
	})

	_, err := c.MyGroupChats(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden || apiErr.Code != "FORBIDDEN" {
		t.Fatalf("expected forbidden APIError, got %v", err)
	}

	_, err = c.DirectMessages(context.Background())
	if !errors.As(err, &apiErr) || apiErr.Code != "EXPIRED" || apiErr.Status != http.StatusOK {
		t.Fatalf("expected envelope error, got %v", err)
	}

	if _, err := c.UnreadCount(context.Background(), ""); !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}
