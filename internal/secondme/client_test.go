package secondme

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestChat(t *testing.T) {
	var gotBody map[string]string
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/secondme/chat/stream" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: session\n")
		fmt.Fprint(w, "data: {\"sessionId\":\"chat-1\"}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello \"}}]}\n\n")
		fmt.Fprint(w, "data: not json at all\n\n")
		fmt.Fprint(w, "data: {\"content\":\"there\",\"sessionId\":\"chat-2\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL + "/"})
	reply, err := client.Chat(context.Background(), "tok", "hi", ChatOptions{SystemPrompt: "be nice"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if reply.Reply != "Hello there" {
		t.Errorf("reply: got %q", reply.Reply)
	}
	if reply.SessionID != "chat-1" {
		t.Errorf("first session id should win, got %q", reply.SessionID)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header: got %q", gotAuth)
	}
	if gotBody["message"] != "hi" || gotBody["systemPrompt"] != "be nice" {
		t.Errorf("unexpected body: %v", gotBody)
	}
	if _, ok := gotBody["sessionId"]; ok {
		t.Error("empty session id should be omitted")
	}
}

func TestChatErrors(t *testing.T) {
	t.Run("EmptyReply", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "data: {\"sessionId\":\"s\"}\n\ndata: {\"content\":\"   \"}\n\n")
		}))
		defer srv.Close()

		_, err := NewClient(Options{BaseURL: srv.URL}).Chat(context.Background(), "tok", "hi", ChatOptions{SessionID: "s"})
		if !errors.Is(err, ErrEmptyReply) {
			t.Errorf("expected ErrEmptyReply, got %v", err)
		}
	})

	t.Run("NonSuccessStatus", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := NewClient(Options{BaseURL: srv.URL}).Chat(context.Background(), "tok", "hi", ChatOptions{})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401 APIError, got %v", err)
		}
	})
}

func TestDecodeChunk(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		delta   string
		session string
		ok      bool
	}{
		{"openai delta", `{"choices":[{"delta":{"content":"a"}}]}`, "a", "", true},
		{"plain content", `{"content":"b"}`, "b", "", true},
		{"delta wins", `{"choices":[{"delta":{"content":"c"}}],"content":"x"}`, "c", "", true},
		{"session only", `{"sessionId":"s1"}`, "", "s1", true},
		{"empty choices", `{"choices":[],"content":"d"}`, "d", "", true},
		{"garbage", `oops`, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, ok := decodeChunk([]byte(tt.payload))
			if ok != tt.ok || chunk.delta != tt.delta || chunk.sessionID != tt.session {
				t.Errorf("got (%+v, %v)", chunk, ok)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		access  string
		refresh string
		expires time.Time
	}{
		{
			name:    "wrapped",
			body:    `{"code":0,"data":{"accessToken":"a1","refreshToken":"r1","expiresAt":1700000000000}}`,
			access:  "a1",
			refresh: "r1",
			expires: time.UnixMilli(1700000000000),
		},
		{
			name:   "bare",
			body:   `{"accessToken":"a2"}`,
			access: "a2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotRefresh string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]string
				json.NewDecoder(r.Body).Decode(&body)
				gotRefresh = body["refreshToken"]
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			before := time.Now()
			set, err := NewClient(Options{BaseURL: srv.URL}).Refresh(context.Background(), "old-refresh")
			if err != nil {
				t.Fatalf("Refresh failed: %v", err)
			}
			if gotRefresh != "old-refresh" {
				t.Errorf("refresh token not sent: %q", gotRefresh)
			}
			if set.AccessToken != tt.access || set.RefreshToken != tt.refresh {
				t.Errorf("unexpected token set: %+v", set)
			}
			if tt.expires.IsZero() {
				if set.ExpiresAt.Before(before.Add(59*time.Minute)) || set.ExpiresAt.After(time.Now().Add(61*time.Minute)) {
					t.Errorf("expected default expiry about an hour out, got %v", set.ExpiresAt)
				}
			} else if !set.ExpiresAt.Equal(tt.expires) {
				t.Errorf("expiry: got %v, want %v", set.ExpiresAt, tt.expires)
			}
		})
	}

	t.Run("MissingAccessToken", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":{}}`)
		}))
		defer srv.Close()

		if _, err := NewClient(Options{BaseURL: srv.URL}).Refresh(context.Background(), "r"); err == nil {
			t.Error("expected error for missing access token")
		}
	})
}

func TestUserInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			fmt.Fprint(w, `{"code":401,"message":"invalid token"}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"userId":"u1","name":"Mia","bio":"ENFP who hikes"}}`)
	}))
	defer srv.Close()

	client := NewClient(Options{BaseURL: srv.URL})

	info, err := client.UserInfo(context.Background(), "good")
	if err != nil {
		t.Fatalf("UserInfo failed: %v", err)
	}
	if info.ID != "u1" || info.Name != "Mia" {
		t.Errorf("unexpected info: %+v", info)
	}

	_, err = client.UserInfo(context.Background(), "bad")
	if err == nil || !strings.Contains(err.Error(), "invalid token") {
		t.Errorf("expected envelope error, got %v", err)
	}
}

func TestBookDirectory(t *testing.T) {
	var gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/posts":
			gotLimit = r.URL.Query().Get("limit")
			fmt.Fprint(w, `{"data":[
				{"author":{"id":"a","nickname":"Ann"}},
				{"author":{"id":"a","nickname":"Ann"}},
				{"author":null},
				{"author":{"id":"b","nickname":"Ben","avatar":"b.png"}},
				{"author":{"id":"c","nickname":"Cy"}}
			]}`)
		case r.URL.Path == "/users/b":
			fmt.Fprint(w, `{"id":"b","nickname":"Ben","bio":"INTJ builder","selfIntroduction":"hi"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(Options{BookBaseURL: srv.URL})

	t.Run("BookUsersDedupes", func(t *testing.T) {
		users, err := client.BookUsers(context.Background(), "tok", 2)
		if err != nil {
			t.Fatalf("BookUsers failed: %v", err)
		}
		if gotLimit != "4" {
			t.Errorf("limit: got %s", gotLimit)
		}
		if len(users) != 2 || users[0].ID != "a" || users[1].ID != "b" {
			t.Errorf("unexpected users: %+v", users)
		}
	})

	t.Run("LimitCapped", func(t *testing.T) {
		client.BookUsers(context.Background(), "tok", 50)
		if gotLimit != "40" {
			t.Errorf("limit should cap at 40, got %s", gotLimit)
		}
	})

	t.Run("BookUserDetail", func(t *testing.T) {
		user, err := client.BookUserDetail(context.Background(), "tok", "b")
		if err != nil {
			t.Fatalf("BookUserDetail failed: %v", err)
		}
		if user.Bio != "INTJ builder" || user.SelfIntroduction != "hi" {
			t.Errorf("unexpected detail: %+v", user)
		}

		if _, err := client.BookUserDetail(context.Background(), "tok", "zzz"); err == nil {
			t.Error("expected error for missing user")
		}
	})
}
