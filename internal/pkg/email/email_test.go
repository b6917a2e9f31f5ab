package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type captureSender struct {
	msgs []*EmailMessage
}

func (c *captureSender) Send(ctx context.Context, msg *EmailMessage) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestServiceWrapsBody(t *testing.T) {
	sender := &captureSender{}
	svc := NewServiceWithSender(sender, "Cobra AI")

	if err := svc.Send(context.Background(), "ada@example.com", "Expiring", "<p>hello</p>"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.msgs))
	}
	html := sender.msgs[0].HTMLContent
	if !strings.Contains(html, "<p>hello</p>") {
		t.Fatalf("body not embedded unescaped: %s", html)
	}
	if !strings.Contains(html, "<h1>Cobra AI</h1>") {
		t.Fatalf("site name missing from layout")
	}
}

func TestServiceRejectsEmptyRecipient(t *testing.T) {
	svc := NewServiceWithSender(&captureSender{}, "Cobra AI")
	if err := svc.Send(context.Background(), "", "s", "b"); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestSendGridClientSend(t *testing.T) {
	var got SendGridRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewSendGridClient(SendGridConfig{APIKey: "key", FromEmail: "noreply@cobra.ai", FromName: "Cobra AI"})
	client.endpoint = srv.URL

	err := client.Send(context.Background(), &EmailMessage{To: "ada@example.com", Subject: "Hi", HTMLContent: "<p>x</p>"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "Bearer key" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if got.From.Email != "noreply@cobra.ai" || got.Subject != "Hi" {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Personalizations) != 1 || got.Personalizations[0].To[0].Email != "ada@example.com" {
		t.Fatalf("unexpected recipients %+v", got.Personalizations)
	}
	if len(got.Content) != 1 || got.Content[0].Type != "text/html" {
		t.Fatalf("unexpected content %+v", got.Content)
	}
}

func TestSendGridClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewSendGridClient(SendGridConfig{APIKey: "bad"})
	client.endpoint = srv.URL

	err := client.Send(context.Background(), &EmailMessage{To: "ada@example.com", Subject: "Hi", HTMLContent: "x"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}
