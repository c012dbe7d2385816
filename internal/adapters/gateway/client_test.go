package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tg-stats-bot/internal/domain"
)

func testSpy() domain.Spy {
	return domain.Spy{ID: "spy-1", APIID: "12345", APIHash: "hash", SessionString: "1Abc..."}
}

func TestNormalizeChannelRef(t *testing.T) {
	cases := map[string]string{
		"@demo":                      "demo",
		"demo":                       "demo",
		"t.me/demo":                  "demo",
		"https://t.me/demo":          "demo",
		"https://t.me/demo/":         "demo",
		"https://t.me/+abc123":       "+abc123",
		"https://t.me/joinchat/abc":  "+abc",
		"t.me/demo?start=ref":        "demo",
		"-1001234567890":             "-1001234567890",
		"  @spaced  ":                "spaced",
	}
	for input, expected := range cases {
		if got := NormalizeChannelRef(input); got != expected {
			t.Fatalf("NormalizeChannelRef(%q): ожидали %q, получили %q", input, expected, got)
		}
	}
}

func TestReadChannelMapsMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/spy-read-channel" {
			t.Fatalf("неожиданный путь: %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("не удалось разобрать запрос: %v", err)
		}
		if req["channel_identifier"] != "demo" {
			t.Fatalf("ожидали нормализованный идентификатор, получили %v", req["channel_identifier"])
		}
		if req["session_string"] == "" {
			t.Fatal("строка сессии должна передаваться")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"messages": []map[string]any{
				{"id": 101, "text": "привет", "date": "2026-08-30T10:00:00Z", "views": 50, "forwards": 2, "reactions": 7},
				{"id": 102, "text": "", "views": 10, "media": map[string]any{"type": "MessageMediaPhoto"}},
			},
		})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	messages, err := client.ReadChannel(context.Background(), testSpy(), "@demo", 20)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("ожидали 2 сообщения, получили %d", len(messages))
	}
	if messages[0].MessageID != 101 || messages[0].Views != 50 || messages[0].Reactions != 7 {
		t.Fatalf("неверное сообщение: %+v", messages[0])
	}
	if messages[1].Media == nil || messages[1].Media.Type != "MessageMediaPhoto" {
		t.Fatalf("ожидали вложение, получили %+v", messages[1].Media)
	}
}

func TestReadChannelGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "канал не найден"})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	_, err = client.ReadChannel(context.Background(), testSpy(), "demo", 20)
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("ожидали ошибку шлюза, получили %v", err)
	}
	if gwErr.Message != "канал не найден" {
		t.Fatalf("неверный текст ошибки: %q", gwErr.Message)
	}
}

func TestChannelInfoDecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/spy-get-channel-info" {
			t.Fatalf("неожиданный путь: %s", r.URL.Path)
		}
		// Шлюз отдаёт вложенный объект под ключом channelInfo.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"channelInfo": map[string]any{
				"title":         "Demo",
				"username":      "demo",
				"members_count": 1500,
			},
		})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	info, err := client.ChannelInfo(context.Background(), testSpy(), "@demo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if info.Title != "Demo" || info.Username != "demo" {
		t.Fatalf("метаданные канала не разобраны: %+v", info)
	}
	if info.MembersCount != 1500 {
		t.Fatalf("ожидали 1500 подписчиков, получили %d", info.MembersCount)
	}
}

func TestChannelInfoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "нет доступа"})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	_, err = client.ChannelInfo(context.Background(), testSpy(), "demo")
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("ожидали ошибку шлюза, получили %v", err)
	}
	if !gwErr.IsNotFound() {
		t.Fatalf("ожидали статус 404, получили %d", gwErr.Status)
	}
}

func TestJoinAlreadyJoinedIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "already_joined": true})
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := client.Join(context.Background(), testSpy(), "demo"); err != nil {
		t.Fatalf("повторный вход не должен быть ошибкой: %v", err)
	}
}
