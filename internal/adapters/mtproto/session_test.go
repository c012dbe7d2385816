package mtproto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/gotd/td/session"
)

// telethonString собирает строку сессии Telethon: байт версии и
// base64url от dc|ip|port|auth_key.
func telethonString(dc byte, ip string, port uint16) string {
	payload := []byte{dc}
	payload = append(payload, net.ParseIP(ip).To4()...)
	payload = append(payload, byte(port>>8), byte(port))
	payload = append(payload, bytes.Repeat([]byte{0x42}, 256)...)
	return "1" + base64.URLEncoding.EncodeToString(payload)
}

func TestParseSessionString(t *testing.T) {
	info, err := ParseSessionString("  \"" + telethonString(2, "149.154.167.41", 443) + "\"\n")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if info.DC != 2 {
		t.Fatalf("ожидали DC 2, получили %d", info.DC)
	}
	if info.Addr != "149.154.167.41:443" {
		t.Fatalf("неверный адрес датацентра: %q", info.Addr)
	}
}

func TestParseSessionStringRejectsGarbage(t *testing.T) {
	for _, candidate := range []string{"", "   ", "not-a-session", "1невалидно"} {
		if _, err := ParseSessionString(candidate); !errors.Is(err, ErrInvalidSessionString) {
			t.Fatalf("ожидали ErrInvalidSessionString для %q, получили %v", candidate, err)
		}
	}
}

func TestExportGotdSession(t *testing.T) {
	raw, err := ExportGotdSession(telethonString(2, "149.154.167.41", 443))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	var payload struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("не удалось разобрать экспорт: %v", err)
	}
	if payload.Version != 1 {
		t.Fatalf("ожидали версию 1, получили %d", payload.Version)
	}
	if payload.Data.DC != 2 || payload.Data.Addr != "149.154.167.41:443" {
		t.Fatalf("сведения о датацентре потеряны: %+v", payload.Data)
	}
	if payload.Data.Config.ThisDC != 2 {
		t.Fatalf("ThisDC должен заполняться из сессии, получили %d", payload.Data.Config.ThisDC)
	}
	if len(payload.Data.Config.DCOptions) != 1 || payload.Data.Config.DCOptions[0].IPAddress != "149.154.167.41" {
		t.Fatalf("адрес датацентра должен попадать в DCOptions: %+v", payload.Data.Config.DCOptions)
	}
	if len(payload.Data.AuthKey) != 256 {
		t.Fatalf("ключ авторизации повреждён, длина %d", len(payload.Data.AuthKey))
	}
}
