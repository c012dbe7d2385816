package mtproto

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// ErrInvalidSessionString возвращается, когда строка сессии не
// распознаётся как Telethon StringSession.
var ErrInvalidSessionString = fmt.Errorf("строка сессии не в формате Telethon")

// SessionInfo — сведения, извлечённые из строки сессии без подключения
// к Telegram.
type SessionInfo struct {
	DC   int
	Addr string
}

// ParseSessionString проверяет строку сессии Telethon и возвращает
// сведения о датацентре. Используется перед сохранением сессии,
// чтобы отсеять мусорный ввод без обращения к шлюзу.
func ParseSessionString(candidate string) (SessionInfo, error) {
	candidate = strings.TrimSpace(candidate)
	candidate = strings.Trim(candidate, "\"'\n\r\t")
	if candidate == "" {
		return SessionInfo{}, ErrInvalidSessionString
	}

	data, err := session.TelethonSession(candidate)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("%w: %v", ErrInvalidSessionString, err)
	}
	return SessionInfo{DC: data.DC, Addr: data.Addr}, nil
}

// ExportGotdSession конвертирует строку сессии Telethon в JSON-формат
// session.Storage из gotd. Нужен для локальной отладки сессий без шлюза.
func ExportGotdSession(candidate string) ([]byte, error) {
	candidate = strings.TrimSpace(candidate)
	candidate = strings.Trim(candidate, "\"'\n\r\t")
	if candidate == "" {
		return nil, ErrInvalidSessionString
	}

	data, err := session.TelethonSession(candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSessionString, err)
	}

	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if data.Addr != "" && len(data.Config.DCOptions) == 0 {
		host, portStr, splitErr := net.SplitHostPort(data.Addr)
		if splitErr == nil {
			if port, convErr := strconv.Atoi(portStr); convErr == nil {
				data.Config.DCOptions = []tg.DCOption{{
					ID:        data.DC,
					IPAddress: host,
					Port:      port,
				}}
			}
		}
	}

	payload := struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}{
		Version: 1,
		Data:    *data,
	}
	return json.Marshal(payload)
}
