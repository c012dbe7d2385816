package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"tg-stats-bot/internal/adapters/mtproto"
	"tg-stats-bot/internal/adapters/repo"
	"tg-stats-bot/internal/infra/config"
	"tg-stats-bot/internal/infra/db"
	applog "tg-stats-bot/internal/infra/log"
	"tg-stats-bot/internal/usecase/spies"
)

func main() {
	var (
		filePath   string
		name       string
		apiID      string
		apiHash    string
		phone      string
		exportPath string
	)
	flag.StringVar(&filePath, "file", "", "Path to a file with a Telethon session string")
	flag.StringVar(&name, "name", "default", "Name of the spy session")
	flag.StringVar(&apiID, "api-id", "", "Telegram API id")
	flag.StringVar(&apiHash, "api-hash", "", "Telegram API hash")
	flag.StringVar(&phone, "phone", "", "Phone number of the account (optional)")
	flag.StringVar(&exportPath, "export", "", "Also write the session in gotd session.Storage JSON format to this path")
	flag.Parse()

	if filePath == "" {
		log.Fatal().Msg("session-importer: path to session file is required (-file)")
	}
	if apiID == "" || apiHash == "" {
		log.Fatal().Msg("session-importer: -api-id and -api-hash are required")
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: failed to read session file")
	}
	sessionString := strings.TrimSpace(string(raw))

	info, err := mtproto.ParseSessionString(sessionString)
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: unsupported session format")
	}

	if exportPath != "" {
		payload, err := mtproto.ExportGotdSession(sessionString)
		if err != nil {
			log.Fatal().Err(err).Msg("session-importer: failed to convert session to gotd format")
		}
		if err := os.WriteFile(exportPath, payload, 0o600); err != nil {
			log.Fatal().Err(err).Msg("session-importer: filesystem error while storing session")
		}
		fmt.Printf("Wrote gotd session to %s\n", exportPath)
	}

	cfg := config.Load()
	if cfg.PGDSN == "" {
		log.Fatal().Msg("session-importer: PG_DSN environment variable is required")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: failed to connect to database")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	logger := applog.NewLogger(cfg.AppEnv)
	spyService := spies.NewService(repoAdapter, nil, nil, func(candidate string) error {
		_, err := mtproto.ParseSessionString(candidate)
		return err
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	spy, err := spyService.ImportSession(ctx, name, apiID, apiHash, phone, sessionString)
	if err != nil {
		log.Fatal().Err(err).Msg("session-importer: failed to store session in database")
	}

	fmt.Printf("Stored spy session %q (id %s, dc %d)\n", name, spy.ID, info.DC)
}
