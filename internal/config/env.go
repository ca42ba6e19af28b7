package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// applyEnv fills secrets, which are never read from YAML.
func applyEnv(cfg *Config) {
	cfg.GRVT.APIKey = envString("GRVT_API_KEY")
	cfg.GRVT.PrivateKey = envString("GRVT_PRIVATE_KEY")
	cfg.GRVT.SubAccountID = envString("GRVT_TRADING_ACCOUNT_ID")
	if env := envString("GRVT_ENV"); env != "" {
		cfg.GRVT.Env = env
	}
	cfg.Variational.Cookie = envString("VARIATIONAL_COOKIE")
	if token := envString("TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := envString("TELEGRAM_CHAT_ID"); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := envString("TIMESCALE_DSN"); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
