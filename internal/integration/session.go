package integration

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/fitlog/backend/internal/config"
	apperrors "github.com/kimhsiao/fitlog/backend/internal/errors"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
)

const sessionFile = "session.json"

// session is the signed-in user, kept across restarts. Tokens are not
// stored; they come from the platform or the remote configuration.
type session struct {
	UserID   string    `json:"user_id"`
	SignedIn time.Time `json:"signed_in"`
}

func (i *Integration) sessionPath() string {
	return filepath.Join(i.cfg.DataDir, sessionFile)
}

func (i *Integration) loadSession() (string, error) {
	data, err := os.ReadFile(i.sessionPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to read session", err)
	}
	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		logging.Warn("[Integration] Ignoring unreadable session file", map[string]interface{}{"error": err.Error()})
		return "", nil
	}
	return s.UserID, nil
}

func (i *Integration) saveSession(userID string) error {
	if userID == "" {
		err := os.Remove(i.sessionPath())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to remove session", err)
		}
		return nil
	}
	data, err := json.Marshal(session{UserID: userID, SignedIn: i.now()})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode session", err)
	}
	tmp := i.sessionPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to write session", err)
	}
	if err := os.Rename(tmp, i.sessionPath()); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to write session", err)
	}
	return nil
}

// InitLogging installs the global logger described by cfg.
func InitLogging(cfg config.LogConfig) {
	logging.Init(logging.Options{
		Level:      logging.ParseLevel(cfg.Level),
		FilePath:   cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	})
}
