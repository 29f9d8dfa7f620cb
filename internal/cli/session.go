package cli

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Session remembers which game and seat `stk use` selected.
type Session struct {
	PlayerID   string `json:"player_id"`
	GameID     string `json:"game_id"`
	APIBaseURL string `json:"api_base_url,omitempty"`
}

var ErrNoSession = errors.New("no game selected; run `stk use <game-id> <player-id>`")

// BaseDir is ~/.stk, created on demand.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".stk")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func sessionPath() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

func SaveSession(s Session) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

func LoadSession() (Session, error) {
	path, err := sessionPath()
	if err != nil {
		return Session{}, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, ErrNoSession
		}
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(s.GameID) == "" || strings.TrimSpace(s.PlayerID) == "" {
		return Session{}, ErrNoSession
	}
	return s, nil
}

// Resolve fills blanks in s from the saved session. Env values win over
// the file.
func (s Session) Resolve() (Session, error) {
	if s.GameID != "" && s.PlayerID != "" {
		return s, nil
	}
	saved, err := LoadSession()
	if err != nil {
		return s, err
	}
	if s.GameID == "" {
		s.GameID = saved.GameID
	}
	if s.PlayerID == "" {
		s.PlayerID = saved.PlayerID
	}
	if s.APIBaseURL == "" {
		s.APIBaseURL = saved.APIBaseURL
	}
	return s, nil
}

func ClearSession() error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}
