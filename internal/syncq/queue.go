package syncq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Command is a submission that could not reach the server. It is replayed
// with its original idempotency key so the server drops duplicates.
type Command struct {
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	PlayerID       string         `json:"player_id"`
	Body           map[string]any `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	QueuedAt       time.Time      `json:"queued_at"`
}

func queuePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".stk")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.json"), nil
}

func Load() ([]Command, error) {
	path, err := queuePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Save(commands []Command) error {
	path, err := queuePath()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func Push(cmd Command) error {
	commands, err := Load()
	if err != nil {
		return err
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	commands = append(commands, cmd)
	return Save(commands)
}

// SendFunc delivers one queued command.
type SendFunc func(ctx context.Context, cmd Command) error

type Result struct {
	Replayed  int
	Dropped   []Failure
	Remaining []Command
}

type Failure struct {
	Command Command
	Err     error
}

// Replay sends commands in order. Commands whose failure is retryable stay
// queued; the rest are dropped and reported. Once the context ends every
// unsent command is kept.
func Replay(ctx context.Context, commands []Command, send SendFunc, retryable func(error) bool) Result {
	var res Result
	for i, cmd := range commands {
		if ctx.Err() != nil {
			res.Remaining = append(res.Remaining, commands[i:]...)
			break
		}
		err := send(ctx, cmd)
		switch {
		case err == nil:
			res.Replayed++
		case retryable(err):
			res.Remaining = append(res.Remaining, cmd)
		default:
			res.Dropped = append(res.Dropped, Failure{Command: cmd, Err: err})
		}
	}
	return res
}
