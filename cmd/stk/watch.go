package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"stockworks/internal/game"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream game events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			seat, err := opts.seat()
			if err != nil {
				return err
			}
			target, err := streamURL(seat.APIBaseURL, seat.GameID, seat.PlayerID)
			if err != nil {
				return err
			}
			header := http.Header{}
			header.Set("X-Player-ID", seat.PlayerID)
			conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), target, header)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("connect %s: %w (status %d)", target, err, resp.StatusCode)
				}
				return fmt.Errorf("connect %s: %w", target, err)
			}
			defer conn.Close()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt)
			defer signal.Stop(stop)
			interrupted := make(chan struct{})
			go func() {
				<-stop
				close(interrupted)
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
			}()

			accent.Printf("Watching %s as %s. Ctrl-C to stop.\n", seat.GameID, seat.PlayerID)
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					select {
					case <-interrupted:
						return nil
					default:
					}
					return err
				}
				var ev game.Event
				if err := json.Unmarshal(raw, &ev); err != nil {
					printWarn("unreadable event: " + err.Error())
					continue
				}
				renderEvent(ev)
			}
		},
	}
}

func streamURL(apiBase, gameID, playerID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(apiBase), "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/games/" + gameID + "/ws"
	u.RawQuery = url.Values{"player_id": {playerID}}.Encode()
	return u.String(), nil
}
