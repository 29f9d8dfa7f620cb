package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"stockworks/internal/game"
)

func TestPublishedEventsMatchSchema(t *testing.T) {
	schema, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "event.schema.json"))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	ts := newTestServer(t, 100, 100)
	id := ts.createGame(t)
	_, st := ts.do(t, http.MethodGet, "/v1/games/"+id, "", "", nil)
	acme := companyID(t, st)

	ts.act(t, id, "pass", "alice", "", nil)
	ts.act(t, id, "pass", "bob", "", nil)
	ts.act(t, id, "orders", "alice", "", map[string]any{
		"company_id": acme, "kind": "market", "quantity": 1, "location": "IPO",
	})
	ts.do(t, http.MethodPost, "/v1/games/"+id+"/lock", "", "", nil)
	ts.do(t, http.MethodDelete, "/v1/games/"+id+"/lock", "", "", nil)
	for range 4 {
		ts.do(t, http.MethodPost, "/v1/games/"+id+"/advance", "", "", nil)
	}

	events := ts.events.all()
	seen := map[game.EventKind]bool{}
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", ev.Kind, err)
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatal(err)
		}
		if err := schema.Validate(doc); err != nil {
			t.Fatalf("event %s does not match schema: %v\n%s", ev.Kind, err, raw)
		}
		seen[ev.Kind] = true
	}
	for _, k := range []game.EventKind{game.EventPhaseChanged, game.EventOrderPlaced, game.EventGameLocked} {
		if !seen[k] {
			t.Fatalf("no %s event among %d published", k, len(events))
		}
	}
}
