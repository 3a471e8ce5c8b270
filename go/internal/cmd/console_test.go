package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/mcdev12/scoresync/go/internal/collab"
	"github.com/mcdev12/scoresync/go/internal/models"
)

func TestPromptConfirmer(t *testing.T) {
	plan := models.MergePlan{
		Teams:  []models.RosterItem{{Name: "Owls"}},
		Blocks: []models.RosterItem{{Name: "Round 1"}},
	}

	var out bytes.Buffer
	ok, err := newPromptConfirmer(strings.NewReader("Yes\n"), &out).ConfirmMerge(context.Background(), plan)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, strings.Contains(out.String(), "team  Owls"), true)
	assert.Equal(t, strings.Contains(out.String(), "block Round 1"), true)

	ok, err = newPromptConfirmer(strings.NewReader("\n"), &out).ConfirmMerge(context.Background(), plan)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
}

func TestConsoleObserver(t *testing.T) {
	var out bytes.Buffer
	o := newConsoleObserver(&out)
	o.StateChanged(collab.Status{State: collab.StateConnected, RoomCode: "ABC234", DisplayName: "Ada", ConnectionType: models.RoomKindPeer})
	o.PeersChanged([]models.Peer{{DisplayName: "Ada"}, {DisplayName: "Bob"}})
	o.PeersChanged(nil)

	assert.Equal(t, out.String(), "connected to ABC234 as Ada (p2p)\npeers: Ada, Bob\nno peers\n")
}
