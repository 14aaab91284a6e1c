package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pansacloud/gateway/internal/auth"
	"github.com/pansacloud/gateway/internal/codec"
	"github.com/pansacloud/gateway/internal/db/dbtest"
	"github.com/pansacloud/gateway/internal/model"
	"github.com/pansacloud/gateway/internal/repo"
	"github.com/pansacloud/gateway/internal/wa"
	"github.com/pansacloud/gateway/internal/wa/bridge"
)

const (
	alice = "628111111111"
	bob   = "628222222222"
)

func TestGateway_PairingAndFirstConnect(t *testing.T) {
	h := NewHarness(t)
	listener := h.Listen(t)
	h.Start(t)

	hello := h.Sidecar.WaitHello()
	assert.Equal(t, SessionName, hello.Session)
	assert.Equal(t, false, hello.Creds["registered"])
	noise, ok := hello.Creds["noiseKey"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, noise["public"], 32)

	// Fresh credentials were persisted before dialing.
	stored, err := repo.NewSessionRepo(h.DB).GetCreds(context.Background(), SessionName)
	require.NoError(t, err)
	assert.Contains(t, stored, "noiseKey")

	h.Sidecar.QR("2@pairing-code")
	qr := listener.Next()
	assert.Equal(t, wa.EventQR, qr.Event)
	assert.JSONEq(t, `{"qr":"2@pairing-code"}`, string(qr.Data))
	assert.Equal(t, wa.StateConnecting, h.Manager.State())

	h.Sidecar.Send(bridge.TypeConnectionUpdate, "", map[string]any{"connection": wa.ConnectionOpen})
	assert.Equal(t, "connected", listener.NextStatus()["status"])
	assert.Equal(t, wa.StateOpen, h.Manager.State())
}

func TestGateway_CommandFlowWithPin(t *testing.T) {
	h := NewHarness(t)
	aliceID := h.SeedUser(t, alice, "2468")
	bobID := h.SeedUser(t, bob, "1357")
	aliceFile := dbtest.SeedFile(t, h.DB, aliceID, 4096)
	bobFile := dbtest.SeedFile(t, h.DB, bobID, 10)
	h.Start(t)
	h.Sidecar.Connect()

	reply := h.Sidecar.Ask(alice, ".help")
	assert.Equal(t, alice+"@s.whatsapp.net", reply.JID)
	assert.Contains(t, reply.Text, "PansaCloud Bot:")

	assert.Equal(t, "Locked 🔒 Send .pin <PIN> first.", h.Sidecar.Ask(alice, ".list").Text)
	assert.Equal(t, "Wrong PIN ❌", h.Sidecar.Ask(alice, ".pin 0000").Text)
	assert.Equal(t, "Unlocked ✅ (stays active until you send .logout)", h.Sidecar.Ask(alice, ".pin 2468").Text)

	unlocked, err := h.Unlocks.IsUnlocked(context.Background(), aliceID)
	require.NoError(t, err)
	assert.True(t, unlocked)

	list := h.Sidecar.Ask(alice, ".list").Text
	assert.Contains(t, list, fmt.Sprintf("#%d • 4096 bytes • ", aliceFile))
	assert.NotContains(t, list, fmt.Sprintf("#%d ", bobFile))

	assert.Equal(t, "File not found.", h.Sidecar.Ask(alice, fmt.Sprintf(".get %d", bobFile)).Text)
	assert.Equal(t, "Format: .get <id>", h.Sidecar.Ask(alice, ".get x").Text)

	link := h.Sidecar.Ask(alice, fmt.Sprintf(".get %d", aliceFile)).Text
	token := TokenFromLink(t, link)
	grant, err := h.Tokens.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, aliceID, grant.UserID)
	assert.Equal(t, model.ScopeSingle, grant.Kind)
	require.NotNil(t, grant.FileID)
	assert.Equal(t, aliceFile, *grant.FileID)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), grant.ExpiresAt, time.Minute)

	all := TokenFromLink(t, h.Sidecar.Ask(alice, ".downloadall").Text)
	grant, err = h.Tokens.Resolve(context.Background(), all)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeAll, grant.Kind)
	assert.Nil(t, grant.FileID)

	// Bob is still locked; unlocks are per identity.
	assert.Equal(t, "Locked 🔒 Send .pin <PIN> first.", h.Sidecar.Ask(bob, ".downloadall").Text)

	assert.Equal(t, "Logout ✅ access is locked again.", h.Sidecar.Ask(alice, ".logout").Text)
	assert.Equal(t, "Locked 🔒 Send .pin <PIN> first.", h.Sidecar.Ask(alice, ".list").Text)
}

func TestGateway_NoPinSet(t *testing.T) {
	h := NewHarness(t)
	h.SeedUser(t, alice, "")
	h.Start(t)
	h.Sidecar.Connect()

	assert.Equal(t, "You have not set a PIN in the web panel yet.", h.Sidecar.Ask(alice, ".pin 1234").Text)
	assert.Equal(t, "Locked 🔒 Send .pin <PIN> first.", h.Sidecar.Ask(alice, ".get 1").Text)
}

func TestGateway_IgnoresStrangersAndChatter(t *testing.T) {
	h := NewHarness(t)
	h.SeedUser(t, alice, "2468")
	h.Start(t)
	h.Sidecar.Connect()

	h.Sidecar.Deliver("629999999999", ".help")
	h.Sidecar.Deliver(alice, "good morning")

	assert.Equal(t, "Locked 🔒 Send .pin <PIN> first.", h.Sidecar.Ask(alice, ".whoami").Text)

	select {
	case extra := <-h.Sidecar.sent:
		t.Fatalf("unexpected reply %q to %s", extra.Text, extra.JID)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestGateway_UnlockSurvivesReconnect(t *testing.T) {
	h := NewHarness(t)
	listener := h.Listen(t)
	aliceID := h.SeedUser(t, alice, "2468")
	require.NoError(t, h.Unlocks.SetUnlocked(context.Background(), aliceID, true))
	h.Start(t)

	first := h.Sidecar.Connect()
	assert.Equal(t, "connected", listener.NextStatus()["status"])

	creds := first.Creds
	creds["registered"] = true
	creds["me"] = map[string]any{"id": "628000000000:1@s.whatsapp.net"}
	h.Sidecar.UpdateCreds(creds)

	// Events are handled in order, so the update is saved before the close.
	h.Sidecar.Disconnect(wa.DisconnectConnectionLost)

	status := listener.NextStatus()
	assert.Equal(t, "disconnected", status["status"])
	assert.Equal(t, true, status["shouldReconnect"])
	assert.Equal(t, float64(wa.DisconnectConnectionLost), status["code"])

	second := h.Sidecar.Connect()
	assert.Equal(t, SessionName, second.Session)
	assert.Equal(t, true, second.Creds["registered"])
	assert.Equal(t, first.Creds["noiseKey"], second.Creds["noiseKey"])
	assert.Equal(t, "connected", listener.NextStatus()["status"])

	assert.Equal(t, "No files yet.", h.Sidecar.Ask(alice, ".list").Text)
}

func TestGateway_LoggedOutStops(t *testing.T) {
	h := NewHarness(t)
	listener := h.Listen(t)
	h.Start(t)
	h.Sidecar.Connect()
	assert.Equal(t, "connected", listener.NextStatus()["status"])

	h.Sidecar.Disconnect(wa.DisconnectLoggedOut)

	status := listener.NextStatus()
	assert.Equal(t, "disconnected", status["status"])
	assert.Equal(t, false, status["shouldReconnect"])
	assert.Equal(t, float64(wa.DisconnectLoggedOut), status["code"])
	assert.Equal(t, "logged_out", listener.NextStatus()["status"])

	assert.ErrorIs(t, h.Wait(t), wa.ErrLoggedOut)
	assert.Equal(t, wa.StateLoggedOut, h.Manager.State())
	h.Sidecar.NoHello(200 * time.Millisecond)
}

func TestGateway_KeyStoreOverBridge(t *testing.T) {
	h := NewHarness(t)
	h.Start(t)
	h.Sidecar.Connect()

	data, err := codec.Marshal(map[string]any{
		"pre-key": map[string]any{
			"1": map[string]any{"public": []byte{1, 2, 3}, "private": []byte{0, 255}},
			"2": map[string]any{"public": []byte{4}},
		},
		"session": map[string]any{"628111111111.0": []byte("ratchet")},
	})
	require.NoError(t, err)
	res := h.Sidecar.Keys(bridge.TypeKeysSet, map[string]any{"data": json.RawMessage(data)})
	require.Empty(t, res.Error)

	tombstone, err := codec.Marshal(map[string]any{"pre-key": map[string]any{"2": nil}})
	require.NoError(t, err)
	res = h.Sidecar.Keys(bridge.TypeKeysSet, map[string]any{"data": json.RawMessage(tombstone)})
	require.Empty(t, res.Error)

	res = h.Sidecar.Keys(bridge.TypeKeysGet, map[string]any{"type": "pre-key", "ids": []string{"1", "2", "3"}})
	require.Empty(t, res.Error)
	var p struct {
		Values json.RawMessage `json:"values"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &p))
	values, err := codec.UnmarshalMap(p.Values)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"1": map[string]any{"public": []byte{1, 2, 3}, "private": []byte{0, 255}},
	}, values)

	// Same view straight from the store.
	direct, err := h.Store.GetKeys(context.Background(), SessionName, "session", []string{"628111111111.0"})
	require.NoError(t, err)
	assert.Equal(t, []byte("ratchet"), direct["628111111111.0"])
}

func TestGateway_ExpiredLink(t *testing.T) {
	h := NewHarness(t)
	userID := h.SeedUser(t, alice, "")

	token, err := h.Tokens.Issue(context.Background(), userID, model.ScopeAll, nil, 0)
	require.NoError(t, err)

	_, err = h.Tokens.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}
