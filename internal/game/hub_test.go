package game

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub()
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		hub.Close()
	})
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return frame
}

func frameType(t *testing.T, frame map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	if err := json.Unmarshal(frame["type"], &typ); err != nil {
		t.Fatalf("decode type: %v", err)
	}
	return typ
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHubSubscribeAndBroadcast(t *testing.T) {
	hub, conn := dialHub(t)

	sendFrame(t, conn, map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{ChannelRound, ChannelPrices},
	})
	if typ := frameType(t, readFrame(t, conn)); typ != EventSubscribed {
		t.Fatalf("reply = %q, want SUBSCRIBED", typ)
	}

	// Delivered on a subscribed channel.
	hub.Broadcast(ChannelRound, CountdownEvent{Type: EventCountdown, SecondsRemaining: 5})
	if typ := frameType(t, readFrame(t, conn)); typ != EventCountdown {
		t.Fatalf("broadcast = %q, want COUNTDOWN", typ)
	}

	// Not delivered on an unsubscribed channel; the next read must see the
	// later round frame, not the trade frame.
	hub.Broadcast(ChannelTrades, TradeEvent{Type: EventTrade})
	hub.Broadcast(ChannelRound, CountdownEvent{Type: EventCountdown, SecondsRemaining: 4})
	if typ := frameType(t, readFrame(t, conn)); typ != EventCountdown {
		t.Fatalf("got %q, trade frame leaked to unsubscribed client", typ)
	}
}

func TestHubSubscribeUnknownChannelRejectedWhole(t *testing.T) {
	_, conn := dialHub(t)

	sendFrame(t, conn, map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{ChannelRound, "bogus"},
	})
	if typ := frameType(t, readFrame(t, conn)); typ != EventError {
		t.Fatalf("reply = %q, want ERROR", typ)
	}
}

func TestHubIdentifyAndTargetedSend(t *testing.T) {
	hub, conn := dialHub(t)

	sendFrame(t, conn, map[string]interface{}{
		"type":           "identify",
		"wallet_address": testWallet,
	})
	if typ := frameType(t, readFrame(t, conn)); typ != EventIdentified {
		t.Fatalf("reply = %q, want IDENTIFIED", typ)
	}

	hub.SendToWallet(testWallet, AckEvent{Type: EventPong})
	if typ := frameType(t, readFrame(t, conn)); typ != EventPong {
		t.Fatalf("targeted send = %q, want PONG", typ)
	}
}

func TestHubPingPong(t *testing.T) {
	_, conn := dialHub(t)

	sendFrame(t, conn, map[string]interface{}{"type": "ping"})
	if typ := frameType(t, readFrame(t, conn)); typ != EventPong {
		t.Fatalf("reply = %q, want PONG", typ)
	}
}

func TestHubUnknownTypeReturnsError(t *testing.T) {
	_, conn := dialHub(t)

	sendFrame(t, conn, map[string]interface{}{"type": "teleport"})
	if typ := frameType(t, readFrame(t, conn)); typ != EventError {
		t.Fatalf("reply = %q, want ERROR", typ)
	}
}

func TestHubDropsConnectionsArrivingAfterClose(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		// The upgrade itself may be refused once the server winds down.
		return
	}
	defer conn.Close()

	// The handler drops the socket instead of parking on the hub loop.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection accepted after hub shutdown stayed open")
	}
}
