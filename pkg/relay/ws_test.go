package relay

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
)

func TestLogsWebsocketFeed(t *testing.T) {
	rig := newTestRig(t, helloUpstream(t))

	wsURL := "ws" + strings.TrimPrefix(rig.front.URL, "http") + "/logs/ws"
	header := http.Header{"Authorization": []string{"Bearer " + testAdminToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	id := rig.ring.Append(logring.Record{Model: "gpt-4o", Stream: true})
	rig.ring.Close(id, func(rec *logring.Record) {
		rec.Status = logring.StatusSuccess
		rec.TotalSecs = 0.2
	})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var batch []logring.Record
	if err := conn.ReadJSON(&batch); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch) != 1 || batch[0].Model != "gpt-4o" || batch[0].Status != logring.StatusSuccess {
		t.Errorf("pushed batch = %+v", batch)
	}
}

func TestLogsWebsocketRequiresAdmin(t *testing.T) {
	rig := newTestRig(t, helloUpstream(t))
	wsURL := "ws" + strings.TrimPrefix(rig.front.URL, "http") + "/logs/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial succeeded without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v", resp)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
}
