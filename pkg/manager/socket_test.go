package manager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/jwoglom/hwmanager/pkg/apdu"
	"github.com/jwoglom/hwmanager/pkg/config"
)

type statusDevice struct {
	sw apdu.StatusWord
}

func (d *statusDevice) Exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	return []byte{byte(d.sw >> 8), byte(d.sw)}, nil
}

func (d *statusDevice) Cancel() {}

// socketBackend runs script on every websocket connection and records the
// request URLs
func socketBackend(t *testing.T, script func(conn *websocket.Conn)) (*Client, chan *url.URL) {
	t.Helper()
	urls := make(chan *url.URL, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urls <- r.URL
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)

	env := config.NewEnv()
	_ = env.Set(config.BaseSocketURL, "ws"+strings.TrimPrefix(srv.URL, "http"))
	return NewClient(env, Options{}), urls
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestGenuineCheck(t *testing.T) {
	c, urls := socketBackend(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"query":"success","result":"0000"}`))
		drain(conn)
	})

	payload, err := c.GenuineCheck(context.Background(), &statusDevice{sw: apdu.SWOK}, 0x31100004, "perso_11")
	if err != nil {
		t.Fatalf("GenuineCheck failed: %v", err)
	}
	if payload != "0000" {
		t.Errorf("Expected 0000, got %q", payload)
	}

	u := <-urls
	if u.Path != "/genuine" {
		t.Errorf("Expected /genuine, got %s", u.Path)
	}
	q := u.Query()
	if q.Get("targetId") != "823132164" || q.Get("perso") != "perso_11" || q.Get("livecommonversion") == "" {
		t.Errorf("Unexpected query: %s", u.RawQuery)
	}
}

func TestInstallApp_RemapsStatusWord(t *testing.T) {
	c, urls := socketBackend(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"query":"exchange","nonce":1,"data":"e006000000"}`))
		var r struct{ Data string }
		if err := conn.ReadJSON(&r); err != nil {
			t.Errorf("Backend read failed: %v", err)
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"query":"error","data":"`+r.Data+`"}`))
		drain(conn)
	})

	app := ApplicationVersion{Firmware: "nanos/1.6/bitcoin", FirmwareKey: "key", Delete: "nanos/1.6/bitcoin_del", DeleteKey: "delkey", Perso: "perso_11", Hash: "abcd"}
	ch := c.InstallApp(context.Background(), &statusDevice{sw: apdu.SWNotEnoughSpace}, 0x31100004, app)
	for range ch.Events() {
	}

	if err := ch.Err(); !errors.Is(err, apdu.ErrNotEnoughSpace) {
		t.Errorf("Expected ErrNotEnoughSpace, got %v", err)
	}

	u := <-urls
	q := u.Query()
	if u.Path != "/install" || q.Get("firmware") != "nanos/1.6/bitcoin" || q.Get("deleteKey") != "delkey" || q.Get("hash") != "abcd" {
		t.Errorf("Unexpected install url: %s", u)
	}
}

func TestUninstallApp_UsesDeleteImage(t *testing.T) {
	c, urls := socketBackend(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"query":"error","data":"6a83"}`))
		drain(conn)
	})

	app := ApplicationVersion{Firmware: "nanos/1.6/bitcoin", Delete: "nanos/1.6/bitcoin_del", DeleteKey: "delkey"}
	ch := c.UninstallApp(context.Background(), &statusDevice{sw: apdu.SWOK}, 1, app)
	for range ch.Events() {
	}

	if err := ch.Err(); !errors.Is(err, apdu.ErrUninstallDependency) {
		t.Errorf("Expected ErrUninstallDependency, got %v", err)
	}
	q := (<-urls).Query()
	if q.Get("firmware") != "nanos/1.6/bitcoin_del" || q.Get("firmwareKey") != "delkey" {
		t.Errorf("Expected delete image, got %v", q)
	}
}

func TestInstallMcu_Query(t *testing.T) {
	c, urls := socketBackend(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"query":"success"}`))
		drain(conn)
	})

	ch := c.InstallMcu(context.Background(), &statusDevice{sw: apdu.SWOK}, apdu.ContextMcu, 0x01000001, "0.6")
	for range ch.Events() {
	}
	if err := ch.Err(); err != nil {
		t.Fatalf("InstallMcu failed: %v", err)
	}

	u := <-urls
	if u.Path != "/mcu" || u.Query().Get("version") != "0.6" || u.Query().Get("targetId") != "16777217" {
		t.Errorf("Unexpected mcu url: %s", u)
	}
}
