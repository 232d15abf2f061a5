package diag

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/msgnet/msgnet-go/conn"
	"github.com/msgnet/msgnet-go/conn/stream"
)

// staticRegistry serves a fixed connection list.
type staticRegistry struct {
	connections []conn.Connection
}

func (r *staticRegistry) Connections() []conn.Connection {
	return r.connections
}

func (r *staticRegistry) Connection(id uuid.UUID) (conn.Connection, bool) {
	for _, c := range r.connections {
		if c.UUID() == id {
			return c, true
		}
	}
	return nil, false
}

func newTestConnection(t *testing.T) conn.Connection {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	return stream.NewMessageConnection(local, conn.DefaultSettings(), 1, nil)
}

func getRandomPort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}

func TestDiagConnections(t *testing.T) {
	c := newTestConnection(t)
	registry := &staticRegistry{connections: []conn.Connection{c}}

	address := fmt.Sprintf("localhost:%d", getRandomPort(t))
	server, err := New(address, registry)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	resp, err := http.Get(fmt.Sprintf("http://%s/connections", address))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var infos []connectionInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}

	if len(infos) != 1 {
		t.Fatalf("listed %d connections", len(infos))
	}
	if infos[0].ID != c.UUID().String() {
		t.Errorf("listed id %s", infos[0].ID)
	}
	if infos[0].State != conn.StateOK.String() {
		t.Errorf("listed state %s", infos[0].State)
	}
}

func TestDiagSingleConnection(t *testing.T) {
	c := newTestConnection(t)
	registry := &staticRegistry{connections: []conn.Connection{c}}

	address := fmt.Sprintf("localhost:%d", getRandomPort(t))
	server, err := New(address, registry)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s/connections/%s", address, c.UUID()))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d for a known connection", resp.StatusCode)
	}

	resp, err = client.Get(fmt.Sprintf("http://%s/connections/%s", address, uuid.New()))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d for an unknown connection", resp.StatusCode)
	}

	resp, err = client.Get(fmt.Sprintf("http://%s/connections/garbage", address))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d for a malformed id", resp.StatusCode)
	}
}
