package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/evilpsycho42/hiboss/internal/ipc"
	"github.com/evilpsycho42/hiboss/internal/store"
)

func TestRunServesPingAndShutsDownClean(t *testing.T) {
	home := t.TempDir()
	dbPath := filepath.Join(home, "hiboss.db")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	token, err := st.SetupBoss(context.Background(), "boss", "UTC", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("SetupBoss: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close setup store: %v", err)
	}

	cfg := Config{HomeDir: home, DBPath: dbPath}
	d := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan ExitCode, 1)
	go func() { resultCh <- d.Run(ctx) }()

	sockPath := filepath.Join(home, "daemon.sock")
	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.DialTimeout("unix", sockPath, 200*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if conn == nil {
		cancel()
		t.Fatalf("never connected to %s: %v", sockPath, err)
	}
	defer conn.Close()

	req := ipc.Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "daemon.ping", Token: token}
	line, _ := json.Marshal(req)
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("write: %v", err)
	}

	dec := json.NewDecoder(conn)
	var resp ipc.Response
	if err := dec.Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("daemon.ping error: %+v", resp.Error)
	}

	cancel()
	select {
	case code := <-resultCh:
		if code != ExitClean {
			t.Errorf("ExitCode = %d, want ExitClean", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after ctx cancel")
	}

	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Errorf("socket %s still exists after shutdown", sockPath)
	}
}

func TestIsRunningFalseWithoutDaemon(t *testing.T) {
	home := t.TempDir()
	if IsRunning(Config{HomeDir: home}) {
		t.Error("IsRunning = true, want false with no daemon started")
	}
}
