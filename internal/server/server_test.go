package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupshare/internal/config"
	"groupshare/internal/metrics"
	"groupshare/internal/registry"
	"groupshare/internal/storage"
	"groupshare/internal/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := &config.Config{
		ListenAddr:          "127.0.0.1:0",
		DataDir:             t.TempDir(),
		MaxConnections:      16,
		ReadTimeout:         5 * time.Second,
		TransferIdleTimeout: 2 * time.Second,
	}
	store, err := storage.New(cfg.DataDir, log)
	require.NoError(t, err)

	s := New(cfg, registry.New(log), store, metrics.New(), log)
	require.NoError(t, s.Listen())
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s
}

// client plays the role of a protocol front-end over a real TCP
// connection.
type client struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, s *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) cmd(verb string, args ...string) wire.Response {
	c.t.Helper()
	require.NoError(c.t, wire.Send(c.conn, wire.Message{Cmd: verb, Args: args}))
	var resp wire.Response
	require.NoError(c.t, wire.Recv(c.conn, &resp))
	return resp
}

// upload drives the full upload exchange on a dedicated connection.
func upload(t *testing.T, s *Server, user, groupID, fileName string, data []byte) wire.Response {
	t.Helper()
	sum := sha256.Sum256(data)
	return uploadWithHash(t, s, user, groupID, fileName, hex.EncodeToString(sum[:]), data)
}

func uploadWithHash(t *testing.T, s *Server, user, groupID, fileName, hash string, data []byte) wire.Response {
	t.Helper()
	c := dial(t, s)

	resp := c.cmd(wire.CmdUploadFile, user, groupID, fileName, hash)
	if resp.Data != wire.ReadyToReceive {
		return resp
	}

	for len(data) > 0 {
		n := len(data)
		if n > wire.ChunkSize {
			n = wire.ChunkSize
		}
		require.NoError(t, wire.WriteFrame(c.conn, data[:n]))
		data = data[n:]
	}
	require.NoError(t, wire.WriteFrame(c.conn, nil))

	var final wire.Response
	require.NoError(t, wire.Recv(c.conn, &final))
	return final
}

// download drives the full download exchange; the bool reports whether
// the stream started.
func download(t *testing.T, s *Server, groupID, fileName string) (wire.Response, []byte, bool) {
	t.Helper()
	c := dial(t, s)

	resp := c.cmd(wire.CmdDownloadFile, groupID, fileName)
	if resp.Data != wire.StartDownload {
		return resp, nil, false
	}

	data := []byte{}
	for {
		chunk, err := wire.ReadFrame(c.conn)
		require.NoError(t, err)
		if len(chunk) == 0 {
			return resp, data, true
		}
		data = append(data, chunk...)
	}
}

func register(t *testing.T, c *client, user string) {
	t.Helper()
	require.Equal(t, "Registration successful.", c.cmd(wire.CmdRegister, user, "pw").Data)
	require.Equal(t, "Login successful.", c.cmd(wire.CmdLogin, user, "pw").Data)
}

func TestExampleScenario(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)

	assert.Equal(t, "Registration successful.", c.cmd(wire.CmdRegister, "alice", "pw1").Data)
	assert.Equal(t, "Login successful.", c.cmd(wire.CmdLogin, "alice", "pw1").Data)
	assert.Equal(t, "Group 'g1' created successfully.", c.cmd(wire.CmdCreateGroup, "alice", "g1").Data)

	assert.Equal(t, "Registration successful.", c.cmd(wire.CmdRegister, "bob", "pw2").Data)
	assert.Equal(t, "Login successful.", c.cmd(wire.CmdLogin, "bob", "pw2").Data)
	assert.Equal(t, "Join request sent.", c.cmd(wire.CmdRequestJoin, "bob", "g1").Data)

	assert.Equal(t, "bob", c.cmd(wire.CmdViewRequests, "alice", "g1").Data)
	assert.Equal(t, "bob approved to join group 'g1'.", c.cmd(wire.CmdManageRequest, "alice", "g1", "bob", "approve").Data)
	assert.Equal(t, "g1", c.cmd(wire.CmdViewGroups, "bob").Data)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	sizes := map[string]int{
		"empty":      0,
		"one byte":   1,
		"multichunk": 3*wire.ChunkSize + 17,
	}

	for name, size := range sizes {
		t.Run(name, func(t *testing.T) {
			s := newTestServer(t)
			c := dial(t, s)
			register(t, c, "alice")
			require.Equal(t, "Group 'g1' created successfully.", c.cmd(wire.CmdCreateGroup, "alice", "g1").Data)

			data := bytes.Repeat([]byte{0xAB}, size)
			for i := range data {
				data[i] = byte(i)
			}

			resp := upload(t, s, "alice", "g1", "blob.bin", data)
			assert.Equal(t, "ok", resp.Status)
			assert.Equal(t, "File 'blob.bin' uploaded successfully to group 'g1'.", resp.Data)

			assert.Equal(t, "blob.bin", c.cmd(wire.CmdViewFiles, "g1").Data)

			_, got, found := download(t, s, "g1", "blob.bin")
			require.True(t, found)
			assert.True(t, bytes.Equal(data, got), "round-tripped bytes differ")

			assert.Equal(t, "File 'blob.bin' deleted successfully.", c.cmd(wire.CmdDeleteFile, "alice", "g1", "blob.bin").Data)
			assert.Equal(t, "No files available.", c.cmd(wire.CmdViewFiles, "g1").Data)

			resp, _, found = download(t, s, "g1", "blob.bin")
			assert.False(t, found)
			assert.Equal(t, "File not found.", resp.Data)
		})
	}
}

func TestUploadOverwriteReplacesContent(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	register(t, c, "alice")
	require.Equal(t, "ok", c.cmd(wire.CmdCreateGroup, "alice", "g1").Status)

	require.Equal(t, "ok", upload(t, s, "alice", "g1", "f", []byte("first")).Status)
	require.Equal(t, "ok", upload(t, s, "alice", "g1", "f", []byte("second")).Status)

	_, got, found := download(t, s, "g1", "f")
	require.True(t, found)
	assert.Equal(t, "second", string(got))
	assert.Equal(t, "f", c.cmd(wire.CmdViewFiles, "g1").Data, "overwrite keeps one catalog entry")
}

func TestUploadHashMismatch(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	register(t, c, "alice")
	require.Equal(t, "ok", c.cmd(wire.CmdCreateGroup, "alice", "g1").Status)

	wrong := hex.EncodeToString(bytes.Repeat([]byte{0xEE}, 32))
	resp := uploadWithHash(t, s, "alice", "g1", "f.txt", wrong, []byte("content"))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "File hash mismatch.", resp.Data)

	// Nothing committed: no catalog entry, no bytes on disk.
	assert.Equal(t, "No files available.", c.cmd(wire.CmdViewFiles, "g1").Data)
	entries, err := os.ReadDir(filepath.Join(s.cfg.DataDir, "g1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadValidation(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	register(t, c, "alice")
	register(t, c, "mallory")
	require.Equal(t, "ok", c.cmd(wire.CmdCreateGroup, "alice", "g1").Status)

	resp := upload(t, s, "alice", "missing", "f", []byte("x"))
	assert.Equal(t, "Group not found.", resp.Data)

	resp = upload(t, s, "mallory", "g1", "f", []byte("x"))
	assert.Equal(t, "Not a member.", resp.Data)

	resp = upload(t, s, "alice", "g1", "../escape", []byte("x"))
	assert.Equal(t, "Invalid command.", resp.Data)
}

func TestDownloadIgnoresOrphanedBlob(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	register(t, c, "alice")
	require.Equal(t, "ok", c.cmd(wire.CmdCreateGroup, "alice", "g1").Status)

	// A blob with no catalog entry must never be served.
	dir := filepath.Join(s.cfg.DataDir, "g1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.bin"), []byte("stale"), 0o644))

	resp, _, found := download(t, s, "g1", "stray.bin")
	assert.False(t, found)
	assert.Equal(t, "File not found.", resp.Data)
}

func TestViewRequestsUnauthorized(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	register(t, c, "alice")
	register(t, c, "bob")
	require.Equal(t, "ok", c.cmd(wire.CmdCreateGroup, "alice", "g1").Status)
	require.Equal(t, "ok", c.cmd(wire.CmdRequestJoin, "bob", "g1").Status)

	assert.Equal(t, "Unauthorized action.", c.cmd(wire.CmdViewRequests, "bob", "g1").Data)
	assert.Equal(t, "Unauthorized action.", c.cmd(wire.CmdManageRequest, "bob", "g1", "bob", "approve").Data)

	// State unchanged: the request is still pending for the admin.
	assert.Equal(t, "bob", c.cmd(wire.CmdViewRequests, "alice", "g1").Data)
}

func TestRejectLeavesRequesterOutside(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	register(t, c, "alice")
	register(t, c, "bob")
	require.Equal(t, "ok", c.cmd(wire.CmdCreateGroup, "alice", "g1").Status)
	require.Equal(t, "ok", c.cmd(wire.CmdRequestJoin, "bob", "g1").Status)

	assert.Equal(t, "bob's request to join group 'g1' was rejected.",
		c.cmd(wire.CmdHandleRequest, "alice", "g1", "bob", "reject").Data)
	assert.Equal(t, "No pending requests.", c.cmd(wire.CmdViewRequests, "alice", "g1").Data)
	assert.Equal(t, "No groups available.", c.cmd(wire.CmdViewGroups, "bob").Data)
}

func TestInvalidCommandKeepsConnectionUsable(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)

	assert.Equal(t, "Invalid command.", c.cmd("NO_SUCH_VERB").Data)
	assert.Equal(t, "Invalid command.", c.cmd(wire.CmdRegister, "only-one-arg").Data)
	assert.Equal(t, "Invalid command.", c.cmd(wire.CmdManageRequest, "a", "g", "u", "maybe").Data)

	// The connection survived all three.
	assert.Equal(t, "Registration successful.", c.cmd(wire.CmdRegister, "alice", "pw").Data)
}

func TestIsAdminAndLeave(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	register(t, c, "alice")
	register(t, c, "bob")
	require.Equal(t, "ok", c.cmd(wire.CmdCreateGroup, "alice", "g1").Status)
	require.Equal(t, "ok", c.cmd(wire.CmdRequestJoin, "bob", "g1").Status)
	require.Equal(t, "ok", c.cmd(wire.CmdManageRequest, "alice", "g1", "bob", "approve").Status)

	assert.Equal(t, "True", c.cmd(wire.CmdIsAdmin, "alice", "g1").Data)
	assert.Equal(t, "False", c.cmd(wire.CmdIsAdmin, "bob", "g1").Data)

	assert.Equal(t, "Admin cannot leave the group.", c.cmd(wire.CmdLeaveGroup, "alice", "g1").Data)
	assert.Equal(t, "Left group 'g1'.", c.cmd(wire.CmdLeaveGroup, "bob", "g1").Data)
	assert.Equal(t, "Not a member.", c.cmd(wire.CmdLeaveGroup, "bob", "g1").Data)
}

func TestLogoutEndsSession(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	register(t, c, "alice")

	assert.Equal(t, "Logout successful.", c.cmd(wire.CmdLogout, "alice").Data)

	// The server closes the connection after a successful logout.
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp wire.Response
	assert.Error(t, wire.Recv(c.conn, &resp))

	c2 := dial(t, s)
	assert.Equal(t, "User not logged in.", c2.cmd(wire.CmdLogout, "alice").Data)
}

func TestStalledUploadAborts(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	register(t, c, "alice")
	require.Equal(t, "ok", c.cmd(wire.CmdCreateGroup, "alice", "g1").Status)

	up := dial(t, s)
	sum := sha256.Sum256([]byte("never arrives"))
	resp := up.cmd(wire.CmdUploadFile, "alice", "g1", "f", hex.EncodeToString(sum[:]))
	require.Equal(t, wire.ReadyToReceive, resp.Data)

	// Send nothing. The engine's idle deadline aborts the receive and
	// leaves no catalog entry or temp file behind.
	deadlineAt := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadlineAt) {
		entries, err := os.ReadDir(filepath.Join(s.cfg.DataDir, "g1"))
		require.NoError(t, err)
		if len(entries) == 0 && c.cmd(wire.CmdViewFiles, "g1").Data == "No files available." {
			// Once the server closed the transfer connection we are done.
			up.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
			if _, err := wire.ReadFrame(up.conn); err != nil {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("stalled upload was not aborted")
}
