// Package wire implements the tracker's framed wire protocol.
//
// Every frame on the wire is a 4-byte big-endian length followed by that
// many payload bytes. Command and reply frames carry JSON; during a
// transfer the same framing carries raw file chunks, with a zero-length
// frame marking end of stream. Field values never need escaping because
// nothing is delimiter-separated.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds any single frame. Command frames are tiny; transfer
// chunks are ChunkSize. Anything larger is a corrupt or hostile stream.
const MaxFrameSize = 1 << 20

// ChunkSize is the payload size used when streaming file bytes.
const ChunkSize = 32 * 1024

// Message is one client command.
type Message struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

// Response is the single reply to a command.
type Response struct {
	Status string `json:"status"` // "ok" or "error"
	Data   string `json:"data"`
}

// Command verbs.
const (
	CmdRegister      = "REGISTER"
	CmdLogin         = "LOGIN"
	CmdLogout        = "LOGOUT"
	CmdCreateGroup   = "CREATE_GROUP"
	CmdRequestJoin   = "REQUEST_JOIN"
	CmdViewRequests  = "VIEW_REQUESTS"
	CmdManageRequest = "MANAGE_REQUEST"
	CmdHandleRequest = "HANDLE_REQUEST" // alias kept for older clients
	CmdIsAdmin       = "IS_ADMIN"
	CmdViewGroups    = "VIEW_GROUPS"
	CmdViewFiles     = "VIEW_FILES"
	CmdDeleteFile    = "DELETE_FILE"
	CmdLeaveGroup    = "LEAVE_GROUP"
	CmdUploadFile    = "UPLOAD_FILE"
	CmdDownloadFile  = "DOWNLOAD_FILE"
)

// Transfer markers exchanged before byte streaming starts.
const (
	ReadyToReceive = "READY_TO_RECEIVE"
	StartDownload  = "START_DOWNLOAD"
)

// WriteFrame writes one length-prefixed frame. An empty payload is the
// end-of-stream marker for transfers.
func WriteFrame(w io.Writer, payload []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame. A zero-length frame returns
// an empty, non-nil slice.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Send marshals v and writes it as a single frame.
func Send(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// Recv reads one frame and unmarshals it into v.
func Recv(r io.Reader, v any) error {
	data, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
