package server

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"groupshare/internal/storage"
	"groupshare/internal/wire"
)

func deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// handleUpload receives one file. After the handshake reply the
// connection carries only length-prefixed data frames until the
// zero-length terminator; the registry lock is taken only for the final
// catalog commit, never while bytes are moving. The blob reaches its
// final path through a rename after the digest check, so an aborted or
// corrupt upload leaves nothing behind.
func (s *Server) handleUpload(conn net.Conn, args []string, log *logrus.Entry) {
	if len(args) != 4 {
		s.countCommand(wire.CmdUploadFile, statusErr)
		wire.Send(conn, invalidCommand)
		return
	}
	username, groupID, fileName, wantHash := args[0], args[1], args[2], args[3]

	log = log.WithFields(logrus.Fields{
		"user":  username,
		"group": groupID,
		"file":  fileName,
	})

	reply := func(resp wire.Response) {
		s.countCommand(wire.CmdUploadFile, resp.Status)
		if err := wire.Send(conn, resp); err != nil {
			log.WithError(err).Debug("write upload reply failed")
		}
	}

	if storage.ValidateName(groupID) != nil || storage.ValidateName(fileName) != nil {
		reply(invalidCommand)
		return
	}
	if err := s.reg.CheckUpload(username, groupID); err != nil {
		reply(s.errReply(err, log))
		return
	}

	tmp, err := s.store.CreateTemp(groupID)
	if err != nil {
		reply(s.errReply(err, log))
		return
	}

	if err := wire.Send(conn, ok(wire.ReadyToReceive)); err != nil {
		s.store.Abort(tmp)
		log.WithError(err).Debug("write ready marker failed")
		return
	}

	hasher := sha256.New()
	var received int64
	for {
		// A peer that stops sending mid-stream trips this deadline and
		// aborts the receive instead of hanging the worker forever.
		conn.SetReadDeadline(deadline(s.cfg.TransferIdleTimeout))
		chunk, err := wire.ReadFrame(conn)
		if err != nil {
			s.store.Abort(tmp)
			log.WithError(err).WithField("received", received).Warn("upload aborted")
			s.countCommand(wire.CmdUploadFile, statusErr)
			return
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := tmp.Write(chunk); err != nil {
			s.store.Abort(tmp)
			reply(s.errReply(err, log))
			return
		}
		hasher.Write(chunk)
		received += int64(len(chunk))
		s.met.TransferBytes.WithLabelValues("upload").Add(float64(len(chunk)))
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(digest, wantHash) {
		s.store.Abort(tmp)
		log.WithFields(logrus.Fields{"want": wantHash, "got": digest}).Warn("upload hash mismatch")
		reply(bad("File hash mismatch."))
		return
	}

	if err := s.store.Commit(tmp, groupID, fileName); err != nil {
		reply(s.errReply(err, log))
		return
	}
	if err := s.reg.RecordUpload(username, groupID, fileName, digest); err != nil {
		// The uploader lost membership while bytes were in flight. Take
		// the blob back out so catalog and disk stay in step.
		if rmErr := s.store.Remove(groupID, fileName); rmErr != nil {
			log.WithError(rmErr).Error("orphan cleanup failed")
		}
		reply(s.errReply(err, log))
		return
	}

	log.WithField("bytes", received).Info("upload complete")
	reply(ok("File '" + fileName + "' uploaded successfully to group '" + groupID + "'."))
}

// handleDownload streams one file. The catalog is consulted before the
// filesystem, so a blob with no catalog entry is never served.
func (s *Server) handleDownload(conn net.Conn, args []string, log *logrus.Entry) {
	if len(args) != 2 {
		s.countCommand(wire.CmdDownloadFile, statusErr)
		wire.Send(conn, invalidCommand)
		return
	}
	groupID, fileName := args[0], args[1]

	log = log.WithFields(logrus.Fields{"group": groupID, "file": fileName})

	reply := func(resp wire.Response) {
		s.countCommand(wire.CmdDownloadFile, resp.Status)
		if err := wire.Send(conn, resp); err != nil {
			log.WithError(err).Debug("write download reply failed")
		}
	}

	if storage.ValidateName(groupID) != nil || storage.ValidateName(fileName) != nil {
		reply(invalidCommand)
		return
	}
	if _, err := s.reg.LookupFile(groupID, fileName); err != nil {
		reply(bad("File not found."))
		return
	}

	f, err := s.store.Open(groupID, fileName)
	if err != nil {
		log.WithError(err).Error("catalog entry has no blob")
		reply(bad("File not found."))
		return
	}
	defer f.Close()

	if err := wire.Send(conn, ok(wire.StartDownload)); err != nil {
		log.WithError(err).Debug("write start marker failed")
		return
	}
	s.countCommand(wire.CmdDownloadFile, statusOK)

	buf := make([]byte, wire.ChunkSize)
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(deadline(s.cfg.TransferIdleTimeout))
			if werr := wire.WriteFrame(conn, buf[:n]); werr != nil {
				log.WithError(werr).WithField("sent", sent).Warn("download aborted")
				return
			}
			sent += int64(n)
			s.met.TransferBytes.WithLabelValues("download").Add(float64(n))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			log.WithError(err).Warn("blob read failed")
			return
		}
	}

	conn.SetWriteDeadline(deadline(s.cfg.TransferIdleTimeout))
	if err := wire.WriteFrame(conn, nil); err != nil {
		log.WithError(err).Debug("write end-of-stream failed")
		return
	}
	log.WithField("bytes", sent).Info("download complete")
}
