package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"groupshare/internal/registry"
	"groupshare/internal/storage"
	"groupshare/internal/wire"
)

const (
	statusOK  = "ok"
	statusErr = "error"
)

func ok(data string) wire.Response  { return wire.Response{Status: statusOK, Data: data} }
func bad(data string) wire.Response { return wire.Response{Status: statusErr, Data: data} }

var invalidCommand = bad("Invalid command.")

// errReply maps registry and storage failures to their wire text. The
// strings are the protocol; clients match on them.
func (s *Server) errReply(err error, log *logrus.Entry) wire.Response {
	switch {
	case errors.Is(err, registry.ErrUserExists):
		return bad("User already exists.")
	case errors.Is(err, registry.ErrUserNotFound):
		return bad("User not found.")
	case errors.Is(err, registry.ErrInvalidCredentials):
		return bad("Invalid credentials.")
	case errors.Is(err, registry.ErrNotLoggedIn):
		return bad("User not logged in.")
	case errors.Is(err, registry.ErrGroupExists):
		return bad("Group ID already exists.")
	case errors.Is(err, registry.ErrGroupNotFound):
		return bad("Group not found.")
	case errors.Is(err, registry.ErrAlreadyMember):
		return bad("Already a member.")
	case errors.Is(err, registry.ErrAlreadyRequested):
		return bad("Join request already sent.")
	case errors.Is(err, registry.ErrUnauthorized):
		return bad("Unauthorized action.")
	case errors.Is(err, registry.ErrNoSuchRequest):
		return bad("No such request.")
	case errors.Is(err, registry.ErrNotMember):
		return bad("Not a member.")
	case errors.Is(err, registry.ErrAdminLeave):
		return bad("Admin cannot leave the group.")
	case errors.Is(err, registry.ErrFileNotFound):
		return bad("File not found.")
	case errors.Is(err, storage.ErrInvalidName):
		return invalidCommand
	default:
		log.WithError(err).Error("internal error")
		return bad("Internal error.")
	}
}

// dispatch routes one non-transfer command to the registry and shapes the
// single-line reply. Wrong argument counts and unknown verbs get the
// generic invalid reply and leave the connection usable.
func (s *Server) dispatch(msg wire.Message, log *logrus.Entry) wire.Response {
	args := msg.Args

	switch msg.Cmd {
	case wire.CmdRegister:
		if len(args) != 2 {
			return invalidCommand
		}
		if err := storage.ValidateName(args[0]); err != nil {
			return invalidCommand
		}
		if err := s.reg.Register(args[0], args[1]); err != nil {
			return s.errReply(err, log)
		}
		return ok("Registration successful.")

	case wire.CmdLogin:
		if len(args) != 2 {
			return invalidCommand
		}
		if _, err := s.reg.Login(args[0], args[1]); err != nil {
			return s.errReply(err, log)
		}
		return ok("Login successful.")

	case wire.CmdLogout:
		if len(args) != 1 {
			return invalidCommand
		}
		if err := s.reg.Logout(args[0]); err != nil {
			return s.errReply(err, log)
		}
		return ok("Logout successful.")

	case wire.CmdCreateGroup:
		if len(args) != 2 {
			return invalidCommand
		}
		user, groupID := args[0], args[1]
		if err := storage.ValidateName(groupID); err != nil {
			return invalidCommand
		}
		if err := s.reg.CreateGroup(user, groupID); err != nil {
			return s.errReply(err, log)
		}
		return ok(fmt.Sprintf("Group '%s' created successfully.", groupID))

	case wire.CmdRequestJoin:
		if len(args) != 2 {
			return invalidCommand
		}
		if err := s.reg.RequestJoin(args[0], args[1]); err != nil {
			return s.errReply(err, log)
		}
		return ok("Join request sent.")

	case wire.CmdViewRequests:
		if len(args) != 2 {
			return invalidCommand
		}
		pending, err := s.reg.PendingRequests(args[0], args[1])
		if err != nil {
			return s.errReply(err, log)
		}
		if len(pending) == 0 {
			return bad("No pending requests.")
		}
		return ok(strings.Join(pending, ","))

	case wire.CmdManageRequest, wire.CmdHandleRequest:
		if len(args) != 4 {
			return invalidCommand
		}
		admin, groupID, user, decision := args[0], args[1], args[2], args[3]
		var approve bool
		switch decision {
		case "approve":
			approve = true
		case "reject":
		default:
			return invalidCommand
		}
		if err := s.reg.DecideRequest(admin, groupID, user, approve); err != nil {
			return s.errReply(err, log)
		}
		if approve {
			return ok(fmt.Sprintf("%s approved to join group '%s'.", user, groupID))
		}
		return ok(fmt.Sprintf("%s's request to join group '%s' was rejected.", user, groupID))

	case wire.CmdIsAdmin:
		if len(args) != 2 {
			return invalidCommand
		}
		if s.reg.IsAdmin(args[0], args[1]) {
			return ok("True")
		}
		return ok("False")

	case wire.CmdViewGroups:
		if len(args) != 1 {
			return invalidCommand
		}
		groups := s.reg.Groups(args[0])
		if len(groups) == 0 {
			return bad("No groups available.")
		}
		return ok(strings.Join(groups, ","))

	case wire.CmdViewFiles:
		if len(args) != 1 {
			return invalidCommand
		}
		names, err := s.reg.Files(args[0])
		if err != nil {
			return s.errReply(err, log)
		}
		if len(names) == 0 {
			return bad("No files available.")
		}
		return ok(strings.Join(names, ","))

	case wire.CmdDeleteFile:
		if len(args) != 3 {
			return invalidCommand
		}
		user, groupID, fileName := args[0], args[1], args[2]
		if storage.ValidateName(groupID) != nil || storage.ValidateName(fileName) != nil {
			return invalidCommand
		}
		// Catalog entry first, then the blob: a failed unlink leaves an
		// orphaned blob that the catalog-checking download can never serve.
		if err := s.reg.DeleteFile(user, groupID, fileName); err != nil {
			return s.errReply(err, log)
		}
		if err := s.store.Remove(groupID, fileName); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"group": groupID,
				"file":  fileName,
			}).Error("blob removal failed after catalog delete")
		}
		return ok(fmt.Sprintf("File '%s' deleted successfully.", fileName))

	case wire.CmdLeaveGroup:
		if len(args) != 2 {
			return invalidCommand
		}
		if err := s.reg.LeaveGroup(args[0], args[1]); err != nil {
			return s.errReply(err, log)
		}
		return ok(fmt.Sprintf("Left group '%s'.", args[1]))

	default:
		return invalidCommand
	}
}
