package consts

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrAuthUnavailable = errors.New("authentication service unavailable")
	ErrInternalError   = errors.New("internal error")

	ErrMessageNotFound = errors.New("no such message")
	ErrAlreadyDeleted  = errors.New("message already deleted")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBInsertFailed            = errors.New("insert failed")
)
