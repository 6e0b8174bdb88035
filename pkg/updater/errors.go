package updater

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an update failure
type ErrorKind string

const (
	KindNotStaged          ErrorKind = "not_staged"
	KindNotApproved        ErrorKind = "not_approved"
	KindVerificationFailed ErrorKind = "verification_failed"
	KindBackupFailed       ErrorKind = "backup_failed"
	KindActivationFailed   ErrorKind = "activation_failed"
)

// Sentinels matched by errors.Is against an *UpdateError of the same kind.
var (
	ErrNotStaged          = errors.New("artifact not staged")
	ErrNotApproved        = errors.New("artifact not approved")
	ErrVerificationFailed = errors.New("artifact verification failed")
	ErrBackupFailed       = errors.New("backup failed")
	ErrActivationFailed   = errors.New("activation failed")
)

var sentinels = map[ErrorKind]error{
	KindNotStaged:          ErrNotStaged,
	KindNotApproved:        ErrNotApproved,
	KindVerificationFailed: ErrVerificationFailed,
	KindBackupFailed:       ErrBackupFailed,
	KindActivationFailed:   ErrActivationFailed,
}

// UpdateError reports why an update operation failed. RolledBack is only
// meaningful for KindActivationFailed: it is true when the target was
// restored to its pre-activation content.
type UpdateError struct {
	Kind       ErrorKind
	Hash       string
	Target     string
	Reason     string
	Backup     string
	RolledBack bool
	Cause      error
}

func (e *UpdateError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Hash)
	if e.Target != "" {
		msg += " -> " + e.Target
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Kind == KindActivationFailed {
		if e.RolledBack {
			msg += " (rolled back)"
		} else {
			msg += " (rollback failed, restore from " + e.Backup + ")"
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UpdateError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for e.Kind
func (e *UpdateError) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// KindOf returns the kind of an *UpdateError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}
