package machine

import (
	"github.com/rstmdb/rstmdb/internal/common"
)

// NewInvalidDefinitionError reports a machine definition or guard that failed
// validation.
func NewInvalidDefinitionError(reason string) *common.Error {
	return common.NewErrorf(common.CodeBadRequest, "invalid machine definition: %s", reason)
}

func newMachineNotFoundError(machine string, version uint32) *common.Error {
	return common.NewErrorf(common.CodeMachineNotFound,
		"machine %s version %d not found", machine, version)
}

func newMachineVersionExistsError(machine string, version uint32) *common.Error {
	return common.NewErrorf(common.CodeMachineVersionExists,
		"machine %s version %d already exists with a different definition", machine, version)
}

func newMachineVersionLimitError(machine string, have int, limit uint32) *common.Error {
	return common.NewErrorf(common.CodeMachineVersionExists,
		"machine %s already has %d versions (limit %d)", machine, have, limit)
}

func newInstanceNotFoundError(instanceID string) *common.Error {
	return common.NewErrorf(common.CodeInstanceNotFound, "instance %s not found", instanceID)
}

func newInstanceExistsError(instanceID string) *common.Error {
	return common.NewErrorf(common.CodeInstanceExists, "instance %s already exists", instanceID)
}

func newInvalidTransitionError(state, event string) *common.Error {
	return common.NewErrorf(common.CodeInvalidTransition,
		"no transition from state %q on event %q", state, event)
}

func newGuardFailedError(from, to, event string) *common.Error {
	return common.NewErrorf(common.CodeGuardFailed,
		"guard failed for transition %q -> %q on event %q", from, to, event)
}

func newStateConflictError(expected, actual string) *common.Error {
	return common.NewErrorf(common.CodeConflict,
		"state precondition failed: expected %q, actual %q", expected, actual)
}

func newWalOffsetConflictError(expected, actual uint64) *common.Error {
	return common.NewErrorf(common.CodeConflict,
		"wal offset precondition failed: expected %d, actual %d", expected, actual)
}

func newWalIoError(err error) *common.Error {
	return common.WrapError(common.CodeWalIoError, "wal append failed", err)
}

func newDeletedInstanceError(instanceID string) *common.Error {
	return common.NewErrorf(common.CodeInvalidTransition,
		"instance %s is deleted", instanceID)
}
