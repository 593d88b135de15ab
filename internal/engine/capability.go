package engine

import "rollcall/pkg/types"

// ownership is the predicate an operation places on the actor beyond its role
type ownership int

const (
	ownsNothing ownership = iota
	// actor must teach the class named by the argument
	ownsClassArg
	// actor must be the teacher who started the active session (strict mode only)
	ownsActiveSession
)

type capability struct {
	op    string
	role  types.Role
	owner ownership
}

// Operation names as used in logs, errors and metrics
const (
	OpStart    = "start"
	OpStop     = "stop"
	OpMark     = "mark"
	OpSummary  = "summary"
	OpMyStatus = "my_status"
	OpCommit   = "commit"
)

var capabilities = map[string]capability{
	OpStart:    {op: OpStart, role: types.RoleTeacher, owner: ownsClassArg},
	OpStop:     {op: OpStop, role: types.RoleTeacher, owner: ownsClassArg},
	OpMark:     {op: OpMark, role: types.RoleTeacher, owner: ownsActiveSession},
	OpSummary:  {op: OpSummary, role: types.RoleTeacher, owner: ownsActiveSession},
	OpMyStatus: {op: OpMyStatus, role: types.RoleStudent, owner: ownsNothing},
	OpCommit:   {op: OpCommit, role: types.RoleTeacher, owner: ownsActiveSession},
}

// checkRole is the first gate of every operation
func (c capability) checkRole(actor types.Actor) error {
	if actor.Role == c.role {
		return nil
	}
	msg := msgTeacherOnly
	if c.role == types.RoleStudent {
		msg = msgStudentOnly
	}
	return opError(c.op, ErrForbidden, msg, nil)
}

// checkClassOwner applies ownsClassArg against a resolved roster
func (c capability) checkClassOwner(actor types.Actor, roster *types.Roster) error {
	if c.owner != ownsClassArg || roster.TeacherID == actor.UserID {
		return nil
	}
	return opError(c.op, ErrForbidden, msgNotClassTeacher, nil)
}

// checkSessionOwner applies ownsActiveSession when strict ownership is on
func (c capability) checkSessionOwner(strict bool, actor types.Actor, s *types.Session) error {
	if c.owner != ownsActiveSession || !strict || s.TeacherID == actor.UserID {
		return nil
	}
	return opError(c.op, ErrForbidden, msgNotClassTeacher, nil)
}
