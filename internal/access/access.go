// Package access decides whether a command invocation may run.
//
// Every invocation passes the setup gate first. Commands in the restricted set
// then need the invoker to hold one of the community's authorized roles.
// Store failures fail closed.
package access

import (
	"context"
	"errors"

	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"go.uber.org/zap"
)

// Command names.
const (
	CommandSetup       = "setup"
	CommandGlobalBan   = "globalban"
	CommandGlobalUnban = "globalunban"
	CommandLocalBan    = "localban"
	CommandLocalKick   = "localkick"
	CommandReportUser  = "reportuser"
	CommandSearchUser  = "searchuser"
	CommandPurge       = "purge"
)

// Verdict is the terminal outcome of a check.
type Verdict int

const (
	Allowed Verdict = iota
	Denied
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason explains a Denied or Failed verdict.
type Reason string

const (
	ReasonNotSetUp               Reason = "server not set up"
	ReasonSetupCheckFailed       Reason = "setup check failed"
	ReasonInsufficientPermission Reason = "insufficient permission"
	ReasonPermissionCheckFailed  Reason = "permission check failed"
)

// Class is the role class a command requires.
type Class int

const (
	// ClassNone commands are not role checked.
	ClassNone Class = iota
	// ClassLocal commands accept local and global roles.
	ClassLocal
	// ClassGlobal commands accept global roles only.
	ClassGlobal
)

// CommandClass returns the role class of a command.
func CommandClass(command string) Class {
	switch command {
	case CommandLocalBan, CommandLocalKick:
		return ClassLocal
	case CommandGlobalBan, CommandGlobalUnban:
		return ClassGlobal
	default:
		return ClassNone
	}
}

// Invocation is what the engine knows about a command call.
type Invocation struct {
	Command string
	// CommunityID is 0 for direct messages.
	CommunityID uint64
	PrincipalID uint64
	RoleIDs     []uint64
}

// Decision is the result of a check.
type Decision struct {
	Verdict Verdict
	Reason  Reason
	Err     error
}

// IsAllowed reports whether the command body may run.
func (d Decision) IsAllowed() bool {
	return d.Verdict == Allowed
}

// Message is the text shown to the invoker for a Denied or Failed decision.
func (d Decision) Message() string {
	switch d.Reason {
	case ReasonNotSetUp:
		return "Access Denied: This server needs to be set up first. Run /setup"
	case ReasonSetupCheckFailed:
		return "Server setup check failed. Run /setup"
	case ReasonPermissionCheckFailed:
		return "Access Denied: Could not verify your permissions."
	case ReasonInsufficientPermission:
		return "Access Denied: You do not have permission to use this command."
	default:
		return ""
	}
}

// Engine runs the setup gate and role checks against the ledger.
type Engine struct {
	store  ledger.Store
	logger *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(store ledger.Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.Named("access"),
	}
}

// Check runs the setup gate and, for restricted commands, the role check.
func (e *Engine) Check(ctx context.Context, inv Invocation) Decision {
	if d := e.checkSetup(ctx, inv); !d.IsAllowed() {
		return d
	}

	class := CommandClass(inv.Command)
	if class == ClassNone {
		return Decision{Verdict: Allowed}
	}

	return e.CheckClass(ctx, inv, class)
}

// CheckClass runs only the role check for the given class.
func (e *Engine) CheckClass(ctx context.Context, inv Invocation, class Class) Decision {
	if class == ClassNone {
		return Decision{Verdict: Allowed}
	}

	var allowed types.RoleSet

	community, err := e.store.GetCommunity(ctx, inv.CommunityID)
	switch {
	case err == nil:
		allowed = community.GlobalRoles()
		if class == ClassLocal {
			allowed = community.LocalRoles().Union(allowed)
		}
	case errors.Is(err, ledger.ErrCommunityNotFound):
		// No roles are authorized in an unknown community.
	default:
		return e.fail(inv, ReasonPermissionCheckFailed, err)
	}

	for _, roleID := range inv.RoleIDs {
		if allowed.Contains(roleID) {
			return Decision{Verdict: Allowed}
		}
	}

	e.logger.Debug("Invoker lacks an authorized role",
		zap.String("command", inv.Command),
		zap.Uint64("communityID", inv.CommunityID),
		zap.Uint64("principalID", inv.PrincipalID))

	return Decision{Verdict: Denied, Reason: ReasonInsufficientPermission}
}

func (e *Engine) checkSetup(ctx context.Context, inv Invocation) Decision {
	if inv.CommunityID == 0 || inv.Command == CommandSetup {
		return Decision{Verdict: Allowed}
	}

	community, err := e.store.GetCommunity(ctx, inv.CommunityID)
	switch {
	case errors.Is(err, ledger.ErrCommunityNotFound):
		return Decision{Verdict: Denied, Reason: ReasonNotSetUp}
	case err != nil:
		return e.fail(inv, ReasonSetupCheckFailed, err)
	case !community.SetupComplete:
		return Decision{Verdict: Denied, Reason: ReasonNotSetUp}
	}

	return Decision{Verdict: Allowed}
}

func (e *Engine) fail(inv Invocation, reason Reason, err error) Decision {
	e.logger.Error("Access check failed",
		zap.String("command", inv.Command),
		zap.Uint64("communityID", inv.CommunityID),
		zap.Uint64("principalID", inv.PrincipalID),
		zap.String("reason", string(reason)),
		zap.Error(err))

	return Decision{Verdict: Failed, Reason: reason, Err: err}
}
