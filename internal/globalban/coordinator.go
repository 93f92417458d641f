// Package globalban applies ban and unban actions across every community the bot can see.
//
// The durable ban flag is written before any community is touched, then each
// community is attempted exactly once. A failure in one community is recorded
// in the report and never stops the others.
package globalban

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/notify"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"go.uber.org/zap"
)

// UnbanReason is recorded on every unban the coordinator issues.
const UnbanReason = "Global unban command issued."

// DefaultMaxConcurrency bounds the fan-out when no limit is configured.
const DefaultMaxConcurrency = 8

var (
	// ErrFlagUpdate is returned when the durable ban flag could not be written.
	ErrFlagUpdate = errors.New("failed to update global ban flag")
	// ErrGuildList is returned when the visible communities could not be listed.
	ErrGuildList = errors.New("failed to list communities")
)

// Action is the global action to apply.
type Action int

const (
	Ban Action = iota
	Unban
)

func (a Action) String() string {
	if a == Unban {
		return "unban"
	}

	return "ban"
}

// Outcome is the result of the action in one community.
type Outcome int

const (
	Succeeded Outcome = iota
	AlreadyAbsent
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case AlreadyAbsent:
		return "already_absent"
	default:
		return "failed"
	}
}

// Request describes one global action.
type Request struct {
	UserID    uint64
	Action    Action
	Reason    string
	InvokerID uint64
	// Location is where the command was issued, e.g. "Guild - #channel".
	Location string
}

// Result is the outcome in one community.
type Result struct {
	Guild   platform.Guild
	Outcome Outcome
	Err     error
}

// Report aggregates the outcomes of one Apply call.
type Report struct {
	OperationID uuid.UUID
	Request     Request
	Results     []Result
	Duration    time.Duration
}

// Succeeded lists the names of communities where the action succeeded, in result order.
func (r *Report) Succeeded() []string {
	var names []string
	for _, result := range r.Results {
		if result.Outcome == Succeeded {
			names = append(names, result.Guild.Name)
		}
	}

	return names
}

// Count returns how many communities ended with the given outcome.
func (r *Report) Count(outcome Outcome) int {
	var n int
	for _, result := range r.Results {
		if result.Outcome == outcome {
			n++
		}
	}

	return n
}

// AuditMessage renders the notification sent to the ban channel.
func (r *Report) AuditMessage() string {
	req := r.Request
	succeeded := r.Succeeded()

	var b strings.Builder
	if req.Action == Ban {
		fmt.Fprintf(&b, "**Global Ban executed for <@%d> (ID: %d).**\n", req.UserID, req.UserID)
		fmt.Fprintf(&b, "**Reason:** %s\n", req.Reason)
		fmt.Fprintf(&b, "**Banned by:** <@%d> (ID: %d)\n", req.InvokerID, req.InvokerID)
		fmt.Fprintf(&b, "**Location:** %s\n", req.Location)
		fmt.Fprintf(&b, "**Servers affected:** %s\n\n", strings.Join(succeeded, ", "))
		b.WriteString("Please reply with screenshots of evidence supporting this ban.")

		return b.String()
	}

	affected := "None"
	if len(succeeded) > 0 {
		affected = strings.Join(succeeded, ", ")
	}

	fmt.Fprintf(&b, "**Global Unban executed for <@%d> (ID: %d).**\n", req.UserID, req.UserID)
	fmt.Fprintf(&b, "**Executed by:** <@%d> (ID: %d)\n", req.InvokerID, req.InvokerID)
	fmt.Fprintf(&b, "**Location:** %s\n", req.Location)
	fmt.Fprintf(&b, "**Guilds affected:** %s.", affected)

	return b.String()
}

// Coordinator runs global actions.
type Coordinator struct {
	store          ledger.Store
	platform       platform.Platform
	notifier       notify.Notifier
	maxConcurrency int
	logger         *zap.Logger
}

// New creates a Coordinator. A maxConcurrency of 0 or less uses DefaultMaxConcurrency.
func New(
	store ledger.Store, plat platform.Platform, notifier notify.Notifier, maxConcurrency int, logger *zap.Logger,
) *Coordinator {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	return &Coordinator{
		store:          store,
		platform:       plat,
		notifier:       notifier,
		maxConcurrency: maxConcurrency,
		logger:         logger.Named("globalban"),
	}
}

// Apply updates the durable flag, then applies the action in every visible community.
// An error is returned only when the flag could not be written or the communities
// could not be listed; per-community failures are part of the report.
func (c *Coordinator) Apply(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	report := &Report{OperationID: uuid.New(), Request: req}

	logger := c.logger.With(
		zap.String("operationID", report.OperationID.String()),
		zap.String("action", req.Action.String()),
		zap.Uint64("userID", req.UserID),
		zap.Uint64("invokerID", req.InvokerID))

	// The fan-out runs to completion even if the invoker goes away.
	ctx = context.WithoutCancel(ctx)

	var err error
	if req.Action == Ban {
		err = c.markBanned(ctx, req.UserID, logger)
	} else {
		err = c.clearBanned(ctx, req.UserID, logger)
	}

	if err != nil {
		return nil, err
	}

	guilds, err := c.platform.Guilds(ctx)
	if err != nil {
		logger.Error("Failed to list communities", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrGuildList, err)
	}

	report.Results = c.fanOut(ctx, guilds, req)
	report.Duration = time.Since(start)

	for _, result := range report.Results {
		if result.Outcome == Failed {
			logger.Warn("Action failed in community",
				zap.Uint64("guildID", result.Guild.ID),
				zap.String("guildName", result.Guild.Name),
				zap.Error(result.Err))
		}
	}

	logger.Info("Global action completed",
		zap.Int("communities", len(report.Results)),
		zap.Int("succeeded", report.Count(Succeeded)),
		zap.Int("already_absent", report.Count(AlreadyAbsent)),
		zap.Int("failed", report.Count(Failed)),
		zap.Duration("duration", report.Duration))

	c.notifier.Notify(notify.ChannelBan, notify.Message{Content: report.AuditMessage()})

	return report, nil
}

// markBanned registers the user if needed and sets the flag.
func (c *Coordinator) markBanned(ctx context.Context, userID uint64, logger *zap.Logger) error {
	profile, err := c.platform.LookupUser(ctx, userID)
	if err != nil {
		logger.Warn("Could not resolve user profile, recording placeholder", zap.Error(err))
		profile = platform.UnknownProfile(userID)
	}

	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Unix(0, 0).UTC()
	}

	if err := c.store.UpsertUser(ctx, userID, platform.DisplayName(profile), createdAt); err != nil {
		logger.Error("Failed to register user", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrFlagUpdate, err)
	}

	if err := c.store.SetGlobalBanned(ctx, userID, true); err != nil {
		logger.Error("Failed to set global ban flag", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrFlagUpdate, err)
	}

	return nil
}

// clearBanned clears the flag of a known user. Unknown users are left unrecorded.
func (c *Coordinator) clearBanned(ctx context.Context, userID uint64, logger *zap.Logger) error {
	err := c.store.SetGlobalBanned(ctx, userID, false)
	if errors.Is(err, ledger.ErrUserNotFound) {
		logger.Debug("User has no ledger record, nothing to clear")
		return nil
	}

	if err != nil {
		logger.Error("Failed to clear global ban flag", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrFlagUpdate, err)
	}

	return nil
}

// fanOut attempts the action in every guild and waits for all of them.
func (c *Coordinator) fanOut(ctx context.Context, guilds []platform.Guild, req Request) []Result {
	results := make([]Result, len(guilds))
	p := pool.New().WithMaxGoroutines(c.maxConcurrency)

	for i, guild := range guilds {
		p.Go(func() {
			results[i] = c.attempt(ctx, guild, req)
		})
	}

	p.Wait()

	return results
}

func (c *Coordinator) attempt(ctx context.Context, guild platform.Guild, req Request) Result {
	var err error
	if req.Action == Ban {
		err = c.platform.Ban(ctx, guild.ID, req.UserID, req.Reason)
	} else {
		err = c.platform.Unban(ctx, guild.ID, req.UserID, UnbanReason)
	}

	switch {
	case err == nil:
		return Result{Guild: guild, Outcome: Succeeded}
	case errors.Is(err, platform.ErrNotFound):
		return Result{Guild: guild, Outcome: AlreadyAbsent}
	default:
		return Result{Guild: guild, Outcome: Failed, Err: err}
	}
}
