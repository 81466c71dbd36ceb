package chat

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultAdmissionTimeout = 3 * time.Second

var errMissingRoster = errors.New("chat: roster oracle is required")

// Admission records a successful roster check for one identity and post.
type Admission struct {
	Identity Identity
	PostID   PostID
}

// GateConfig configures the admission gate.
type GateConfig struct {
	Roster  RosterOracle
	Timeout time.Duration
	Logger  *zap.Logger
}

// Gate checks verified identities against the roster. It never touches a Room,
// so a slow roster query cannot hold any room lock.
type Gate struct {
	roster  RosterOracle
	timeout time.Duration
	logger  *zap.Logger
}

// NewGate validates the configuration and constructs a Gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Roster == nil {
		return nil, errMissingRoster
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAdmissionTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		roster:  cfg.Roster,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Admit decides whether identity may take part in postID's live channel.
// The roster is queried on every call; nothing is cached between attempts.
func (g *Gate) Admit(ctx context.Context, identity Identity, postID PostID) (Admission, error) {
	if identity == "" {
		return Admission{}, newError(opAdmit, KindUnauthenticated, nil)
	}
	if postID == "" {
		return Admission{}, newError(opAdmit, KindPostNotFound, ErrInvalidPostID)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	fact, err := g.roster.Lookup(lookupCtx, postID, identity)
	if err != nil {
		if errors.Is(err, ErrUnknownPost) {
			return Admission{}, newError(opAdmit, KindPostNotFound, err)
		}
		g.logger.Warn("roster lookup failed",
			zap.String("operation", opAdmit),
			zap.String("post_id", postID.String()),
			zap.String("identity", identity.String()),
			zap.Error(err))
		// deadline, cancellation and roster I/O errors are all transient for the caller
		return Admission{}, newError(opAdmit, KindAdmissionTimeout, err)
	}
	if fact.HasLeft || !fact.IsParticipant {
		return Admission{}, newError(opAdmit, KindNotAParticipant, nil)
	}

	return Admission{Identity: identity, PostID: postID}, nil
}
