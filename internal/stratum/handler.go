package stratum

import (
	"context"
	"strings"

	"github.com/bardlex/stratumpool/internal/job"
	"github.com/bardlex/stratumpool/pkg/errors"
)

// handleLine dispatches one inbound message. A returned error closes the
// connection; everything else is answered or logged.
func (s *Session) handleLine(ctx context.Context, line []byte) error {
	s.lastActivity.Store(s.server.now().UnixNano())
	if s.closing {
		return nil
	}
	s.logger.LogStratumMessage("received", string(line))

	req, err := DecodeRequest(line)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeProtocol) {
			s.logger.WithError(err).Warn("closing connection on malformed message")
			return err
		}
		s.logger.WithError(err).Warn("ignoring invalid message")
		return nil
	}

	switch req.Method {
	case MethodSubscribe:
		s.handleSubscribe(req)
	case MethodConfigure:
		s.handleConfigure(req)
	case MethodAuthorize:
		s.handleAuthorize(req)
	case MethodSuggestDifficulty:
		s.handleSuggestDifficulty(req)
	case MethodSubmit:
		s.handleSubmit(ctx, req)
	default:
		s.logger.Debug("ignoring unknown method", "method", req.Method, "code", ErrorMethodNotFound)
	}
	return nil
}

func (s *Session) handleSubscribe(req *Request) {
	sub, err := ParseSubscribeRequest(req.Params)
	if err != nil {
		s.logger.WithError(err).Warn("invalid mining.subscribe")
		return
	}

	s.userAgent = sub.UserAgent
	s.subscribed = true
	s.reply(req.ID, []any{
		[]any{[]any{MethodNotify, s.id}},
		s.id,
		job.Extranonce2Size,
	})
	s.server.directory.UpdateSession(s.info())
	s.maybeInitialize()
}

func (s *Session) handleConfigure(req *Request) {
	cfg, err := ParseConfigureRequest(req.Params)
	if err != nil {
		s.logger.WithError(err).Warn("invalid mining.configure")
		return
	}

	s.configured = true
	s.versionMask = VersionRollingMask
	s.logger.Debug("version rolling configured", "extensions", strings.Join(cfg.Extensions, ","))
	s.reply(req.ID, map[string]any{
		"version-rolling":      true,
		"version-rolling.mask": "1fffe000",
	})
	s.maybeInitialize()
}

// handleAuthorize rejects an address that does not pay out on the pool's
// network and closes the connection once the rejection is written.
func (s *Session) handleAuthorize(req *Request) {
	auth, err := ParseAuthorizeRequest(req.Params)
	if err != nil {
		s.logger.WithError(err).Warn("invalid mining.authorize")
		return
	}

	address := auth.Address()
	if _, _, err := job.ResolveAddress(address, s.server.config.Network); err != nil {
		s.logger.WithError(err).Warn("rejecting unauthorized worker", "username", auth.Username)
		s.replyError(req.ID, errors.Wrap(err, errors.ErrorTypeValidation, MethodAuthorize, "Unauthorized worker").
			WithContext("code", ErrorUnauthorized))
		s.closeAfterFlush()
		return
	}

	s.minerAddress = address
	s.workerName = auth.Worker()
	s.authorized = true
	s.logger = s.logger.WithMiner(s.minerAddress, s.workerName)
	s.reply(req.ID, true)
	s.server.directory.UpdateSession(s.info())
	s.maybeInitialize()
}

func (s *Session) handleSuggestDifficulty(req *Request) {
	d, err := ParseSuggestDifficulty(req.Params)
	if err != nil {
		s.logger.WithError(err).Warn("invalid mining.suggest_difficulty")
		return
	}

	d = s.server.config.clamp(d)
	s.suggested = true
	s.reply(req.ID, true)
	if d != s.difficulty {
		s.logger.LogDifficultyChange(s.difficulty, d, "suggested")
		s.difficulty = d
		if s.subscribed {
			s.sendDifficulty(d)
		}
	}
	s.maybeInitialize()
}
