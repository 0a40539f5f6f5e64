package stratum

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/stratumpool/internal/difficulty"
	"github.com/bardlex/stratumpool/internal/job"
	"github.com/bardlex/stratumpool/internal/messaging"
	"github.com/bardlex/stratumpool/pkg/errors"
)

// scoredShare is a submission that passed every check but the difficulty
// comparison.
type scoredShare struct {
	req         *SubmitRequest
	job         *job.Job
	header      []byte
	coinbase    []byte
	versionMask uint32
	difficulty  float64
	hash        string
}

// rejection reasons, also used as metric labels
const (
	reasonInvalidParams = "invalid_params"
	reasonUnauthorized  = "unauthorized"
	reasonJobNotFound   = "job_not_found"
	reasonInvalid       = "invalid"
	reasonDuplicate     = "duplicate"
	reasonStale         = "stale"
	reasonLowDifficulty = "low_difficulty"
)

func rejectionReason(err error) string {
	switch errorCode(err) {
	case ErrorInvalidParams:
		return reasonInvalidParams
	case ErrorUnauthorized:
		return reasonUnauthorized
	case ErrorJobNotFound:
		return reasonJobNotFound
	case ErrorDuplicateShare:
		return reasonDuplicate
	case ErrorLowDifficulty:
		return reasonLowDifficulty
	}
	if errorMessage(err) == msgStaleTimestamp {
		return reasonStale
	}
	return reasonInvalid
}

const msgStaleTimestamp = "Stale timestamp"

// handleSubmit scores a share and always answers it.
func (s *Session) handleSubmit(ctx context.Context, req *Request) {
	now := s.server.now()
	sub, err := ParseSubmitRequest(req.Params)
	if err != nil {
		s.rejectShare(req.ID, nil, nil, err, now)
		return
	}

	share, err := s.scoreShare(sub, now)
	if err != nil {
		s.rejectShare(req.ID, sub, share, err, now)
		return
	}

	s.vardiff.Add(now, s.difficulty)
	s.server.metrics.ShareAccepted(s.difficulty)
	s.logger.LogShareSubmission(s.minerAddress, s.workerName, sub.JobID, share.difficulty, "accepted", "")
	s.server.directory.RecordShare(s.shareMessage(sub, share, true, "", now))
	s.reply(req.ID, true)

	if difficulty.HeaderMeetsBits(share.header, share.job.Bits) {
		s.submitBlock(ctx, share, now)
	}
}

// scoreShare runs the submit checks in order. The returned share is
// non-nil once the header has been reconstructed.
func (s *Session) scoreShare(sub *SubmitRequest, now time.Time) (*scoredShare, error) {
	if !s.authorized {
		return nil, shareError(ErrorUnauthorized, "Unauthorized worker")
	}

	j, ok := s.lookupJob(sub.JobID)
	if !ok {
		return nil, shareError(ErrorJobNotFound, "Job not found")
	}

	en2, err := hex.DecodeString(sub.ExtraNonce2)
	if err != nil || len(en2) != job.Extranonce2Size {
		return nil, shareError(ErrorOther, "Invalid extranonce2")
	}
	ntime, err := job.ParseWord(sub.NTime)
	if err != nil {
		return nil, shareError(ErrorOther, "Invalid ntime")
	}
	nonce, err := job.ParseWord(sub.Nonce)
	if err != nil {
		return nil, shareError(ErrorOther, "Invalid nonce")
	}
	var mask uint32
	if sub.VersionMask != "" {
		if mask, err = job.ParseWord(sub.VersionMask); err != nil {
			return nil, shareError(ErrorOther, "Invalid version mask")
		}
	}
	if mask&^s.versionMask != 0 {
		return nil, shareError(ErrorOther, "Invalid version mask")
	}

	if s.duplicates.observe(newShareKey(sub)) {
		return nil, shareError(ErrorDuplicateShare, "Duplicate share")
	}

	if s.server.config.StaleAfter > 0 && time.Unix(int64(ntime), 0).Before(now.Add(-s.server.config.StaleAfter)) {
		return nil, shareError(ErrorOther, msgStaleTimestamp)
	}

	header, coinbase, err := j.ReconstructHeader(s.extranonce1, en2, nonce, mask, ntime)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeShare, MethodSubmit, "Invalid share").
			WithContext("code", ErrorOther)
	}
	diff, hash := difficulty.ShareDifficulty(header)
	share := &scoredShare{
		req:         sub,
		job:         j,
		header:      header,
		coinbase:    coinbase,
		versionMask: mask,
		difficulty:  diff,
		hash:        hash,
	}

	if !difficulty.Meets(diff, s.difficulty) {
		return share, shareError(ErrorLowDifficulty, "Low difficulty share").
			WithContext("share_difficulty", diff)
	}
	return share, nil
}

func (s *Session) rejectShare(id any, sub *SubmitRequest, share *scoredShare, err error, now time.Time) {
	reason := rejectionReason(err)
	s.server.metrics.ShareRejected(reason)

	if sub == nil {
		s.logger.WithError(err).Warn("invalid mining.submit")
	} else {
		shareDiff := 0.0
		if share != nil {
			shareDiff = share.difficulty
		}
		s.logger.LogShareSubmission(s.minerAddress, s.workerName, sub.JobID, shareDiff, "rejected", reason)
		s.server.directory.RecordShare(s.shareMessage(sub, share, false, reason, now))
	}
	s.replyError(id, err)
}

func (s *Session) shareMessage(sub *SubmitRequest, share *scoredShare, accepted bool, reason string, now time.Time) messaging.ShareMessage {
	msg := messaging.ShareMessage{
		ShareID:      uuid.NewString(),
		SessionID:    s.id,
		JobID:        sub.JobID,
		MinerAddress: s.minerAddress,
		WorkerName:   s.workerName,
		ExtraNonce2:  sub.ExtraNonce2,
		Ntime:        sub.NTime,
		Nonce:        sub.Nonce,
		VersionMask:  sub.VersionMask,
		Difficulty:   s.difficulty,
		Accepted:     accepted,
		Reason:       reason,
		RemoteAddr:   s.RemoteAddr(),
		SubmittedAt:  now,
	}
	if share != nil {
		msg.TemplateID = share.job.TemplateID
		msg.ShareDifficulty = share.difficulty
		msg.Hash = share.hash
		msg.BlockHeight = share.job.Height
	}
	return msg
}

// submitBlock assembles the solved block and hands it to the node in the
// background. The share has already been answered.
func (s *Session) submitBlock(ctx context.Context, share *scoredShare, now time.Time) {
	j := share.job
	s.logger.LogBlockFound(share.hash, j.Height, s.minerAddress, s.workerName, share.difficulty)

	found := messaging.BlockFoundMessage{
		BlockHash:         share.hash,
		BlockHeight:       j.Height,
		Header:            hex.EncodeToString(share.header),
		SessionID:         s.id,
		JobID:             j.ID,
		MinerAddress:      s.minerAddress,
		WorkerName:        s.workerName,
		ShareDifficulty:   share.difficulty,
		NetworkDifficulty: j.NetworkDifficulty,
		FoundAt:           now,
	}

	block, err := j.AssembleBlock(share.header, share.coinbase)
	var blockHex string
	if err == nil {
		blockHex, err = job.BlockHex(block)
	}
	if err != nil {
		s.logger.WithError(err).Error("failed to assemble solved block", "block_hash", share.hash)
		found.Result = fmt.Sprintf("assemble: %v", err)
		s.server.reportBlock(ctx, found)
		return
	}

	logger := s.logger
	s.server.goAsync(func() {
		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.server.config.SubmitTimeout)
		defer cancel()

		if err := s.server.submitter.SubmitBlock(submitCtx, blockHex); err != nil {
			logger.WithError(err).Error("block submission failed", "block_hash", found.BlockHash, "block_height", found.BlockHeight)
			found.Result = err.Error()
		} else {
			logger.Info("block accepted by node", "block_hash", found.BlockHash, "block_height", found.BlockHeight)
		}
		s.server.reportBlock(submitCtx, found)
	})
}
