package bft

import (
	"fmt"

	"github.com/juant72/prozchain-sub003/lib"
)

func ErrUnknownConsensusMsg(t any) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownConsensusMessage, lib.ConsensusModule, fmt.Sprintf("unknown consensus message: %T", t))
}

func ErrEmptyMessage() lib.ErrorI {
	return lib.NewError(lib.CodeEmptyMessage, lib.ConsensusModule, "empty consensus message")
}

func ErrWrongHeight(got, want uint64) lib.ErrorI {
	return lib.NewError(lib.CodeWrongHeight, lib.ConsensusModule, fmt.Sprintf("wrong height: got %d, want %d", got, want))
}

func ErrRoundOutOfWindow(round, current uint64) lib.ErrorI {
	return lib.NewError(lib.CodeRoundOutOfWindow, lib.ConsensusModule, fmt.Sprintf("round %d is outside the acceptance window of round %d", round, current))
}

func ErrUnknownVoteType(t VoteType) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownVoteType, lib.ConsensusModule, fmt.Sprintf("unknown vote type: %d", t))
}

func ErrInvalidVoteSignature() lib.ErrorI {
	return lib.NewError(lib.CodeInvalidVoteSignature, lib.ConsensusModule, "invalid vote signature")
}

func ErrInvalidSignatureLength() lib.ErrorI {
	return lib.NewError(lib.CodeInvalidSignatureLength, lib.ConsensusModule, "invalid signature length")
}

func ErrEmptyBlockHash() lib.ErrorI {
	return lib.NewError(lib.CodeEmptyBlockHash, lib.ConsensusModule, "empty block hash")
}

func ErrNotProposer(address []byte) lib.ErrorI {
	return lib.NewError(lib.CodeNotProposer, lib.ConsensusModule, fmt.Sprintf("%s is not the proposer", lib.BytesToTruncatedString(address)))
}

func ErrEmptyQuorumCertificate() lib.ErrorI {
	return lib.NewError(lib.CodeEmptyQuorumCertificate, lib.ConsensusModule, "empty quorum certificate")
}

func ErrInvalidQuorumCertificate(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidQuorumCert, lib.ConsensusModule, fmt.Sprintf("invalid quorum certificate: %s", msg))
}

func ErrNoMaj23() lib.ErrorI {
	return lib.NewError(lib.CodeNoMaj23, lib.ConsensusModule, "no +2/3 majority")
}

func ErrEvidenceSubmission(err error) lib.ErrorI {
	return lib.NewError(lib.CodeEvidenceSubmission, lib.ConsensusModule, fmt.Sprintf("evidence submission failed with err: %s", err.Error()))
}

func ErrInvalidEvidence(msg string) lib.ErrorI {
	return lib.NewError(lib.CodeInvalidEvidence, lib.ConsensusModule, fmt.Sprintf("invalid evidence: %s", msg))
}

func ErrEmptyProposal() lib.ErrorI {
	return lib.NewError(lib.CodeEmptyProposal, lib.ConsensusModule, "empty proposal")
}

func ErrInvalidPolRound() lib.ErrorI {
	return lib.NewError(lib.CodeInvalidPolRound, lib.ConsensusModule, "invalid proof-of-lock round")
}

func ErrConflictingVote(address []byte) lib.ErrorI {
	return lib.NewError(lib.CodeConflictingVote, lib.ConsensusModule, fmt.Sprintf("conflicting vote from %s", lib.BytesToTruncatedString(address)))
}

func ErrConflictingProposal(address []byte) lib.ErrorI {
	return lib.NewError(lib.CodeConflictingProposal, lib.ConsensusModule, fmt.Sprintf("conflicting proposal from %s", lib.BytesToTruncatedString(address)))
}

func ErrUnknownHeight(height uint64) lib.ErrorI {
	return lib.NewError(lib.CodeUnknownHeight, lib.ConsensusModule, fmt.Sprintf("height %d is not tracked", height))
}
