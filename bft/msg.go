package bft

import (
	"bytes"

	"github.com/juant72/prozchain-sub003/lib"
	"github.com/juant72/prozchain-sub003/lib/crypto"
)

/* This file implements the validation helpers shared by the vote pool and the driver */

// verifyVoteSignature() checks the vote's public key belongs to the validator record
// and verifies the signature over the canonical sign bytes
func verifyVoteSignature(vote *Vote, val *lib.Validator, chainId uint64) lib.ErrorI {
	// the announced public key must be the one registered for the address
	if !bytes.Equal(vote.Signature.PublicKey, val.PublicKey) {
		return ErrInvalidVoteSignature()
	}
	publicKey, e := crypto.NewBLSPublicKeyFromBytes(vote.Signature.PublicKey)
	if e != nil {
		return lib.ErrPubKeyFromBytes(e)
	}
	signBytes, err := vote.SignBytes(chainId)
	if err != nil {
		return err
	}
	if !publicKey.VerifyBytes(signBytes, vote.Signature.Signature) {
		return ErrInvalidVoteSignature()
	}
	return nil
}

// verifyProposalSignature() checks the proposal's public key belongs to the validator
// record and verifies the signature over the canonical sign bytes
func verifyProposalSignature(proposal *Proposal, val *lib.Validator, chainId uint64) lib.ErrorI {
	if !bytes.Equal(proposal.Signature.PublicKey, val.PublicKey) {
		return ErrInvalidVoteSignature()
	}
	publicKey, e := crypto.NewBLSPublicKeyFromBytes(proposal.Signature.PublicKey)
	if e != nil {
		return lib.ErrPubKeyFromBytes(e)
	}
	signBytes, err := proposal.SignBytes(chainId)
	if err != nil {
		return err
	}
	if !publicKey.VerifyBytes(signBytes, proposal.Signature.Signature) {
		return ErrInvalidVoteSignature()
	}
	return nil
}

// checkRoundWindow() rejects rounds outside the acceptance window around the current
// round. Rounds slightly ahead are kept so the f+1 catch-up rule has material to act
// on; rounds behind the window carry no information the machine can still use
func checkRoundWindow(round, currentRound, window uint64) lib.ErrorI {
	if round > currentRound+window {
		return ErrRoundOutOfWindow(round, currentRound)
	}
	if round+window < currentRound {
		return ErrRoundOutOfWindow(round, currentRound)
	}
	return nil
}
