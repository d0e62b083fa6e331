package lib

import (
	"fmt"
	"math"
)

// ErrorI is the error contract used across the repository: every failure carries a
// numeric code and the module it originated from, so callers may branch on codes
// instead of matching strings
type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

type Error struct {
	ECode   ErrorCode   `json:"code"`   // Error code
	EModule ErrorModule `json:"module"` // Error module
	Msg     string      `json:"msg"`    // Error message
}

func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	// Constructs a new Error instance
	return &Error{ECode: code, EModule: module, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Error() returns a formatted string including module, code, and message
func (p *Error) Error() string {
	return fmt.Sprintf("\nModule:  %s\nCode:    %d\nMessage: %s", p.EModule, p.ECode, p.Msg)
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Main Module
	MainModule ErrorModule = "main"

	// Main Module Error Codes
	CodeJSONMarshal       ErrorCode = 1
	CodeJSONUnmarshal     ErrorCode = 2
	CodeStringToBytes     ErrorCode = 3
	CodeWriteFile         ErrorCode = 4
	CodeReadFile          ErrorCode = 5
	CodeInvalidArgument   ErrorCode = 6
	CodeNoValidators      ErrorCode = 7
	CodeValidatorNotInSet ErrorCode = 8
	CodeInvalidPubKey     ErrorCode = 9

	// Consensus Module
	ConsensusModule ErrorModule = "consensus"

	// Consensus Module Error Codes
	CodeUnknownConsensusMessage ErrorCode = 1
	CodeEmptyMessage            ErrorCode = 2
	CodeWrongHeight             ErrorCode = 4
	CodeRoundOutOfWindow        ErrorCode = 5
	CodeUnknownVoteType         ErrorCode = 6
	CodeInvalidVoteSignature    ErrorCode = 7
	CodeInvalidSignatureLength  ErrorCode = 8
	CodeEmptyBlockHash          ErrorCode = 9
	CodeNotProposer             ErrorCode = 10
	CodeEmptyQuorumCertificate  ErrorCode = 12
	CodeInvalidQuorumCert       ErrorCode = 13
	CodeNoMaj23                 ErrorCode = 14
	CodeEvidenceSubmission      ErrorCode = 15
	CodeInvalidEvidence         ErrorCode = 16
	CodeEmptyProposal           ErrorCode = 17
	CodeInvalidPolRound         ErrorCode = 18
	CodeConflictingVote         ErrorCode = 19
	CodeConflictingProposal     ErrorCode = 20
	CodeUnknownHeight           ErrorCode = 21

	// Storage Module
	StorageModule ErrorModule = "store"

	// Storage Module Error Codes
	CodeStoreOpen        ErrorCode = 1
	CodeStoreGet         ErrorCode = 2
	CodeStoreSet         ErrorCode = 3
	CodeStoreClose       ErrorCode = 5
	CodeStoreIterator    ErrorCode = 6
	CodeHeightRegression ErrorCode = 7
)

func ErrJSONMarshal(err error) ErrorI {
	return NewError(CodeJSONMarshal, MainModule, fmt.Sprintf("json.Marshal() failed with err: %s", err.Error()))
}

func ErrJSONUnmarshal(err error) ErrorI {
	return NewError(CodeJSONUnmarshal, MainModule, fmt.Sprintf("json.Unmarshal() failed with err: %s", err.Error()))
}

func ErrStringToBytes(err error) ErrorI {
	return NewError(CodeStringToBytes, MainModule, fmt.Sprintf("hex.Decode() failed with err: %s", err.Error()))
}

func ErrWriteFile(err error) ErrorI {
	return NewError(CodeWriteFile, MainModule, fmt.Sprintf("os.WriteFile() failed with err: %s", err.Error()))
}

func ErrReadFile(err error) ErrorI {
	return NewError(CodeReadFile, MainModule, fmt.Sprintf("os.ReadFile() failed with err: %s", err.Error()))
}

func ErrInvalidArgument(msg string) ErrorI {
	return NewError(CodeInvalidArgument, MainModule, fmt.Sprintf("invalid argument: %s", msg))
}

func ErrNoValidators() ErrorI {
	return NewError(CodeNoValidators, MainModule, "there are no validators in the set")
}

func ErrValidatorNotInSet(address []byte) ErrorI {
	return NewError(CodeValidatorNotInSet, MainModule, fmt.Sprintf("validator %s is not in the set", BytesToTruncatedString(address)))
}

func ErrPubKeyFromBytes(err error) ErrorI {
	return NewError(CodeInvalidPubKey, MainModule, fmt.Sprintf("publicKeyFromBytes() failed with err: %s", err.Error()))
}
