package main

import (
	"time"

	"github.com/juant72/prozchain-sub003/bft"
	"github.com/juant72/prozchain-sub003/lib"
	"github.com/juant72/prozchain-sub003/lib/crypto"
)

// validatorsFileName is the static validator snapshot a standalone node runs against;
// a production deployment replaces the file source with its staking module
const validatorsFileName = "validators.json"

// validatorFileEntry is one row of validators.json
type validatorFileEntry struct {
	PublicKey   lib.HexBytes `json:"publicKey"`
	VotingPower uint64       `json:"votingPower"`
}

// fileValidatorSource serves the same weighted set at every height, loaded once from
// the data directory
type fileValidatorSource struct {
	vals lib.ValidatorSet
}

func newFileValidatorSource(dataDirPath string) (*fileValidatorSource, lib.ErrorI) {
	var entries []validatorFileEntry
	if err := lib.NewJSONFromFile(&entries, dataDirPath, validatorsFileName); err != nil {
		return nil, err
	}
	validators := make([]*lib.Validator, 0, len(entries))
	for _, entry := range entries {
		publicKey, err := crypto.NewBLSPublicKeyFromBytes(entry.PublicKey)
		if err != nil {
			return nil, lib.ErrPubKeyFromBytes(err)
		}
		validators = append(validators, &lib.Validator{
			Address:     publicKey.Address().Bytes(),
			PublicKey:   entry.PublicKey,
			VotingPower: entry.VotingPower,
		})
	}
	vals, err := lib.NewValidatorSet(validators)
	if err != nil {
		return nil, err
	}
	return &fileValidatorSource{vals: vals}, nil
}

// CurrentValidators() implements bft.ValidatorSource
func (f *fileValidatorSource) CurrentValidators(_ uint64) (lib.ValidatorSet, lib.ErrorI) {
	return f.vals.Copy(), nil
}

// loopbackNetwork feeds broadcasts back into the node's own inbound queue, enough for
// a single-validator deployment or for bridging to an external gossip layer
type loopbackNetwork struct {
	inbound chan *bft.Message
}

// Broadcast() implements bft.NetworkService
func (n *loopbackNetwork) Broadcast(message *bft.Message) {
	select {
	case n.inbound <- message:
	default:
	}
}

// devExecutor produces minimal opaque block payloads; block content construction
// belongs to an external execution module in production
type devExecutor struct{}

// ProposeBlock() implements bft.BlockExecutor
func (d *devExecutor) ProposeBlock(height uint64) (lib.HexBytes, lib.ErrorI) {
	block, err := lib.Marshal(struct {
		Height    uint64 `json:"height"`
		Timestamp int64  `json:"timestamp"`
	}{Height: height, Timestamp: time.Now().UnixMicro()})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// ValidateBlock() implements bft.BlockExecutor
func (d *devExecutor) ValidateBlock(block lib.HexBytes) lib.ErrorI {
	if len(block) == 0 {
		return lib.ErrInvalidArgument("empty block")
	}
	return nil
}
