package devledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/medrex/healthchain/pkg/ledger"
)

var genesisHash = strings.Repeat("0", 64)

// Block is one batch of ordered transactions. TxRoot is the Merkle root of
// the block's receipts; Hash covers every other field.
type Block struct {
	Number    uint64    `json:"number"`
	PrevHash  string    `json:"prev_hash"`
	Timestamp time.Time `json:"timestamp"`
	TxIDs     []string  `json:"tx_ids"`
	TxRoot    string    `json:"tx_root"`
	Hash      string    `json:"hash"`
}

type blockHeader struct {
	Number    uint64    `json:"number"`
	PrevHash  string    `json:"prev_hash"`
	Timestamp time.Time `json:"timestamp"`
	TxIDs     []string  `json:"tx_ids"`
	TxRoot    string    `json:"tx_root"`
}

func (b *Block) computeHash() (string, error) {
	header, err := json.Marshal(blockHeader{
		Number:    b.Number,
		PrevHash:  b.PrevHash,
		Timestamp: b.Timestamp,
		TxIDs:     b.TxIDs,
		TxRoot:    b.TxRoot,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(header)
	return hex.EncodeToString(sum[:]), nil
}

func receiptHash(r *ledger.Receipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// merkleRoot folds leaf hashes pairwise, duplicating the last node of an odd
// level. An empty block hashes the empty string.
func merkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			sum := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	return level[0]
}

func receiptsRoot(receipts []*ledger.Receipt) (string, error) {
	leaves := make([]string, 0, len(receipts))
	for _, r := range receipts {
		h, err := receiptHash(r)
		if err != nil {
			return "", err
		}
		leaves = append(leaves, h)
	}
	return merkleRoot(leaves), nil
}
