package custody

import (
	"strconv"
	"strings"

	"github.com/method-app/custody/internal/ton"
)

// DefaultMemoTags are the purchase tags recognised out of the box.
var DefaultMemoTags = []string{"buy"}

// Memo is a recognised purchase memo of the form <tag>:<amount>:<key>.
type Memo struct {
	Tag    string
	Amount int64 // ticket units requested
	Key    string
}

// ParseMemo parses a raw memo string. ok is false for anything that does not
// strictly match the format: wrong field count, unrecognised tag,
// non-numeric or non-positive amount, empty key. Malformed memos are
// discards, never errors.
func ParseMemo(raw string, tags map[string]struct{}) (Memo, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return Memo{}, false
	}

	tag := parts[0]
	if _, recognised := tags[tag]; !recognised {
		return Memo{}, false
	}

	amount, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || amount <= 0 {
		return Memo{}, false
	}

	key := parts[2]
	if key == "" {
		return Memo{}, false
	}

	return Memo{Tag: tag, Amount: amount, Key: key}, true
}

// Candidate is a transaction the classifier accepted as a potential
// creditable deposit.
type Candidate struct {
	Recipient string
	Value     int64 // nanotons received
	Memo      Memo
	TxHash    string
	Utime     int64
}

// Classifier filters raw transactions down to creditable deposit
// candidates.
type Classifier struct {
	tags map[string]struct{}
}

// NewClassifier creates a classifier recognising the given memo tags.
// Passing nil uses DefaultMemoTags.
func NewClassifier(tags []string) *Classifier {
	if len(tags) == 0 {
		tags = DefaultMemoTags
	}
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[strings.TrimSpace(t)] = struct{}{}
	}
	return &Classifier{tags: set}
}

// Classify returns a candidate for an incoming, value-carrying transaction
// whose memo parses as a recognised purchase. Everything else is discarded.
func (c *Classifier) Classify(tx ton.Transaction) (Candidate, bool) {
	if !tx.Incoming() {
		return Candidate{}, false
	}

	memo, ok := ParseMemo(tx.InMsg.Memo, c.tags)
	if !ok {
		return Candidate{}, false
	}

	return Candidate{
		Recipient: tx.InMsg.Destination,
		Value:     int64(tx.InMsg.Value),
		Memo:      memo,
		TxHash:    tx.Hash(),
		Utime:     tx.Utime,
	}, true
}
