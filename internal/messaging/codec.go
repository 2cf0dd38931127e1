package messaging

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/pow"
)

// Field numbers of the MiningEvent wire message
const (
	fieldMiner         protowire.Number = 1
	fieldNonce         protowire.Number = 2
	fieldPowHash       protowire.Number = 3
	fieldBlockNumber   protowire.Number = 4
	fieldNewDifficulty protowire.Number = 5
	fieldTimestamp     protowire.Number = 6
	fieldReward        protowire.Number = 7
)

// MarshalEvent encodes a MiningEvent in protobuf wire format. The difficulty
// is carried as 32 big-endian bytes.
func MarshalEvent(ev *contract.MiningEvent) []byte {
	b := make([]byte, 0, 128)
	b = protowire.AppendTag(b, fieldMiner, protowire.BytesType)
	b = protowire.AppendBytes(b, ev.Miner[:])
	b = protowire.AppendTag(b, fieldNonce, protowire.VarintType)
	b = protowire.AppendVarint(b, ev.Nonce)
	b = protowire.AppendTag(b, fieldPowHash, protowire.BytesType)
	b = protowire.AppendBytes(b, ev.PowHash[:])
	b = protowire.AppendTag(b, fieldBlockNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, ev.BlockNumber)
	diff := ev.NewDifficulty.Bytes32()
	b = protowire.AppendTag(b, fieldNewDifficulty, protowire.BytesType)
	b = protowire.AppendBytes(b, diff[:])
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, ev.Timestamp)
	b = protowire.AppendTag(b, fieldReward, protowire.VarintType)
	b = protowire.AppendVarint(b, ev.Reward)
	return b
}

// UnmarshalEvent decodes a message produced by MarshalEvent. Unknown fields
// are skipped.
func UnmarshalEvent(b []byte) (contract.MiningEvent, error) {
	var ev contract.MiningEvent
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ev, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldMiner || num == fieldPowHash || num == fieldNewDifficulty):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ev, protowire.ParseError(n)
			}
			b = b[n:]
			if err := setBytesField(&ev, num, v); err != nil {
				return ev, err
			}
		case typ == protowire.VarintType && (num == fieldNonce || num == fieldBlockNumber || num == fieldTimestamp || num == fieldReward):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ev, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldNonce:
				ev.Nonce = v
			case fieldBlockNumber:
				ev.BlockNumber = v
			case fieldTimestamp:
				ev.Timestamp = v
			case fieldReward:
				ev.Reward = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ev, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return ev, nil
}

func setBytesField(ev *contract.MiningEvent, num protowire.Number, v []byte) error {
	switch num {
	case fieldMiner:
		if len(v) != pow.AddressSize {
			return fmt.Errorf("miner: want %d bytes, got %d", pow.AddressSize, len(v))
		}
		copy(ev.Miner[:], v)
	case fieldPowHash:
		if len(v) != pow.DigestSize {
			return fmt.Errorf("pow_hash: want %d bytes, got %d", pow.DigestSize, len(v))
		}
		copy(ev.PowHash[:], v)
	case fieldNewDifficulty:
		if len(v) != 32 {
			return fmt.Errorf("new_difficulty: want 32 bytes, got %d", len(v))
		}
		ev.NewDifficulty.SetBytes32(v)
	}
	return nil
}
