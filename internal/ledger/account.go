package ledger

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// emptyStorageHash commits to an account with no storage slots.
var emptyStorageHash = crypto.Keccak256Hash(nil)

// Account is one entry in a shard ledger. Balance never goes negative and
// Nonce only ever increases. CodeHash is an opaque reference owned by the
// external contract engine; Storage holds opaque bytes owned by the account.
type Account struct {
	Address  common.Address         `json:"address"`
	Balance  *uint256.Int           `json:"balance"`
	Nonce    uint64                 `json:"nonce"`
	CodeHash common.Hash            `json:"code_hash"`
	Storage  map[common.Hash][]byte `json:"storage,omitempty"`
}

func newAccount(addr common.Address) *Account {
	return &Account{
		Address: addr,
		Balance: uint256.NewInt(0),
	}
}

// Copy returns a deep copy so callers never alias ledger-owned state.
func (a *Account) Copy() *Account {
	if a == nil {
		return nil
	}
	cp := &Account{
		Address:  a.Address,
		Balance:  new(uint256.Int).Set(a.Balance),
		Nonce:    a.Nonce,
		CodeHash: a.CodeHash,
	}
	if a.Storage != nil {
		cp.Storage = make(map[common.Hash][]byte, len(a.Storage))
		for k, v := range a.Storage {
			cp.Storage[k] = append([]byte(nil), v...)
		}
	}
	return cp
}

// SetStorage writes an opaque value at key, deleting the slot when value is empty.
func (a *Account) SetStorage(key common.Hash, value []byte) {
	if len(value) == 0 {
		delete(a.Storage, key)
		return
	}
	if a.Storage == nil {
		a.Storage = make(map[common.Hash][]byte)
	}
	a.Storage[key] = append([]byte(nil), value...)
}

// leafAccount is the RLP shape committed into the shard merkle tree.
type leafAccount struct {
	Address     common.Address
	Balance     *uint256.Int
	Nonce       uint64
	CodeHash    common.Hash
	StorageHash common.Hash
}

// LeafHash returns the merkle leaf committing to this account.
func (a *Account) LeafHash() common.Hash {
	enc, err := rlp.EncodeToBytes(&leafAccount{
		Address:     a.Address,
		Balance:     a.Balance,
		Nonce:       a.Nonce,
		CodeHash:    a.CodeHash,
		StorageHash: a.storageHash(),
	})
	if err != nil {
		// All fields are fixed-shape; RLP encoding cannot fail here.
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// storageHash commits to the storage mapping in deterministic key order.
func (a *Account) storageHash() common.Hash {
	if len(a.Storage) == 0 {
		return emptyStorageHash
	}
	keys := make([]common.Hash, 0, len(a.Storage))
	for k := range a.Storage {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	hasher := crypto.NewKeccakState()
	for _, k := range keys {
		hasher.Write(k[:])
		hasher.Write(a.Storage[k])
	}
	var out common.Hash
	hasher.Read(out[:])
	return out
}
