package wire

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
)

// Commands used in message headers which describe the type of message.
const (
	CmdStatus      = "status"
	CmdGetHeaders  = "getheaders"
	CmdHeaders     = "headers"
	CmdGetBodies   = "getbodies"
	CmdBodies      = "bodies"
	CmdNewBlock    = "newblock"
	CmdGetTrieData = "gettriedata"
	CmdTrieData    = "triedata"
)

// Message is an interface that describes a sync message.
type Message interface {
	Command() string
}

// MsgStatus announces a peer's best block and total difficulty.
type MsgStatus struct {
	BestNumber      uint64
	BestHash        chainhash.Hash
	TotalDifficulty *uint256.Int
}

// Command returns the protocol command string for the message.
func (m *MsgStatus) Command() string { return CmdStatus }

// MsgGetHeaders requests Count consecutive headers starting at From.
type MsgGetHeaders struct {
	From  uint64
	Count uint32
}

// Command returns the protocol command string for the message.
func (m *MsgGetHeaders) Command() string { return CmdGetHeaders }

// MsgHeaders carries an ordered batch of headers.
type MsgHeaders struct {
	Headers []*BlockHeader
}

// Command returns the protocol command string for the message.
func (m *MsgHeaders) Command() string { return CmdHeaders }

// MsgGetBodies requests the bodies of the blocks with the given hashes.
type MsgGetBodies struct {
	Hashes []chainhash.Hash
}

// Command returns the protocol command string for the message.
func (m *MsgGetBodies) Command() string { return CmdGetBodies }

// MsgBodies carries block bodies in the order they were requested.
type MsgBodies struct {
	Bodies []*BlockBody
}

// Command returns the protocol command string for the message.
func (m *MsgBodies) Command() string { return CmdBodies }

// MsgNewBlock announces a single newly produced block.
type MsgNewBlock struct {
	Block *Block
}

// Command returns the protocol command string for the message.
func (m *MsgNewBlock) Command() string { return CmdNewBlock }

// MsgGetTrieData requests a trie node and up to Limit of the nodes it
// references.
type MsgGetTrieData struct {
	Key    chainhash.Hash
	DBType DatabaseType
	Limit  uint32
}

// Command returns the protocol command string for the message.
func (m *MsgGetTrieData) Command() string { return CmdGetTrieData }

// MsgTrieData is the response to MsgGetTrieData. ReferencedNodes is empty
// for leaf nodes.
type MsgTrieData struct {
	Key             chainhash.Hash
	Value           []byte
	ReferencedNodes map[chainhash.Hash][]byte
	DBType          DatabaseType
}

// Command returns the protocol command string for the message.
func (m *MsgTrieData) Command() string { return CmdTrieData }
