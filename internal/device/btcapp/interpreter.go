package btcapp

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Client commands the app sends back while executing a request.
const (
	cmdYield              byte = 0x10
	cmdGetPreimage        byte = 0x40
	cmdGetMerkleLeafProof byte = 0x41
	cmdGetMerkleLeafIndex byte = 0x42
	cmdGetMoreElements    byte = 0xA0
)

// maxResponseSize is the largest reply to a client command.
const maxResponseSize = 255

var (
	errEmptyCommand     = errors.New("empty client command")
	errUnknownPreimage  = errors.New("unknown preimage requested")
	errUnknownTree      = errors.New("unknown merkle tree requested")
	errQueueEmpty       = errors.New("no queued elements")
	errMalformedCommand = errors.New("malformed client command")
)

// interpreter answers the app's client commands from data registered
// before the request: preimages by sha256 and Merkle trees by root. Long
// answers are split and the remainder queued for GET_MORE_ELEMENTS.
type interpreter struct {
	preimages map[Hash][]byte
	trees     map[Hash]*MerkleTree
	queue     [][]byte
	yielded   [][]byte
}

func newInterpreter() *interpreter {
	return &interpreter{
		preimages: make(map[Hash][]byte),
		trees:     make(map[Hash]*MerkleTree),
	}
}

// addKnownPreimage registers data so it can be served by its sha256.
func (c *interpreter) addKnownPreimage(data []byte) {
	c.preimages[sha256.Sum256(data)] = data
}

// addKnownList registers a Merkle tree over elements along with each
// leaf preimage 0x00 || element.
func (c *interpreter) addKnownList(elements [][]byte) {
	for _, e := range elements {
		c.addKnownPreimage(append([]byte{leafPrefix}, e...))
	}
	tree := NewMerkleTreeFromElements(elements)
	c.trees[tree.Root()] = tree
}

func (c *interpreter) execute(request []byte) ([]byte, error) {
	if len(request) == 0 {
		return nil, errEmptyCommand
	}

	switch request[0] {
	case cmdYield:
		c.yielded = append(c.yielded, append([]byte(nil), request[1:]...))
		return []byte{}, nil
	case cmdGetPreimage:
		return c.getPreimage(request)
	case cmdGetMerkleLeafProof:
		return c.getMerkleLeafProof(request)
	case cmdGetMerkleLeafIndex:
		return c.getMerkleLeafIndex(request)
	case cmdGetMoreElements:
		return c.getMoreElements()
	default:
		return nil, fmt.Errorf("unknown client command 0x%02X", request[0])
	}
}

// getPreimage handles [0x40, 0x00, hash(32)].
func (c *interpreter) getPreimage(request []byte) ([]byte, error) {
	if len(request) != 2+HashSize || request[1] != 0 {
		return nil, errMalformedCommand
	}
	var hash Hash
	copy(hash[:], request[2:])

	preimage, ok := c.preimages[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %x", errUnknownPreimage, hash)
	}

	var out bytes.Buffer
	if err := wire.WriteVarInt(&out, 0, uint64(len(preimage))); err != nil {
		return nil, err
	}
	maxPayload := maxResponseSize - out.Len() - 1
	n := min(len(preimage), maxPayload)

	out.WriteByte(byte(n))
	out.Write(preimage[:n])

	// The rest is sent one byte per element.
	for _, b := range preimage[n:] {
		c.queue = append(c.queue, []byte{b})
	}
	return out.Bytes(), nil
}

// getMerkleLeafProof handles [0x41, root(32), varint(size), varint(index)].
func (c *interpreter) getMerkleLeafProof(request []byte) ([]byte, error) {
	if len(request) < 1+HashSize+2 {
		return nil, errMalformedCommand
	}
	var root Hash
	copy(root[:], request[1:1+HashSize])

	r := bytes.NewReader(request[1+HashSize:])
	size, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedCommand, err)
	}
	index, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformedCommand, err)
	}

	tree, ok := c.trees[root]
	if !ok {
		return nil, fmt.Errorf("%w: %x", errUnknownTree, root)
	}
	if size != uint64(tree.Size()) || index >= size {
		return nil, fmt.Errorf("%w: size %d index %d", errMalformedCommand, size, index)
	}

	leaf, err := tree.Leaf(int(index)) //nolint:gosec // bounded by tree size
	if err != nil {
		return nil, err
	}
	proof, err := tree.Proof(int(index)) //nolint:gosec // bounded by tree size
	if err != nil {
		return nil, err
	}

	n := min(len(proof), (maxResponseSize-HashSize-1-1)/HashSize)

	var out bytes.Buffer
	out.Write(leaf[:])
	out.WriteByte(byte(len(proof)))
	out.WriteByte(byte(n))
	for _, h := range proof[:n] {
		out.Write(h[:])
	}
	for _, h := range proof[n:] {
		c.queue = append(c.queue, append([]byte(nil), h[:]...))
	}
	return out.Bytes(), nil
}

// getMerkleLeafIndex handles [0x42, root(32), leaf hash(32)].
func (c *interpreter) getMerkleLeafIndex(request []byte) ([]byte, error) {
	if len(request) != 1+2*HashSize {
		return nil, errMalformedCommand
	}
	var root, leaf Hash
	copy(root[:], request[1:1+HashSize])
	copy(leaf[:], request[1+HashSize:])

	tree, ok := c.trees[root]
	if !ok {
		return nil, fmt.Errorf("%w: %x", errUnknownTree, root)
	}

	var out bytes.Buffer
	index, found := tree.IndexOf(leaf)
	if found {
		out.WriteByte(1)
	} else {
		out.WriteByte(0)
	}
	if err := wire.WriteVarInt(&out, 0, uint64(index)); err != nil { //nolint:gosec // non-negative
		return nil, err
	}
	return out.Bytes(), nil
}

// getMoreElements drains queued elements of equal size into one reply of
// n(1) | size(1) | elements.
func (c *interpreter) getMoreElements() ([]byte, error) {
	if len(c.queue) == 0 {
		return nil, errQueueEmpty
	}
	size := len(c.queue[0])

	var elements bytes.Buffer
	n := 0
	for len(c.queue) > 0 && elements.Len()+size <= maxResponseSize-2 {
		if len(c.queue[0]) != size {
			return nil, fmt.Errorf("%w: mixed element sizes in queue", errMalformedCommand)
		}
		elements.Write(c.queue[0])
		c.queue = c.queue[1:]
		n++
	}

	out := make([]byte, 0, 2+elements.Len())
	out = append(out, byte(n), byte(size))
	return append(out, elements.Bytes()...), nil
}
