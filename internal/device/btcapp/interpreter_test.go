package btcapp

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preimageRequest(data []byte) []byte {
	h := sha256.Sum256(data)
	return append([]byte{cmdGetPreimage, 0x00}, h[:]...)
}

func TestInterpreter_GetPreimageShort(t *testing.T) {
	t.Parallel()

	c := newInterpreter()
	c.addKnownPreimage([]byte("hello"))

	reply, err := c.execute(preimageRequest([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x05, 0x05}, "hello"...), reply)
	assert.Empty(t, c.queue)
}

func TestInterpreter_GetPreimageLong(t *testing.T) {
	t.Parallel()

	long := bytes.Repeat([]byte{0x7A}, 300)
	long[299] = 0x01

	c := newInterpreter()
	c.addKnownPreimage(long)

	reply, err := c.execute(preimageRequest(long))
	require.NoError(t, err)

	// varint(300) is 3 bytes, leaving 255-3-1 bytes of payload.
	assert.Equal(t, []byte{0xFD, 0x2C, 0x01, 251}, reply[:4])
	assert.Equal(t, long[:251], reply[4:])
	require.Len(t, c.queue, 49)

	more, err := c.execute([]byte{cmdGetMoreElements})
	require.NoError(t, err)
	assert.Equal(t, []byte{49, 1}, more[:2])
	assert.Equal(t, long[251:], more[2:])
	assert.Empty(t, c.queue)

	_, err = c.execute([]byte{cmdGetMoreElements})
	require.ErrorIs(t, err, errQueueEmpty)
}

func TestInterpreter_GetMoreElementsBounded(t *testing.T) {
	t.Parallel()

	long := bytes.Repeat([]byte{0x01}, 800)
	c := newInterpreter()
	c.addKnownPreimage(long)

	_, err := c.execute(preimageRequest(long))
	require.NoError(t, err)

	total := 251
	for len(c.queue) > 0 {
		more, err := c.execute([]byte{cmdGetMoreElements})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(more), maxResponseSize)
		total += int(more[0])
	}
	assert.Equal(t, 800, total)
}

func TestInterpreter_UnknownPreimage(t *testing.T) {
	t.Parallel()
	_, err := newInterpreter().execute(preimageRequest([]byte("nope")))
	require.ErrorIs(t, err, errUnknownPreimage)

	_, err = newInterpreter().execute([]byte{cmdGetPreimage, 0x01})
	require.ErrorIs(t, err, errMalformedCommand)
}

func listElements(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("key-%03d", i))
	}
	return out
}

func TestInterpreter_AddKnownListRegistersLeafPreimages(t *testing.T) {
	t.Parallel()

	elements := listElements(3)
	c := newInterpreter()
	c.addKnownList(elements)

	leaf := ElementHash(elements[1])
	reply, err := c.execute(append([]byte{cmdGetPreimage, 0x00}, leaf[:]...))
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x00}, elements[1]...), reply[2:])
}

func TestInterpreter_MerkleLeafProof(t *testing.T) {
	t.Parallel()

	elements := listElements(100)
	tree := NewMerkleTreeFromElements(elements)
	root := tree.Root()

	c := newInterpreter()
	c.addKnownList(elements)

	req := append([]byte{cmdGetMerkleLeafProof}, root[:]...)
	req = append(req, 100, 0) // varint size, varint index

	reply, err := c.execute(req)
	require.NoError(t, err)

	leaf := ElementHash(elements[0])
	assert.Equal(t, leaf[:], reply[:HashSize])
	proofLen, n := int(reply[HashSize]), int(reply[HashSize+1])
	assert.Equal(t, 7, proofLen)
	assert.Equal(t, 6, n)
	require.Len(t, reply, HashSize+2+n*HashSize)

	proof := make([]Hash, 0, proofLen)
	for i := range n {
		var h Hash
		copy(h[:], reply[HashSize+2+i*HashSize:])
		proof = append(proof, h)
	}

	more, err := c.execute([]byte{cmdGetMoreElements})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, HashSize}, more[:2])
	var last Hash
	copy(last[:], more[2:])
	proof = append(proof, last)

	assert.True(t, VerifyProof(root, leaf, 0, 100, proof))
}

func TestInterpreter_MerkleLeafProofErrors(t *testing.T) {
	t.Parallel()

	elements := listElements(4)
	root := NewMerkleTreeFromElements(elements).Root()
	c := newInterpreter()
	c.addKnownList(elements)

	tests := []struct {
		name string
		req  []byte
		want error
	}{
		{"unknown root", append(append([]byte{cmdGetMerkleLeafProof}, make([]byte, 32)...), 4, 0), errUnknownTree},
		{"wrong size", append(append([]byte{cmdGetMerkleLeafProof}, root[:]...), 5, 0), errMalformedCommand},
		{"index out of range", append(append([]byte{cmdGetMerkleLeafProof}, root[:]...), 4, 4), errMalformedCommand},
		{"truncated", append([]byte{cmdGetMerkleLeafProof}, root[:10]...), errMalformedCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.execute(tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInterpreter_MerkleLeafIndex(t *testing.T) {
	t.Parallel()

	elements := listElements(5)
	root := NewMerkleTreeFromElements(elements).Root()
	c := newInterpreter()
	c.addKnownList(elements)

	leaf := ElementHash(elements[3])
	reply, err := c.execute(append(append([]byte{cmdGetMerkleLeafIndex}, root[:]...), leaf[:]...))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 3}, reply)

	missing := ElementHash([]byte("missing"))
	reply, err = c.execute(append(append([]byte{cmdGetMerkleLeafIndex}, root[:]...), missing[:]...))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, reply)

	_, err = c.execute(append([]byte{cmdGetMerkleLeafIndex}, root[:]...))
	require.ErrorIs(t, err, errMalformedCommand)
}

func TestInterpreter_YieldAndUnknown(t *testing.T) {
	t.Parallel()

	c := newInterpreter()
	reply, err := c.execute([]byte{cmdYield, 0xAB, 0xCD})
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.Equal(t, [][]byte{{0xAB, 0xCD}}, c.yielded)

	_, err = c.execute([]byte{0x99})
	require.Error(t, err)

	_, err = c.execute(nil)
	require.ErrorIs(t, err, errEmptyCommand)
}
