// Package ledgertest emulates a Ledger device running the Cosmos and
// Bitcoin apps closely enough to drive the real clients end to end. Keys
// come from a BIP32 seed so replies are genuine addresses and extended
// keys. Pair it with devicetest.Transport or devicetest.Server.
package ledgertest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/mrz1836/ledgerlink/internal/device"
)

// App is the app currently open on the emulated device.
type App int

// Apps the emulator can run.
const (
	AppNone App = iota
	AppCosmos
	AppBitcoin
)

// Status words beyond those in package device.
const (
	SWIncorrectData uint16 = 0x6A80
	SWBadState      uint16 = 0xB007
)

const (
	hardened         = hdkeychain.HardenedKeyStart
	defaultTemplate  = "tr(@0/**)"
	hashSize         = sha256.Size
	walletAddrReqLen = 1 + 2*hashSize + 1 + 4
)

var (
	errAborted        = errors.New("request abandoned by host")
	errIncorrectData  = errors.New("incorrect data")
	errProofMismatch  = errors.New("merkle proof does not match root")
	errHashMismatch   = errors.New("preimage does not match hash")
	errUnexpectedSize = errors.New("unexpected element size")
)

// DefaultSeed is the seed used by tests that do not care about keys.
var DefaultSeed = bytes.Repeat([]byte{0x5e}, 32)

// Ledger is an emulated device. Configure it with the setters; they are
// safe to call while a transport is in use.
type Ledger struct {
	params *chaincfg.Params
	master *hdkeychain.ExtendedKey

	mu              sync.Mutex
	app             App
	locked          bool
	rejectDisplay   bool
	hangDisplay     bool
	overrideAddress string
	pending         *walletSession
}

// New emulates a device whose master key is derived from seed.
func New(seed []byte) (*Ledger, error) {
	params := &chaincfg.TestNet3Params
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, err
	}
	return &Ledger{params: params, master: master}, nil
}

// OpenApp switches the running app.
func (l *Ledger) OpenApp(app App) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.app = app
}

// Lock locks or unlocks the device.
func (l *Ledger) Lock(locked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = locked
}

// RejectDisplay makes the user reject every on-screen confirmation.
func (l *Ledger) RejectDisplay(reject bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectDisplay = reject
}

// HangDisplay makes on-screen confirmations wait until the host gives up.
func (l *Ledger) HangDisplay(hang bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hangDisplay = hang
}

// OverrideAddress makes address commands return addr verbatim.
func (l *Ledger) OverrideAddress(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrideAddress = addr
}

// Fingerprint returns the master key fingerprint.
func (l *Ledger) Fingerprint() [4]byte {
	pub, err := l.master.ECPubKey()
	if err != nil {
		panic(err)
	}
	var fp [4]byte
	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed())[:4])
	return fp
}

// ExtendedPubkey returns the serialized extended public key at path.
func (l *Ledger) ExtendedPubkey(path []uint32) (string, error) {
	key, err := l.derive(path)
	if err != nil {
		return "", err
	}
	pub, err := key.Neuter()
	if err != nil {
		return "", err
	}
	return pub.String(), nil
}

// CosmosAddress returns the bech32 address and compressed key at path.
func (l *Ledger) CosmosAddress(path []uint32, hrp string) (string, []byte, error) {
	key, err := l.derive(path)
	if err != nil {
		return "", nil, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return "", nil, err
	}
	compressed := pub.SerializeCompressed()
	conv, err := bech32.ConvertBits(btcutil.Hash160(compressed), 8, 5, true)
	if err != nil {
		return "", nil, err
	}
	addr, err := bech32.Encode(hrp, conv)
	if err != nil {
		return "", nil, err
	}
	return addr, compressed, nil
}

// TaprootAddress returns the BIP86 address at account/change/index.
func (l *Ledger) TaprootAddress(account []uint32, change, index uint32) (string, error) {
	xpub, err := l.ExtendedPubkey(account)
	if err != nil {
		return "", err
	}
	return taprootFromXpub(xpub, change, index, l.params)
}

func (l *Ledger) derive(path []uint32) (*hdkeychain.ExtendedKey, error) {
	key := l.master
	for _, seg := range path {
		var err error
		if key, err = key.Derive(seg); err != nil {
			return nil, err
		}
	}
	return key, nil
}

func taprootFromXpub(xpub string, change, index uint32, params *chaincfg.Params) (string, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return "", err
	}
	for _, seg := range []uint32{change, index} {
		if key, err = key.Derive(seg); err != nil {
			return "", err
		}
	}
	internal, err := key.ECPubKey()
	if err != nil {
		return "", err
	}
	output := txscript.ComputeTaprootKeyNoScript(internal)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(output), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// Handle answers one command APDU. It satisfies devicetest.Handler.
func (l *Ledger) Handle(ctx context.Context, cmd device.Command) ([]byte, uint16) {
	l.mu.Lock()
	app, locked := l.app, l.locked
	l.mu.Unlock()

	if locked {
		return nil, device.SWLocked
	}

	switch cmd.CLA {
	case 0x55:
		if app != AppCosmos {
			return nil, wrongApp(app)
		}
		return l.handleCosmos(ctx, cmd)
	case 0xE1, 0xF8:
		if app != AppBitcoin {
			return nil, wrongApp(app)
		}
		return l.handleBitcoin(ctx, cmd)
	default:
		return nil, device.SWWrongCLA
	}
}

func wrongApp(app App) uint16 {
	if app == AppNone {
		return device.SWAppNotOpen
	}
	return device.SWWrongCLA
}

// confirm models the user looking at the screen.
func (l *Ledger) confirm(ctx context.Context) (uint16, bool) {
	l.mu.Lock()
	reject, hang := l.rejectDisplay, l.hangDisplay
	l.mu.Unlock()

	if hang {
		<-ctx.Done()
		return device.SWDenied, false
	}
	if reject {
		return device.SWDenied, false
	}
	return device.SWOK, true
}

func (l *Ledger) override() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overrideAddress
}

func (l *Ledger) handleCosmos(ctx context.Context, cmd device.Command) ([]byte, uint16) {
	if cmd.INS != 0x04 {
		return nil, device.SWWrongINS
	}

	data := cmd.Data
	if len(data) < 1 || len(data) != 1+int(data[0])+20 {
		return nil, SWIncorrectData
	}
	hrp := string(data[1 : 1+data[0]])
	raw := data[1+data[0]:]
	path := make([]uint32, 5)
	for i := range path {
		path[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	if path[0] != hardened+44 || path[1] != hardened+118 {
		return nil, SWIncorrectData
	}

	addr, pub, err := l.CosmosAddress(path, hrp)
	if err != nil {
		return nil, SWIncorrectData
	}
	if o := l.override(); o != "" {
		addr = o
	}

	if cmd.P1 == 0x01 {
		if sw, ok := l.confirm(ctx); !ok {
			return nil, sw
		}
	}
	return append(pub, addr...), device.SWOK
}

func (l *Ledger) handleBitcoin(ctx context.Context, cmd device.Command) ([]byte, uint16) {
	if cmd.CLA == 0xF8 {
		if cmd.INS != 0x01 {
			return nil, device.SWWrongINS
		}
		return l.continueWalletSession(ctx, cmd.Data)
	}

	switch cmd.INS {
	case 0x05:
		fp := l.Fingerprint()
		return fp[:], device.SWOK
	case 0x00:
		return l.handleExtendedPubkey(ctx, cmd.Data)
	case 0x03:
		return l.startWalletSession(ctx, cmd.Data)
	default:
		return nil, device.SWWrongINS
	}
}

func (l *Ledger) handleExtendedPubkey(ctx context.Context, data []byte) ([]byte, uint16) {
	if len(data) < 2 || len(data) != 2+4*int(data[1]) {
		return nil, SWIncorrectData
	}
	path := make([]uint32, data[1])
	for i := range path {
		path[i] = binary.BigEndian.Uint32(data[2+4*i:])
	}
	xpub, err := l.ExtendedPubkey(path)
	if err != nil {
		return nil, SWIncorrectData
	}
	if data[0] == 1 {
		if sw, ok := l.confirm(ctx); !ok {
			return nil, sw
		}
	}
	return []byte(xpub), device.SWOK
}

// walletSession is a GET_WALLET_ADDRESS in progress. The device side runs
// in its own goroutine and exchanges client commands with the host
// through the two channels.
type walletSession struct {
	toDevice   chan []byte
	fromDevice chan deviceMsg
}

type deviceMsg struct {
	data    []byte
	sw      uint16
	display bool
}

func (l *Ledger) startWalletSession(ctx context.Context, data []byte) ([]byte, uint16) {
	sess := &walletSession{
		toDevice:   make(chan []byte),
		fromDevice: make(chan deviceMsg),
	}

	l.mu.Lock()
	if l.pending != nil {
		close(l.pending.toDevice)
	}
	l.pending = sess
	l.mu.Unlock()

	go l.runWalletAddress(sess, data)
	return l.await(ctx, sess)
}

func (l *Ledger) continueWalletSession(ctx context.Context, data []byte) ([]byte, uint16) {
	l.mu.Lock()
	sess := l.pending
	l.mu.Unlock()

	if sess == nil {
		return nil, SWBadState
	}
	sess.toDevice <- data
	return l.await(ctx, sess)
}

func (l *Ledger) await(ctx context.Context, sess *walletSession) ([]byte, uint16) {
	msg := <-sess.fromDevice
	if msg.sw == device.SWInterruptedExecute {
		return msg.data, msg.sw
	}

	l.mu.Lock()
	if l.pending == sess {
		l.pending = nil
	}
	l.mu.Unlock()

	if msg.sw == device.SWOK && msg.display {
		if sw, ok := l.confirm(ctx); !ok {
			return nil, sw
		}
	}
	return msg.data, msg.sw
}

func (l *Ledger) runWalletAddress(sess *walletSession, data []byte) {
	ask := func(cmd []byte) ([]byte, error) {
		sess.fromDevice <- deviceMsg{data: cmd, sw: device.SWInterruptedExecute}
		reply, ok := <-sess.toDevice
		if !ok {
			return nil, errAborted
		}
		return reply, nil
	}

	addr, display, err := l.walletAddress(ask, data)
	switch {
	case errors.Is(err, errAborted):
		return
	case err != nil:
		sess.fromDevice <- deviceMsg{sw: SWIncorrectData}
	default:
		if o := l.override(); o != "" {
			addr = o
		}
		sess.fromDevice <- deviceMsg{data: []byte(addr), sw: device.SWOK, display: display}
	}
}

type askFunc func(cmd []byte) ([]byte, error)

// walletAddress is the device side of GET_WALLET_ADDRESS for the default
// single-key Taproot policy.
func (l *Ledger) walletAddress(ask askFunc, data []byte) (string, bool, error) {
	if len(data) != walletAddrReqLen {
		return "", false, errIncorrectData
	}
	display := data[0] == 1
	walletID := data[1 : 1+hashSize]
	hmac := data[1+hashSize : 1+2*hashSize]
	change := uint32(data[1+2*hashSize])
	index := binary.BigEndian.Uint32(data[2+2*hashSize:])

	if !bytes.Equal(hmac, make([]byte, hashSize)) {
		return "", false, fmt.Errorf("%w: only default policies are supported", errIncorrectData)
	}

	serialized, err := getPreimage(ask, walletID)
	if err != nil {
		return "", false, err
	}
	policy, err := parsePolicy(serialized)
	if err != nil {
		return "", false, err
	}
	if policy.name != "" || policy.nKeys != 1 {
		return "", false, fmt.Errorf("%w: not a default policy", errIncorrectData)
	}

	template, err := getPreimage(ask, policy.templateHash)
	if err != nil {
		return "", false, err
	}
	if string(template) != defaultTemplate || uint64(len(template)) != policy.templateLen {
		return "", false, fmt.Errorf("%w: template %q", errIncorrectData, template)
	}

	leaf, err := getLeaf(ask, policy.keysRoot, policy.nKeys, 0)
	if err != nil {
		return "", false, err
	}
	if err := checkLeafIndex(ask, policy.keysRoot, leaf, 0); err != nil {
		return "", false, err
	}

	element, err := getPreimage(ask, leaf)
	if err != nil {
		return "", false, err
	}
	if len(element) == 0 || element[0] != 0x00 {
		return "", false, fmt.Errorf("%w: leaf preimage prefix", errIncorrectData)
	}

	xpub, err := l.checkKeyInfo(string(element[1:]))
	if err != nil {
		return "", false, err
	}

	addr, err := taprootFromXpub(xpub, change, index, l.params)
	if err != nil {
		return "", false, err
	}
	return addr, display, nil
}

// checkKeyInfo verifies that [fingerprint/86'/1'/0']xpub is this device's
// own key, as the app does for default policies.
func (l *Ledger) checkKeyInfo(info string) (string, error) {
	end := strings.IndexByte(info, ']')
	if !strings.HasPrefix(info, "[") || end < 0 {
		return "", fmt.Errorf("%w: key info %q", errIncorrectData, info)
	}
	origin, xpub := info[1:end], info[end+1:]

	fp := l.Fingerprint()
	wantOrigin := hex.EncodeToString(fp[:]) + "/86'/1'/0'"
	if origin != wantOrigin {
		return "", fmt.Errorf("%w: key origin %q", errIncorrectData, origin)
	}

	own, err := l.ExtendedPubkey([]uint32{hardened + 86, hardened + 1, hardened})
	if err != nil {
		return "", err
	}
	if xpub != own {
		return "", fmt.Errorf("%w: foreign extended key", errIncorrectData)
	}
	return xpub, nil
}

type parsedPolicy struct {
	name         string
	templateLen  uint64
	templateHash []byte
	nKeys        uint64
	keysRoot     []byte
}

func parsePolicy(raw []byte) (*parsedPolicy, error) {
	r := bytes.NewReader(raw)
	version, err := r.ReadByte()
	if err != nil || version != 0x02 {
		return nil, fmt.Errorf("%w: policy version", errIncorrectData)
	}
	nameLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, err
	}

	p := &parsedPolicy{name: string(name), templateHash: make([]byte, hashSize), keysRoot: make([]byte, hashSize)}
	if p.templateLen, err = wire.ReadVarInt(r, 0); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, p.templateHash); err != nil {
		return nil, fmt.Errorf("%w: template hash", errIncorrectData)
	}
	if p.nKeys, err = wire.ReadVarInt(r, 0); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, p.keysRoot); err != nil {
		return nil, fmt.Errorf("%w: keys root", errIncorrectData)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing policy bytes", errIncorrectData)
	}
	return p, nil
}

// getPreimage asks the host for the preimage of hash, pulling the tail
// with GET_MORE_ELEMENTS when it does not fit in one reply.
func getPreimage(ask askFunc, hash []byte) ([]byte, error) {
	reply, err := ask(append([]byte{0x40, 0x00}, hash...))
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(reply)
	total, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	n, err := r.ReadByte()
	if err != nil || r.Len() != int(n) {
		return nil, fmt.Errorf("%w: preimage chunk", errIncorrectData)
	}
	preimage := make([]byte, 0, total)
	preimage = append(preimage, reply[len(reply)-int(n):]...)

	for uint64(len(preimage)) < total {
		elems, err := getMoreElements(ask, 1)
		if err != nil {
			return nil, err
		}
		for _, e := range elems {
			preimage = append(preimage, e...)
		}
	}

	if sum := sha256.Sum256(preimage); !bytes.Equal(sum[:], hash) {
		return nil, errHashMismatch
	}
	return preimage, nil
}

// getLeaf fetches the leaf at index with its proof and verifies it
// against root.
func getLeaf(ask askFunc, root []byte, size, index uint64) ([]byte, error) {
	var req bytes.Buffer
	req.WriteByte(0x41)
	req.Write(root)
	_ = wire.WriteVarInt(&req, 0, size)
	_ = wire.WriteVarInt(&req, 0, index)

	reply, err := ask(req.Bytes())
	if err != nil {
		return nil, err
	}
	if len(reply) < hashSize+2 {
		return nil, fmt.Errorf("%w: short proof reply", errIncorrectData)
	}
	leaf := reply[:hashSize]
	proofLen, n := int(reply[hashSize]), int(reply[hashSize+1])
	if len(reply) != hashSize+2+n*hashSize {
		return nil, fmt.Errorf("%w: proof reply length", errIncorrectData)
	}

	var proof [][]byte
	for i := range n {
		proof = append(proof, reply[hashSize+2+i*hashSize:hashSize+2+(i+1)*hashSize])
	}
	for len(proof) < proofLen {
		elems, err := getMoreElements(ask, hashSize)
		if err != nil {
			return nil, err
		}
		proof = append(proof, elems...)
	}

	if !bytes.Equal(rootFromProof(leaf, int(index), int(size), proof), root) {
		return nil, errProofMismatch
	}
	return leaf, nil
}

func checkLeafIndex(ask askFunc, root, leaf []byte, want uint64) error {
	reply, err := ask(append(append([]byte{0x42}, root...), leaf...))
	if err != nil {
		return err
	}
	r := bytes.NewReader(reply)
	found, err := r.ReadByte()
	if err != nil {
		return err
	}
	index, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	if found != 1 || index != want {
		return fmt.Errorf("%w: leaf index %d found=%d", errIncorrectData, index, found)
	}
	return nil
}

func getMoreElements(ask askFunc, size int) ([][]byte, error) {
	reply, err := ask([]byte{0xA0})
	if err != nil {
		return nil, err
	}
	if len(reply) < 2 || int(reply[1]) != size || len(reply) != 2+int(reply[0])*size || reply[0] == 0 {
		return nil, errUnexpectedSize
	}
	var out [][]byte
	for i := range int(reply[0]) {
		out = append(out, reply[2+i*size:2+(i+1)*size])
	}
	return out, nil
}

// rootFromProof folds a bottom-up proof into a root, splitting each level
// at the largest power of two below its size.
func rootFromProof(leaf []byte, index, size int, proof [][]byte) []byte {
	if size == 1 {
		if len(proof) != 0 {
			return nil
		}
		return leaf
	}
	if len(proof) == 0 {
		return nil
	}
	top, rest := proof[len(proof)-1], proof[:len(proof)-1]

	split := 1
	for split*2 < size {
		split *= 2
	}
	if index < split {
		return node(rootFromProof(leaf, index, split, rest), top)
	}
	return node(top, rootFromProof(leaf, index-split, size-split, rest))
}

func node(left, right []byte) []byte {
	if left == nil || right == nil {
		return nil
	}
	sum := sha256.Sum256(append(append([]byte{0x01}, left...), right...))
	return sum[:]
}
