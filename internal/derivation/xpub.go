package derivation

import (
	"encoding/binary"
	"fmt"

	"github.com/tyler-smith/go-bip32"
)

// CheckAccountKey decodes a base58 extended key and checks that it sits
// at path: its depth is the path length and its child number is the last
// segment. Only the checksum and layout are validated, not the network.
func CheckAccountKey(extendedKey string, path Path) error {
	key, err := bip32.B58Deserialize(extendedKey)
	if err != nil {
		return fmt.Errorf("decoding extended key: %w", err)
	}
	if int(key.Depth) != path.Len() {
		return fmt.Errorf("extended key depth %d, want %d", key.Depth, path.Len())
	}
	if path.Len() == 0 {
		return nil
	}
	child := binary.BigEndian.Uint32(key.ChildNumber)
	if want := path[path.Len()-1]; child != want {
		return fmt.Errorf("extended key is child %s, want %s", NewPath(child).Origin(), NewPath(want).Origin())
	}
	return nil
}
