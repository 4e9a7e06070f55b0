package image

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"os"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ledger is the content of the identity partition: the instance salt plus a
// digest per measured partition, authenticated with a MAC keyed from the
// manager's sealing key. Any edit to a measured partition, to the table, or
// to the salt breaks verification.
type ledger struct {
	Salt    []byte            `cbor:"1,keyasint"`
	Digests map[string][]byte `cbor:"2,keyasint"`
	Mac     []byte            `cbor:"3,keyasint"`
}

func newLedger(salt []byte, stageData map[string][]byte, sealingKey []byte) *ledger {
	digests := make(map[string][]byte, len(stageData))
	for id, data := range stageData {
		sum := sha256.Sum256(data)
		digests[id] = sum[:]
	}
	led := &ledger{Salt: salt, Digests: digests}
	led.Mac = led.computeMac(sealingKey)
	return led
}

// computeMac authenticates the salt and the digest table. Entries are fed in
// sorted partition-id order so the MAC input is canonical.
func (l *ledger) computeMac(sealingKey []byte) []byte {
	mac := hmac.New(sha256.New, deriveKey(sealingKey, l.Salt, "integrity-ledger-auth"))
	mac.Write(l.Salt)
	ids := make([]string, 0, len(l.Digests))
	for id := range l.Digests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		mac.Write([]byte(id))
		mac.Write(l.Digests[id])
	}
	return mac.Sum(nil)
}

func (l *ledger) encode() ([]byte, error) {
	return cbor.Marshal(l)
}

func decodeLedger(data []byte) (*ledger, error) {
	var led ledger
	if err := cbor.Unmarshal(data, &led); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(led.Salt) == 0 || len(led.Digests) == 0 {
		return nil, fmt.Errorf("%w: empty integrity ledger", ErrMalformed)
	}
	return &led, nil
}

// loadLedger reads the image and returns its raw bytes and the authenticated
// ledger. Authentication failure is an integrity failure, not a parse error.
func (im *Image) loadLedger(sealingKey []byte) ([]byte, *ledger, error) {
	raw, err := os.ReadFile(im.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read instance image: %w", err)
	}
	ledgerData, err := readPartition(raw, PartitionIdentity)
	if err != nil {
		return nil, nil, err
	}
	led, err := decodeLedger(ledgerData)
	if err != nil {
		return nil, nil, err
	}
	if !hmac.Equal(led.Mac, led.computeMac(sealingKey)) {
		return nil, nil, fmt.Errorf("%w: digest table authentication failed", ErrIntegrity)
	}
	return raw, led, nil
}

// VerifyIntegrity checks every measured partition against the sealed digest
// table for the given protection mode. It must pass before the guest payload
// is allowed to start. Partitions that must be absent for the mode (firmware
// on a non-protected VM) are verified absent rather than skipped.
func (im *Image) VerifyIntegrity(sealingKey []byte, protected bool) error {
	raw, led, err := im.loadLedger(sealingKey)
	if err != nil {
		return err
	}

	for _, s := range bootStages {
		if s.protectedOnly && !protected {
			if _, found := locate(raw, s.id); found {
				return fmt.Errorf("%w: %s partition present on non-protected VM", ErrIntegrity, s.name)
			}
			if _, tracked := led.Digests[s.id.String()]; tracked {
				return fmt.Errorf("%w: %s partition measured on non-protected VM", ErrIntegrity, s.name)
			}
			continue
		}

		want, ok := led.Digests[s.id.String()]
		if !ok {
			return fmt.Errorf("%w: %s partition missing from digest table", ErrIntegrity, s.name)
		}
		data, err := readPartition(raw, s.id)
		if err != nil {
			return fmt.Errorf("%w: %s partition unreadable: %v", ErrIntegrity, s.name, err)
		}
		got := sha256.Sum256(data)
		if !hmac.Equal(want, got[:]) {
			return fmt.Errorf("%w: %s partition digest mismatch", ErrIntegrity, s.name)
		}
	}
	return nil
}
