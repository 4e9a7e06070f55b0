// Package image implements the partitioned per-instance image that backs a
// VM's persisted state: locating partitions inside the container, detecting
// tampering before boot, and deriving the attestation chain and the stable
// per-instance secret.
package image

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// BlockSize is the container's allocation unit. A partition occupies one
// header block followed by enough data blocks for its payload.
const BlockSize = 512

// Partition identifiers. A partition's data starts at the first block after
// the block carrying its identifier.
var (
	// PartitionIdentity holds the instance salt and the sealed digest table.
	PartitionIdentity = uuid.MustParse("8b9a1e43-7d4f-4df1-ba97-2d6f0e1c5a10")
	// PartitionBootloader holds the verified bootloader state.
	PartitionBootloader = uuid.MustParse("7e8221e7-03e6-4969-948b-73a4c809a4f2")
	// PartitionBootEnv holds the bootloader environment.
	PartitionBootEnv = uuid.MustParse("0ab72d30-86ae-4d05-81b2-c1760be2b1f9")
	// PartitionFirmware holds protected-mode firmware state. It exists only
	// for protected VMs.
	PartitionFirmware = uuid.MustParse("90d2174a-038a-4bc6-adf3-824848fc5825")
	// PartitionGuestOS holds the guest OS instance state.
	PartitionGuestOS = uuid.MustParse("cf9afe9a-0662-11ec-a329-c32663a09d75")
	// PartitionPayload holds per-payload instance state.
	PartitionPayload = uuid.MustParse("5c7d38a2-e191-4f25-8c4b-1f3a7e09d6b4")
	// PartitionService holds the in-guest service instance state.
	PartitionService = uuid.MustParse("d31296c8-55b1-4b40-9f27-86e102c4e1ad")
)

// bootStage describes one measured boot component and its partition.
type bootStage struct {
	name          string
	id            uuid.UUID
	protectedOnly bool
	// measuredChain marks stages that contribute an attestation chain entry
	// for protected VMs. Non-protected VMs collapse to the guest OS entry.
	measuredChain bool
}

var bootStages = []bootStage{
	{name: "bootloader", id: PartitionBootloader},
	{name: "bootloader-env", id: PartitionBootEnv, measuredChain: true},
	{name: "firmware", id: PartitionFirmware, protectedOnly: true, measuredChain: true},
	{name: "guest-os", id: PartitionGuestOS, measuredChain: true},
	{name: "payload", id: PartitionPayload, measuredChain: true},
	{name: "service", id: PartitionService, measuredChain: true},
}

// stagesFor returns the boot stages present for the protection mode.
func stagesFor(protected bool) []bootStage {
	out := make([]bootStage, 0, len(bootStages))
	for _, s := range bootStages {
		if s.protectedOnly && !protected {
			continue
		}
		out = append(out, s)
	}
	return out
}

// initialStateLen is the size of the freshly initialized per-stage state.
const initialStateLen = 1024

// Image is a handle over an instance image file. It is cheap; all operations
// re-read the file so external modification is always observed.
type Image struct {
	path string
}

// Open returns a handle for an existing image file.
func Open(path string) *Image {
	return &Image{path: path}
}

// Path returns the backing file path.
func (im *Image) Path() string { return im.path }

// Create initializes a new instance image at path for the given protection
// mode, sealing it against the manager's sealing key. Each present boot stage
// gets a freshly randomized state partition; the identity partition records a
// random instance salt and the authenticated digest table.
func Create(path string, sealingKey []byte, protected bool) (*Image, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate instance salt: %w", err)
	}

	stageData := make(map[string][]byte)
	var body bytes.Buffer
	for _, s := range stagesFor(protected) {
		data := make([]byte, initialStateLen)
		if _, err := rand.Read(data); err != nil {
			return nil, fmt.Errorf("initialize %s partition: %w", s.name, err)
		}
		stageData[s.id.String()] = data
		writePartition(&body, s.id, data)
	}

	led := newLedger(salt, stageData, sealingKey)
	ledgerData, err := led.encode()
	if err != nil {
		return nil, fmt.Errorf("encode integrity ledger: %w", err)
	}

	var img bytes.Buffer
	writePartition(&img, PartitionIdentity, ledgerData)
	img.Write(body.Bytes())

	if err := os.WriteFile(path, img.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("write instance image: %w", err)
	}
	return &Image{path: path}, nil
}

// writePartition appends a header block and zero-padded data blocks.
func writePartition(buf *bytes.Buffer, id uuid.UUID, data []byte) {
	header := make([]byte, BlockSize)
	copy(header[:16], id[:])
	binary.BigEndian.PutUint32(header[16:20], uint32(len(data)))
	buf.Write(header)
	buf.Write(data)
	if pad := (BlockSize - len(data)%BlockSize) % BlockSize; pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

// Locate returns the offset of the first data byte of the identified
// partition, scanning header blocks at block granularity. The second return
// is false when the partition is absent from the container.
func (im *Image) Locate(id uuid.UUID) (int64, bool, error) {
	raw, err := os.ReadFile(im.path)
	if err != nil {
		return 0, false, fmt.Errorf("read instance image: %w", err)
	}
	off, ok := locate(raw, id)
	return off, ok, nil
}

func locate(raw []byte, id uuid.UUID) (int64, bool) {
	for off := 0; off+BlockSize <= len(raw); off += BlockSize {
		if bytes.Equal(raw[off:off+16], id[:]) {
			return int64(off + BlockSize), true
		}
	}
	return 0, false
}

// readPartition returns the identified partition's data.
func readPartition(raw []byte, id uuid.UUID) ([]byte, error) {
	for off := 0; off+BlockSize <= len(raw); off += BlockSize {
		if !bytes.Equal(raw[off:off+16], id[:]) {
			continue
		}
		n := int(binary.BigEndian.Uint32(raw[off+16 : off+20]))
		start := off + BlockSize
		if start+n > len(raw) {
			return nil, fmt.Errorf("%w: partition %s overruns container", ErrMalformed, id)
		}
		return raw[start : start+n], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoPartition, id)
}
