// Package shmring implements the single-producer/single-consumer
// shared-memory ring used to bridge the SIP/RTP gateway and the audio
// processors without a kernel round-trip on every 20 ms frame.
//
// A ring is backed by a file under a shared-memory directory (normally
// /dev/shm on Linux), mmap'd by every process that attaches to it. The
// header is a fixed 64-byte layout of atomically-updated counters;
// everything past the header is slot_count fixed-size slots, each holding
// a 4-byte big-endian length prefix followed by the
// frame payload.
package shmring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Magic identifies a valid ring header. Mirrors the fixed header layout
// described for the audio-processor shared-memory channel.
const Magic uint32 = 0x41504348

// Version is the on-disk header layout version.
const Version uint32 = 1

// Default geometry for a ring, per the external interface contract.
const (
	DefaultSlotSize  = 2048
	DefaultSlotCount = 512
)

// HeartbeatTimeout is how long a peer's heartbeat may go unrefreshed
// before it is considered dead.
const HeartbeatTimeout = 5 * time.Second

const headerSize = 64

// connection-flag bits within the header's atomic bitfield.
const (
	flagProducerConnected uint64 = 1 << 0
	flagConsumerConnected uint64 = 1 << 1
)

var (
	// ErrFull is returned by WriteFrame when the ring has no free slot.
	ErrFull = errors.New("shmring: ring full")
	// ErrEmpty is returned by ReadFrame when the ring has no pending frame.
	ErrEmpty = errors.New("shmring: ring empty")
	// ErrPayloadTooLarge is returned when a frame would not fit in a slot.
	ErrPayloadTooLarge = errors.New("shmring: payload exceeds slot size")
	// ErrBadMagic is returned when attaching to a file that is not a ring.
	ErrBadMagic = errors.New("shmring: bad magic, not a ring segment")
	// ErrVersionMismatch is returned when the on-disk layout version differs.
	ErrVersionMismatch = errors.New("shmring: version mismatch")
)

// header is a view over the first 64 bytes of the mapping. Fields that
// are updated concurrently are accessed exclusively through sync/atomic
// so the struct itself is never read/written with plain Go field access.
type header struct {
	magic      uint32
	version    uint32
	callID     uint64
	writeIndex uint64
	readIndex  uint64
	connFlags  uint64
	prodHB     int64
	consHB     int64
	slotSize   uint32
	slotCount  uint32
}

// Ring is one direction of shared memory for one call. Exactly one
// process may act as producer and exactly one as consumer; both may be
// the same process attaching twice only in tests.
type Ring struct {
	path string
	file *os.File
	mem  []byte

	slotSize  uint32
	slotCount uint32
}

// Dir is the directory new rings are created under. It defaults to
// /dev/shm (the conventional POSIX shared-memory tmpfs mount) and is
// overridable in tests so they don't touch the real system directory.
var Dir = "/dev/shm"

// PathFor returns the conventional channel name for a call and direction,
// e.g. PathFor("ap_in", 42) -> "/ap_in_42" resolved under Dir.
func PathFor(prefix string, callID uint64) string {
	return filepath.Join(Dir, fmt.Sprintf("%s_%d", prefix, callID))
}

// Create allocates a new ring segment for callID with the given slot
// geometry and maps it for the calling process as producer. The file is
// created if absent, truncated to the exact required size if present.
func Create(path string, callID uint64, slotSize, slotCount uint32) (*Ring, error) {
	if slotSize < 5 {
		return nil, fmt.Errorf("shmring: slot size %d too small", slotSize)
	}
	if slotCount < 2 {
		return nil, fmt.Errorf("shmring: slot count %d too small", slotCount)
	}

	size := int64(headerSize) + int64(slotSize)*int64(slotCount)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmring: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmring: truncate %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmring: mmap %s: %w", path, err)
	}

	r := &Ring{path: path, file: f, mem: mem, slotSize: slotSize, slotCount: slotCount}
	binary.LittleEndian.PutUint32(mem[0:4], Magic)
	binary.LittleEndian.PutUint32(mem[4:8], Version)
	binary.LittleEndian.PutUint64(mem[8:16], callID)
	atomic.StoreUint64(r.writeIndexPtr(), 0)
	atomic.StoreUint64(r.readIndexPtr(), 0)
	atomic.StoreUint64(r.connFlagsPtr(), flagProducerConnected)
	atomic.StoreInt64(r.prodHBPtr(), nowNano())
	atomic.StoreInt64(r.consHBPtr(), 0)
	binary.LittleEndian.PutUint32(mem[56:60], slotSize)
	binary.LittleEndian.PutUint32(mem[60:64], slotCount)

	return r, nil
}

// Attach maps an existing ring segment previously created with Create.
// The caller is expected to mark itself as consumer via SetConsumerConnected
// once it begins draining frames.
func Attach(path string) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmring: attach %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmring: stat %s: %w", path, err)
	}
	if fi.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("shmring: %s too small to be a ring", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmring: mmap %s: %w", path, err)
	}

	if got := binary.LittleEndian.Uint32(mem[0:4]); got != Magic {
		unix.Munmap(mem)
		f.Close()
		return nil, ErrBadMagic
	}
	if got := binary.LittleEndian.Uint32(mem[4:8]); got != Version {
		unix.Munmap(mem)
		f.Close()
		return nil, ErrVersionMismatch
	}

	slotSize := binary.LittleEndian.Uint32(mem[56:60])
	slotCount := binary.LittleEndian.Uint32(mem[60:64])

	return &Ring{path: path, file: f, mem: mem, slotSize: slotSize, slotCount: slotCount}, nil
}

func (r *Ring) writeIndexPtr() *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[16])) }
func (r *Ring) readIndexPtr() *uint64  { return (*uint64)(unsafe.Pointer(&r.mem[24])) }
func (r *Ring) connFlagsPtr() *uint64  { return (*uint64)(unsafe.Pointer(&r.mem[32])) }
func (r *Ring) prodHBPtr() *int64      { return (*int64)(unsafe.Pointer(&r.mem[40])) }
func (r *Ring) consHBPtr() *int64      { return (*int64)(unsafe.Pointer(&r.mem[48])) }

func nowNano() int64 { return time.Now().UnixNano() }

// CallID returns the call this ring belongs to.
func (r *Ring) CallID() uint64 {
	return binary.LittleEndian.Uint64(r.mem[8:16])
}

// SlotSize returns the configured per-slot byte capacity, length prefix included.
func (r *Ring) SlotSize() uint32 { return r.slotSize }

// SlotCount returns the number of slots in the ring.
func (r *Ring) SlotCount() uint32 { return r.slotCount }

// MaxPayload is the largest frame that can be written to this ring.
func (r *Ring) MaxPayload() int { return int(r.slotSize) - 4 }

func (r *Ring) slotOffset(idx uint64) int64 {
	return int64(headerSize) + int64(idx%uint64(r.slotCount))*int64(r.slotSize)
}

// full reports whether (write+1) mod N == read, the sole full condition.
func (r *Ring) isFull(write, read uint64) bool {
	return (write+1)%uint64(r.slotCount) == read%uint64(r.slotCount)
}

// WriteFrame publishes payload as the next slot. It returns ErrFull,
// leaving the ring unmodified, if there is no free slot — callers must
// not treat this as an error needing remediation beyond the documented
// backpressure policy of the caller (e.g. the outbound FIFO trims oldest
// bytes before they ever reach the ring).
func (r *Ring) WriteFrame(payload []byte) error {
	if len(payload) > r.MaxPayload() {
		return ErrPayloadTooLarge
	}

	write := atomic.LoadUint64(r.writeIndexPtr())
	read := atomic.LoadUint64(r.readIndexPtr())
	if r.isFull(write, read) {
		return ErrFull
	}

	off := r.slotOffset(write)
	binary.BigEndian.PutUint32(r.mem[off:off+4], uint32(len(payload)))
	copy(r.mem[off+4:off+4+int64(len(payload))], payload)

	// Release: publish the new write index only after the length and
	// payload bytes above are in memory, so a consumer that observes the
	// advanced index also observes the data it describes.
	atomic.StoreUint64(r.writeIndexPtr(), write+1)
	atomic.StoreInt64(r.prodHBPtr(), nowNano())
	return nil
}

// ReadFrame pops the oldest unread frame. It returns ErrEmpty, leaving
// the ring unmodified, when write == read.
func (r *Ring) ReadFrame() ([]byte, error) {
	// Acquire: read the write index before the length/payload bytes it
	// guards, matching the producer's release on the same index.
	write := atomic.LoadUint64(r.writeIndexPtr())
	read := atomic.LoadUint64(r.readIndexPtr())
	if write == read {
		return nil, ErrEmpty
	}

	off := r.slotOffset(read)
	n := binary.BigEndian.Uint32(r.mem[off : off+4])
	if int(n) > r.MaxPayload() {
		return nil, fmt.Errorf("shmring: corrupt slot length %d at index %d", n, read)
	}
	payload := make([]byte, n)
	copy(payload, r.mem[off+4:off+4+int64(n)])

	atomic.StoreUint64(r.readIndexPtr(), read+1)
	atomic.StoreInt64(r.consHBPtr(), nowNano())
	return payload, nil
}

// IsEmpty reports whether the ring currently holds no unread frame.
func (r *Ring) IsEmpty() bool {
	return atomic.LoadUint64(r.writeIndexPtr()) == atomic.LoadUint64(r.readIndexPtr())
}

// IsFull reports whether the ring currently has no free slot.
func (r *Ring) IsFull() bool {
	write := atomic.LoadUint64(r.writeIndexPtr())
	read := atomic.LoadUint64(r.readIndexPtr())
	return r.isFull(write, read)
}

// SetProducerConnected marks or clears the producer-connected bit.
func (r *Ring) SetProducerConnected(connected bool) {
	r.setFlag(flagProducerConnected, connected)
	atomic.StoreInt64(r.prodHBPtr(), nowNano())
}

// SetConsumerConnected marks or clears the consumer-connected bit.
func (r *Ring) SetConsumerConnected(connected bool) {
	r.setFlag(flagConsumerConnected, connected)
	atomic.StoreInt64(r.consHBPtr(), nowNano())
}

func (r *Ring) setFlag(bit uint64, set bool) {
	for {
		old := atomic.LoadUint64(r.connFlagsPtr())
		var next uint64
		if set {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if atomic.CompareAndSwapUint64(r.connFlagsPtr(), old, next) {
			return
		}
	}
}

// ProducerConnected reports the producer-connected flag.
func (r *Ring) ProducerConnected() bool {
	return atomic.LoadUint64(r.connFlagsPtr())&flagProducerConnected != 0
}

// ConsumerConnected reports the consumer-connected flag.
func (r *Ring) ConsumerConnected() bool {
	return atomic.LoadUint64(r.connFlagsPtr())&flagConsumerConnected != 0
}

// ProducerAlive reports whether the producer's heartbeat is fresh.
func (r *Ring) ProducerAlive() bool {
	return heartbeatFresh(atomic.LoadInt64(r.prodHBPtr()))
}

// ConsumerAlive reports whether the consumer's heartbeat is fresh.
func (r *Ring) ConsumerAlive() bool {
	return heartbeatFresh(atomic.LoadInt64(r.consHBPtr()))
}

func heartbeatFresh(ns int64) bool {
	if ns == 0 {
		return false
	}
	return time.Since(time.Unix(0, ns)) < HeartbeatTimeout
}

// TouchProducer refreshes the producer heartbeat without writing a frame,
// used by idle producers so they are not mistaken for dead peers.
func (r *Ring) TouchProducer() { atomic.StoreInt64(r.prodHBPtr(), nowNano()) }

// TouchConsumer refreshes the consumer heartbeat without reading a frame.
func (r *Ring) TouchConsumer() { atomic.StoreInt64(r.consHBPtr(), nowNano()) }

// Close unmaps the segment and closes the backing file descriptor. It
// does not remove the file; call Unlink for that (normally done once, by
// whichever side tears the call down).
func (r *Ring) Close() error {
	var errs []error
	if err := unix.Munmap(r.mem); err != nil {
		errs = append(errs, err)
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Unlink removes the backing file from the shared-memory directory. Call
// after both sides have closed their mapping.
func Unlink(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
