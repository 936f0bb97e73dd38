// Package device provides the block-device abstraction the storage engine
// writes segments to.
//
// The package defines one interface, [Device], with three implementations:
//
//   - [FileDevice]: a raw block device or preallocated file opened with
//     O_DIRECT where the platform and filesystem allow it
//   - [MemDevice]: an in-memory device for tests
//   - [FaultyDevice]: a wrapper that injects I/O failures
//
// # Alignment
//
// O_DIRECT requires the buffer address, the length and the file offset to be
// multiples of the logical sector size. The engine lays out every region and
// segment on [Device.Alignment] boundaries and allocates its images with
// [AlignedBuffer], so the hot path issues aligned I/O directly. Unaligned
// requests (point reads of single records) are bounced through an aligned
// scratch buffer by [FileDevice].
//
// # Usage
//
//	dev, err := device.OpenFile("/dev/nvme0n1p3", device.Options{DirectIO: true})
//
// Tests inject failures without touching the engine:
//
//	fd := device.NewFaultyDevice(device.NewMemDevice(64<<20, 4096))
//	fd.SetFault(device.Fault{FailAfterBytes: 1 << 20})
package device
