//go:build linux

package ring

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// shmPath maps a ring name to the tmpfs path both endpoints agree on,
// following shm_open's /dev/shm convention.
func shmPath(name string) string {
	return "/dev/shm/" + name
}

// NamedRegion is a shared-memory mapping both endpoints of a Shared
// ring obtain by name: the creating process calls CreateNamed, the
// peer attaches with OpenNamed, and each side hands Bytes to NewShared.
// Close unmaps one endpoint's view; Unlink retires the name once the
// ring is done, usually by the creator.
type NamedRegion struct {
	name string
	data []byte
}

// CreateNamed creates and maps a fresh size-byte region under name.
// It fails if the name already exists, so two creators cannot silently
// share a stale region.
func CreateNamed(name string, size int) (*NamedRegion, error) {
	return mapNamed(name, size, unix.O_CREAT|unix.O_EXCL)
}

// OpenNamed maps an existing region created by CreateNamed in another
// process. size must match the creator's.
func OpenNamed(name string, size int) (*NamedRegion, error) {
	return mapNamed(name, size, 0)
}

func mapNamed(name string, size int, createFlags int) (*NamedRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("ring: region size %d is not positive", size)
	}
	fd, err := unix.Open(shmPath(name), unix.O_RDWR|createFlags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ring: open shared region %q: %w", name, err)
	}
	defer unix.Close(fd)

	if createFlags != 0 {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Unlink(shmPath(name))
			return nil, fmt.Errorf("ring: size shared region %q: %w", name, err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fmt.Errorf("ring: stat shared region %q: %w", name, err)
		}
		if st.Size != int64(size) {
			return nil, fmt.Errorf("ring: shared region %q is %d bytes, want %d", name, st.Size, size)
		}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if createFlags != 0 {
			unix.Unlink(shmPath(name))
		}
		return nil, fmt.Errorf("ring: map shared region %q: %w", name, err)
	}
	return &NamedRegion{name: name, data: data}, nil
}

// Bytes returns the mapped region, suitable for NewShared. The page
// granularity of mmap guarantees the 8-byte alignment NewShared checks.
func (r *NamedRegion) Bytes() []byte { return r.data }

// Name returns the name the region was mapped under.
func (r *NamedRegion) Name() string { return r.name }

// Close unmaps this endpoint's view. The region itself lives on until
// every mapping is gone and the name is unlinked.
func (r *NamedRegion) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("ring: unmap shared region %q: %w", r.name, err)
	}
	return nil
}

// Unlink retires name so no further OpenNamed can attach. Existing
// mappings keep working until closed.
func Unlink(name string) error {
	if err := unix.Unlink(shmPath(name)); err != nil {
		return fmt.Errorf("ring: unlink shared region %q: %w", name, err)
	}
	return nil
}
