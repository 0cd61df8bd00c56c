package sandbox

// Limits are the OS-enforced resource ceilings applied inside the sandbox
// process before any plugin code runs. Violations are enforced by the
// kernel, not by application code; the host observes a breach as a closed
// channel on the next interaction.
type Limits struct {
	// CPUSeconds ceilings total CPU time (RLIMIT_CPU).
	CPUSeconds int `mapstructure:"cpu_seconds" yaml:"cpu_seconds"`

	// MemoryMB ceilings the address space (RLIMIT_AS).
	MemoryMB int `mapstructure:"memory_mb" yaml:"memory_mb"`

	// MaxOpenFiles caps open file handles (RLIMIT_NOFILE).
	MaxOpenFiles int `mapstructure:"max_open_files" yaml:"max_open_files"`

	// MaxProcesses caps child processes and threads (RLIMIT_NPROC).
	MaxProcesses int `mapstructure:"max_processes" yaml:"max_processes"`

	// MaxFileSizeMB caps the size of any file the sandbox writes
	// (RLIMIT_FSIZE).
	MaxFileSizeMB int `mapstructure:"max_file_size_mb" yaml:"max_file_size_mb"`
}

// DefaultLimits mirrors the ceilings used in production: a few seconds of
// CPU and a small heap is plenty for chat command handlers.
func DefaultLimits() Limits {
	return Limits{
		CPUSeconds:    5,
		MemoryMB:      128,
		MaxOpenFiles:  64,
		MaxProcesses:  64,
		MaxFileSizeMB: 10,
	}
}

// MemoryBytes returns the memory ceiling in bytes.
func (l Limits) MemoryBytes() uint64 {
	return uint64(l.MemoryMB) * 1024 * 1024
}

// FileSizeBytes returns the writable file size ceiling in bytes.
func (l Limits) FileSizeBytes() uint64 {
	return uint64(l.MaxFileSizeMB) * 1024 * 1024
}
