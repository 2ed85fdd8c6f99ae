package inject

// ExitCode enumerates every distinct way Inject can end, matching the
// launcher's process exit-code contract (§6). Success is zero so a
// plain `if code != inject.Success` reads naturally at the call site.
type ExitCode int

const (
	Success ExitCode = iota
	AttachFailed
	GetRegistersAfterAttachFailed
	SetInjectedShellcodeRegistersFailed
	ReadTargetMemoryFailed
	WriteShellcodeToTargetMemoryFailed
	ErrorInExecuteMalloc
	GetMallocRegistersFailed
	MallocReturnZero
	WriteLibraryStrToTargetMemoryFailed
	ErrorInExecuteDlopen
	GetDlopenRegistersFailed
	DlopenReturnZero
	ErrorInExecuteFree
	ErrorInExecuteRecoverInjection
	ErrorInVerifySoLocation
)

func (c ExitCode) String() string {
	switch c {
	case Success:
		return "success"
	case AttachFailed:
		return "attach_failed"
	case GetRegistersAfterAttachFailed:
		return "get_registers_after_attach_failed"
	case SetInjectedShellcodeRegistersFailed:
		return "set_injected_shellcode_registers_failed"
	case ReadTargetMemoryFailed:
		return "read_target_memory_failed"
	case WriteShellcodeToTargetMemoryFailed:
		return "write_shellcode_to_target_memory_failed"
	case ErrorInExecuteMalloc:
		return "error_in_execute_malloc"
	case GetMallocRegistersFailed:
		return "get_malloc_registers_failed"
	case MallocReturnZero:
		return "malloc_return_zero"
	case WriteLibraryStrToTargetMemoryFailed:
		return "write_library_str_to_target_memory_failed"
	case ErrorInExecuteDlopen:
		return "error_in_execute_dlopen"
	case GetDlopenRegistersFailed:
		return "get_dlopen_registers_failed"
	case DlopenReturnZero:
		return "dlopen_return_zero"
	case ErrorInExecuteFree:
		return "error_in_execute_free"
	case ErrorInExecuteRecoverInjection:
		return "error_in_execute_recover_injection"
	case ErrorInVerifySoLocation:
		return "error_in_verify_so_location"
	default:
		return "unknown"
	}
}
