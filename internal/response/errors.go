package response

// ErrCode is a typed error code enum shared by the grading backend envelope and the agent API.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Attempt start ─────────────────────────────────────────────────
	ErrPasswordRequired     ErrCode = "PASSWORD_REQUIRED"
	ErrPasswordInvalid      ErrCode = "PASSWORD_INVALID"
	ErrExamNotYetOpen       ErrCode = "EXAM_NOT_YET_OPEN"
	ErrExamWindowClosed     ErrCode = "EXAM_WINDOW_CLOSED"
	ErrAttemptLimitExceeded ErrCode = "ATTEMPT_LIMIT_EXCEEDED"
	ErrExamNotAvailable     ErrCode = "EXAM_NOT_AVAILABLE"
	ErrShareCodeInvalid     ErrCode = "SHARE_CODE_INVALID"

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	ErrAttemptNotActive   ErrCode = "ATTEMPT_NOT_ACTIVE"
	ErrAttemptSubmitted   ErrCode = "ATTEMPT_ALREADY_SUBMITTED"
	ErrNoActiveSession    ErrCode = "NO_ACTIVE_SESSION"
	ErrSessionInProgress  ErrCode = "SESSION_IN_PROGRESS"
	ErrFinalizeFailed     ErrCode = "FINALIZE_FAILED"
	ErrBackendUnavailable ErrCode = "BACKEND_UNAVAILABLE"

	// ─── Media ─────────────────────────────────────────────────────────
	ErrFileTooLarge ErrCode = "FILE_TOO_LARGE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrSessionInvalidated:
		return "Sesi Anda telah berakhir. Silakan login kembali."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Sumber daya sudah ada."

	// ─── Attempt start ─────────────────────────────────────────────────
	case ErrPasswordRequired:
		return "Ujian ini memerlukan kata sandi."
	case ErrPasswordInvalid:
		return "Kata sandi ujian salah."
	case ErrExamNotYetOpen:
		return "Ujian belum dibuka."
	case ErrExamWindowClosed:
		return "Waktu ujian telah ditutup."
	case ErrAttemptLimitExceeded:
		return "Batas jumlah percobaan ujian telah tercapai."
	case ErrExamNotAvailable:
		return "Ujian ini saat ini tidak tersedia."
	case ErrShareCodeInvalid:
		return "Kode ujian tidak valid."

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	case ErrAttemptNotActive:
		return "Percobaan ujian tidak aktif."
	case ErrAttemptSubmitted:
		return "Ujian sudah dikumpulkan."
	case ErrNoActiveSession:
		return "Tidak ada sesi ujian yang aktif."
	case ErrSessionInProgress:
		return "Sesi ujian lain sedang berlangsung."
	case ErrFinalizeFailed:
		return "Gagal mengumpulkan ujian. Jawaban Anda tetap tersimpan, silakan coba lagi."
	case ErrBackendUnavailable:
		return "Server ujian tidak dapat dihubungi."

	// ─── Media ─────────────────────────────────────────────────────────
	case ErrFileTooLarge:
		return "Ukuran file melebihi batas."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
