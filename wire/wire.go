package wire

import "fmt"

// Separator is the reserved control character. It delimits fields inside a
// payload and, repeated, forms the continuation and end-of-message markers.
// Values sent over the channel must never contain it.
const Separator byte = 0x03

const (
	// MoreMarker terminates a response chunk that has a continuation.
	MoreMarker = "\x03\x03"
	// EndMarker terminates the final chunk of a response.
	EndMarker = "\x03\x03\x03"
)

// MaxTransferUnit is the fixed size of one response chunk including its
// marker and terminator.
const MaxTransferUnit = 4096

// ChunkPayload is the maximum payload carried per response chunk: the
// transfer unit less the end marker and the single-byte line terminator,
// rounded down to even so workers that emit two-byte-per-character text
// never split a character across chunks.
const ChunkPayload = (MaxTransferUnit - len(EndMarker) - 1) &^ 1

// MsgKind identifies a notification sent to the worker.
type MsgKind uint16

const (
	MsgGet      MsgKind = 0x8001
	MsgSet      MsgKind = 0x8002
	MsgCall     MsgKind = 0x8003
	MsgCallMain MsgKind = 0x8004
	MsgContinue MsgKind = 0x8005
	MsgExit     MsgKind = 0x8006
)

func (k MsgKind) String() string {
	switch k {
	case MsgGet:
		return "get"
	case MsgSet:
		return "set"
	case MsgCall:
		return "call"
	case MsgCallMain:
		return "call_main"
	case MsgContinue:
		return "continue"
	case MsgExit:
		return "exit"
	}
	return fmt.Sprintf("unknown(0x%x)", uint16(k))
}

// Control words for the frames carried on the worker's input stream. A data
// frame ("#data <n>\n" followed by n raw bytes) is the bulk copy of a
// payload; a notify frame ("#msg <code> <token> <seq>\n") is the
// notification that triggers its dispatch.
const (
	DataFrameWord   = "#data"
	NotifyFrameWord = "#msg"
)

// Diagnostic payload tags. The first separator-delimited field of a
// non-empty diagnostic frame names the failure or warning kind.
const (
	TagError             = "Error"
	TagFuncNotFound      = "FuncNotFound"
	TagUnsupportedValue  = "UnsupportedValue"
	TagUnexpectedSender  = "UnexpectedSender"
	TagUserException     = "UserException"
	TagWarning           = "Warning"
	TagLossOfPrecision   = "LossOfPrecision"
	TagNewlineNormalized = "NewlineNormalized"
)

// MainThreadViolationCode is the failure code (0x8001010D as unsigned
// decimal) a worker reports when a function that must run on its primary
// thread is invoked from a notification handler. The controller translates
// it into a dedicated failure with remediation guidance.
const MainThreadViolationCode = "2147549453"
