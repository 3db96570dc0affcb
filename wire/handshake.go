package wire

import "fmt"

// Handshake is the first thing a controller writes to a freshly spawned
// worker: one JSON line describing the channel, followed by ScriptLen raw
// bytes of script text. It replaces generated preamble source with
// structured configuration; the worker validates that the framing constants
// match its own build before servicing any notification.
type Handshake struct {
	Separator  byte `json:"separator"`
	BufferSize int  `json:"bufferSize"`

	GetCode      uint16 `json:"getCode"`
	SetCode      uint16 `json:"setCode"`
	CallCode     uint16 `json:"callCode"`
	CallMainCode uint16 `json:"callMainCode"`
	ContinueCode uint16 `json:"continueCode"`
	ExitCode     uint16 `json:"exitCode"`

	// Token is the channel correlation key. Every notify frame carries it,
	// and the worker rejects frames bearing any other sender identity.
	Token string `json:"token"`

	WorkingDir string `json:"workingDir,omitempty"`

	// ScriptLen is the byte length of the script text that follows the
	// handshake line.
	ScriptLen int `json:"scriptLen"`

	// PreambleLines is how many lines the controller prepended to the user's
	// script, so worker-reported line numbers can be remapped to the user's
	// own text.
	PreambleLines int `json:"preambleLines"`
}

// NewHandshake fills in the build-time framing constants.
func NewHandshake(token, workingDir string, scriptLen, preambleLines int) Handshake {
	return Handshake{
		Separator:     Separator,
		BufferSize:    MaxTransferUnit,
		GetCode:       uint16(MsgGet),
		SetCode:       uint16(MsgSet),
		CallCode:      uint16(MsgCall),
		CallMainCode:  uint16(MsgCallMain),
		ContinueCode:  uint16(MsgContinue),
		ExitCode:      uint16(MsgExit),
		Token:         token,
		WorkingDir:    workingDir,
		ScriptLen:     scriptLen,
		PreambleLines: preambleLines,
	}
}

// Validate checks the handshake against this build's framing constants.
func (h Handshake) Validate() error {
	if h.Separator != Separator {
		return fmt.Errorf("separator mismatch: controller uses 0x%02x, worker uses 0x%02x", h.Separator, Separator)
	}
	if h.BufferSize != MaxTransferUnit {
		return fmt.Errorf("buffer size mismatch: controller uses %d, worker uses %d", h.BufferSize, MaxTransferUnit)
	}
	codes := [...]struct {
		name string
		got  uint16
		want MsgKind
	}{
		{"get", h.GetCode, MsgGet},
		{"set", h.SetCode, MsgSet},
		{"call", h.CallCode, MsgCall},
		{"call_main", h.CallMainCode, MsgCallMain},
		{"continue", h.ContinueCode, MsgContinue},
		{"exit", h.ExitCode, MsgExit},
	}
	for _, c := range codes {
		if c.got != uint16(c.want) {
			return fmt.Errorf("%s message code mismatch: controller uses 0x%x, worker uses 0x%x", c.name, c.got, uint16(c.want))
		}
	}
	if h.Token == "" {
		return fmt.Errorf("handshake carries no correlation token")
	}
	if h.ScriptLen < 0 {
		return fmt.Errorf("negative script length %d", h.ScriptLen)
	}
	return nil
}
